package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/types"
)

// EventStore provides row-level access to one of the event-shaped tables
// (EVENT_STORE or ALERT_STORE). The two tables share a schema; alerts are
// simply higher-priority rows in their own table with their own uploader
// cadence.
type EventStore struct {
	engine *Engine
	table  string
}

// NewEventStore returns a store over the main event table
func NewEventStore(engine *Engine) *EventStore {
	return &EventStore{engine: engine, table: TableEventStore}
}

// NewAlertStore returns a store over the alert table
func NewAlertStore(engine *Engine) *EventStore {
	return &EventStore{engine: engine, table: TableAlertStore}
}

// Table returns the underlying table name
func (s *EventStore) Table() string {
	return s.table
}

var eventColumns = strings.Join([]string{
	ColID, ColEventID, ColTimestamp, ColTimezone, ColSize, ColHasAttach,
	ColPriority, ColEvents, ColAppID, ColTopic, ColMID, ColStream, ColBatch,
	ColGranularity,
}, ", ")

func scanEvent(rows *sql.Rows) (types.StoredEvent, error) {
	var ev types.StoredEvent
	var hasAttach, stream, batch int
	err := rows.Scan(&ev.ID, &ev.EventID, &ev.Timestamp, &ev.Timezone, &ev.Size,
		&hasAttach, &ev.Priority, &ev.Payload, &ev.AppID, &ev.Topic, &ev.MID,
		&stream, &batch, &ev.Granularity)
	if err != nil {
		return ev, err
	}
	ev.HasAttach = hasAttach != 0
	ev.Stream = stream != 0
	ev.Batch = batch != 0
	return ev, nil
}

// InsertBatch writes a batch of rows under one transaction. A row that
// fails to insert is logged and skipped; the rest of the batch commits.
// Returns the number of rows actually written.
func (s *EventStore) InsertBatch(events []types.StoredEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.engine.lockedTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(fmt.Sprintf(
			`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.table, ColEventID, ColTimestamp, ColTimezone, ColSize, ColHasAttach,
			ColPriority, ColEvents, ColAppID, ColTopic, ColMID, ColStream, ColBatch,
			ColGranularity))
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, ev := range events {
			_, err := stmt.Exec(ev.EventID, ev.Timestamp, ev.Timezone, ev.Size,
				boolToInt(ev.HasAttach), ev.Priority, ev.Payload, ev.AppID, ev.Topic,
				ev.MID, boolToInt(ev.Stream), boolToInt(ev.Batch), ev.Granularity)
			if err != nil {
				// a single malformed row must not lose the batch
				log.WithComponent("storage").Warn().Err(err).
					Str("event_id", ev.EventID).Msg("row insert failed, skipping")
				continue
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return inserted, err
	}
	return inserted, nil
}

// Insert writes a single row and returns its rowid
func (s *EventStore) Insert(ev types.StoredEvent) (int64, error) {
	var id int64
	err := s.engine.locked(func(db *sql.DB) error {
		res, err := db.Exec(fmt.Sprintf(
			`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.table, ColEventID, ColTimestamp, ColTimezone, ColSize, ColHasAttach,
			ColPriority, ColEvents, ColAppID, ColTopic, ColMID, ColStream, ColBatch,
			ColGranularity),
			ev.EventID, ev.Timestamp, ev.Timezone, ev.Size, boolToInt(ev.HasAttach),
			ev.Priority, ev.Payload, ev.AppID, ev.Topic, ev.MID,
			boolToInt(ev.Stream), boolToInt(ev.Batch), ev.Granularity)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", s.table, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// PendingStream returns up to limit unpublished non-topiced stream rows
// in (timestamp, rowid) order.
func (s *EventStore) PendingStream(limit int) ([]types.StoredEvent, error) {
	return s.query(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = 0 AND %s = 1 AND %s = '' ORDER BY %s ASC, %s ASC LIMIT ?",
		eventColumns, s.table, ColMID, ColStream, ColTopic, ColTimestamp, ColID), limit)
}

// PendingTopiced returns up to limit unpublished rows that carry a topic
func (s *EventStore) PendingTopiced(limit int) ([]types.StoredEvent, error) {
	return s.query(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = 0 AND %s != '' ORDER BY %s ASC, %s ASC LIMIT ?",
		eventColumns, s.table, ColMID, ColTopic, ColTimestamp, ColID), limit)
}

// Pending returns up to limit unpublished rows regardless of mode
func (s *EventStore) Pending(limit int) ([]types.StoredEvent, error) {
	return s.query(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = 0 ORDER BY %s ASC, %s ASC LIMIT ?",
		eventColumns, s.table, ColMID, ColTimestamp, ColID), limit)
}

func (s *EventStore) query(q string, args ...any) ([]types.StoredEvent, error) {
	var events []types.StoredEvent
	err := s.engine.locked(func(db *sql.DB) error {
		rows, err := db.Query(q, args...)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", s.table, err)
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return fmt.Errorf("failed to scan row: %w", err)
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	return events, err
}

// MarkPublished stamps the broker message id on the given rows in one
// transaction. A row with MID > 0 is awaiting the broker ack.
func (s *EventStore) MarkPublished(ids []int64, mid int) error {
	if len(ids) == 0 {
		return nil
	}
	return s.engine.lockedTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", s.table, ColMID, ColID))
		if err != nil {
			return fmt.Errorf("failed to prepare mid update: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.Exec(mid, id); err != nil {
				return fmt.Errorf("failed to mark row %d published: %w", id, err)
			}
		}
		return nil
	})
}

// DeleteByMID removes all rows acknowledged under the given message id.
// Deletion on ack is irrevocable.
func (s *EventStore) DeleteByMID(mid int) (int64, error) {
	var deleted int64
	err := s.engine.locked(func(db *sql.DB) error {
		res, err := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.table, ColMID), mid)
		if err != nil {
			return fmt.Errorf("failed to delete acked rows: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// ResetMIDs returns published-but-unacked rows to the pending state. Run
// on startup: an ack that never arrived means the publish must be retried.
func (s *EventStore) ResetMIDs() (int64, error) {
	var reset int64
	err := s.engine.locked(func(db *sql.DB) error {
		res, err := db.Exec(fmt.Sprintf("UPDATE %s SET %s = 0 WHERE %s > 0", s.table, ColMID, ColMID))
		if err != nil {
			return fmt.Errorf("failed to reset mids: %w", err)
		}
		reset, _ = res.RowsAffected()
		return nil
	})
	return reset, err
}

// DeleteRows removes the given rowids
func (s *EventStore) DeleteRows(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.engine.lockedTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.table, ColID))
		if err != nil {
			return fmt.Errorf("failed to prepare delete: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.Exec(id); err != nil {
				return fmt.Errorf("failed to delete row %d: %w", id, err)
			}
		}
		return nil
	})
}

// Count returns the number of rows in the table
func (s *EventStore) Count() (int64, error) {
	var n int64
	err := s.engine.locked(func(db *sql.DB) error {
		return db.QueryRow("SELECT COUNT(*) FROM " + s.table).Scan(&n)
	})
	return n, err
}

// RowsAfter returns up to limit rows with rowid greater than after, in
// rowid order. The granularity reducer walks the table with this.
func (s *EventStore) RowsAfter(after int64, limit int) ([]types.StoredEvent, error) {
	return s.query(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT ?",
		eventColumns, s.table, ColID, ColID), after, limit)
}

// TimestampAtOffset returns the timestamp of the n-th oldest row. Used to
// find the FIFO purge boundary.
func (s *EventStore) TimestampAtOffset(n int64) (int64, error) {
	var ts int64
	err := s.engine.locked(func(db *sql.DB) error {
		row := db.QueryRow(fmt.Sprintf(
			"SELECT %s FROM %s ORDER BY %s ASC LIMIT 1 OFFSET ?", ColTimestamp, s.table, ColTimestamp), n)
		if err := row.Scan(&ts); err != nil {
			return fmt.Errorf("failed to find purge boundary: %w", err)
		}
		return nil
	})
	return ts, err
}

// OldestTimestamp returns the smallest timestamp in the table, 0 when empty
func (s *EventStore) OldestTimestamp() (int64, error) {
	var ts sql.NullInt64
	err := s.engine.locked(func(db *sql.DB) error {
		return db.QueryRow(fmt.Sprintf("SELECT MIN(%s) FROM %s", ColTimestamp, s.table)).Scan(&ts)
	})
	return ts.Int64, err
}

// DeleteOlderThan removes rows with timestamp strictly below cutoff. With
// sparStream set, stream-eligible rows are skipped: those only leave
// through publish/ack.
func (s *EventStore) DeleteOlderThan(cutoff int64, sparStream bool) (int64, error) {
	var deleted int64
	q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", s.table, ColTimestamp)
	if sparStream {
		q += fmt.Sprintf(" AND %s = 0", ColStream)
	}
	err := s.engine.locked(func(db *sql.DB) error {
		res, err := db.Exec(q, cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge rows: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// SetGranularity stamps the reduction level on surviving rows
func (s *EventStore) SetGranularity(ids []int64, level int) error {
	if len(ids) == 0 {
		return nil
	}
	return s.engine.lockedTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", s.table, ColGranularity, ColID))
		if err != nil {
			return fmt.Errorf("failed to prepare granularity update: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.Exec(level, id); err != nil {
				return fmt.Errorf("failed to update row %d: %w", id, err)
			}
		}
		return nil
	})
}
