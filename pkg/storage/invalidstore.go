package storage

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/security"
	"github.com/hcp-ignite/agent/pkg/types"
)

// InvalidEventStore quarantines events whose timestamps failed
// plausibility (typically: older than the device activation time). They
// are kept for replay and inspection rather than silently dropped.
type InvalidEventStore struct {
	engine    *Engine
	envelope  *security.Envelope
	sizeLimit int64

	mu       sync.Mutex
	overflow *types.Event // pending DBOverLimit, handed to the next poll
}

// NewInvalidEventStore creates the quarantine store. sizeLimit is the same
// ceiling the main store honors.
func NewInvalidEventStore(engine *Engine, envelope *security.Envelope, sizeLimit int64) *InvalidEventStore {
	return &InvalidEventStore{engine: engine, envelope: envelope, sizeLimit: sizeLimit}
}

// Insert quarantines one event. When the database exceeds its ceiling the
// oldest rows are purged first and a DBOverLimit summary is queued.
func (s *InvalidEventStore) Insert(ev *types.Event) error {
	raw, err := ev.Serialize()
	if err != nil {
		return err
	}
	payload, err := s.envelope.Encrypt(raw)
	if err != nil {
		return fmt.Errorf("failed to encrypt invalid event: %w", err)
	}

	if s.sizeLimit > 0 && s.engine.SizeBytes() >= s.sizeLimit {
		if err := s.purgeOldest(); err != nil {
			log.WithComponent("storage").Warn().Err(err).Msg("invalid store purge failed")
		}
	}

	return s.engine.locked(func(db *sql.DB) error {
		_, err := db.Exec(fmt.Sprintf(
			"INSERT INTO %s (%s, %s) VALUES (?, ?)", TableInvalidStore, ColTimestamp, ColEvents),
			ev.Timestamp, payload)
		if err != nil {
			return fmt.Errorf("failed to insert invalid event: %w", err)
		}
		return nil
	})
}

// purgeOldest removes the oldest quarter of quarantined rows and queues a
// DBOverLimit event for the next poll.
func (s *InvalidEventStore) purgeOldest() error {
	var count int64
	if err := s.engine.locked(func(db *sql.DB) error {
		return db.QueryRow("SELECT COUNT(*) FROM " + TableInvalidStore).Scan(&count)
	}); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	drop := count / 4
	if drop == 0 {
		drop = 1
	}
	var fromTs, toTs int64
	err := s.engine.locked(func(db *sql.DB) error {
		if err := db.QueryRow(fmt.Sprintf("SELECT MIN(%s) FROM %s", ColTimestamp, TableInvalidStore)).Scan(&fromTs); err != nil {
			return err
		}
		row := db.QueryRow(fmt.Sprintf(
			"SELECT %s FROM %s ORDER BY %s ASC LIMIT 1 OFFSET ?", ColTimestamp, TableInvalidStore, ColTimestamp), drop)
		if err := row.Scan(&toTs); err != nil {
			return err
		}
		_, err := db.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE %s IN (SELECT %s FROM %s ORDER BY %s ASC LIMIT ?)",
			TableInvalidStore, ColID, ColID, TableInvalidStore, ColID), drop)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to purge invalid store: %w", err)
	}

	overflow := types.NewEvent("1.0", types.EventDBOverLimit)
	overflow.AddField("Action", "Purge")
	overflow.AddField("IsInvalidTimstampEvent", true)
	overflow.AddField("EventsDeletedFrom", fromTs)
	overflow.AddField("EventsDeletedTo", toTs)

	s.mu.Lock()
	s.overflow = overflow
	s.mu.Unlock()
	return nil
}

// TakeOverflowEvent returns and clears the pending overflow summary, nil
// when none is queued.
func (s *InvalidEventStore) TakeOverflowEvent() *types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.overflow
	s.overflow = nil
	return ev
}

// Retrieve returns up to n quarantined events in timestamp-ascending order
// with payloads decrypted. Rows that no longer decrypt are deleted.
func (s *InvalidEventStore) Retrieve(n int) ([]*types.Event, error) {
	var rows []types.InvalidEvent
	err := s.engine.locked(func(db *sql.DB) error {
		res, err := db.Query(fmt.Sprintf(
			"SELECT %s, %s, %s FROM %s ORDER BY %s ASC LIMIT ?",
			ColID, ColTimestamp, ColEvents, TableInvalidStore, ColTimestamp), n)
		if err != nil {
			return fmt.Errorf("failed to query invalid store: %w", err)
		}
		defer res.Close()
		for res.Next() {
			var row types.InvalidEvent
			if err := res.Scan(&row.ID, &row.Timestamp, &row.Payload); err != nil {
				return fmt.Errorf("failed to scan invalid row: %w", err)
			}
			rows = append(rows, row)
		}
		return res.Err()
	})
	if err != nil {
		return nil, err
	}

	var events []*types.Event
	var corrupt []int64
	for _, row := range rows {
		raw, err := s.envelope.Decrypt(row.Payload)
		if err != nil {
			corrupt = append(corrupt, row.ID)
			continue
		}
		ev, err := types.ParseEvent(raw)
		if err != nil {
			corrupt = append(corrupt, row.ID)
			continue
		}
		events = append(events, ev)
	}
	if len(corrupt) > 0 {
		log.WithComponent("storage").Warn().Int("rows", len(corrupt)).Msg("dropping corrupt quarantined rows")
		_ = s.deleteRows(corrupt)
	}
	return events, nil
}

// Count returns the number of quarantined rows
func (s *InvalidEventStore) Count() (int64, error) {
	var n int64
	err := s.engine.locked(func(db *sql.DB) error {
		return db.QueryRow("SELECT COUNT(*) FROM " + TableInvalidStore).Scan(&n)
	})
	return n, err
}

func (s *InvalidEventStore) deleteRows(ids []int64) error {
	return s.engine.lockedTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", TableInvalidStore, ColID), id); err != nil {
				return err
			}
		}
		return nil
	})
}
