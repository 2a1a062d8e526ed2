package storage

import (
	"database/sql"
	"fmt"

	"github.com/hcp-ignite/agent/pkg/log"
)

// currentSchemaVersion is the user_version this build writes. Opening a
// store with a higher version fails: the schema is never downgraded.
const currentSchemaVersion = 2

// migration applies one schema step v → v+1. Each step is additive and
// idempotent with respect to partial application.
type migration func(tx *sql.Tx, opts Options) error

var migrations = []migration{
	migrateV1Schema,
	migrateV2UploadFlags,
}

func (e *Engine) migrate() error {
	var stored int
	if err := e.db.QueryRow("PRAGMA user_version").Scan(&stored); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}
	if stored > currentSchemaVersion {
		return fmt.Errorf("store version %d is newer than supported %d", stored, currentSchemaVersion)
	}
	for v := stored; v < currentSchemaVersion; v++ {
		step := migrations[v]
		err := func() error {
			tx, err := e.db.Begin()
			if err != nil {
				return fmt.Errorf("failed to begin migration txn: %w", err)
			}
			if err := step(tx, e.opts); err != nil {
				_ = tx.Rollback()
				return err
			}
			if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
				_ = tx.Rollback()
				return err
			}
			return tx.Commit()
		}()
		if err != nil {
			return fmt.Errorf("migration v%d -> v%d: %w", v, v+1, err)
		}
		log.WithComponent("storage").Info().Int("version", v+1).Msg("schema migrated")
	}
	return nil
}

// migrateV1Schema creates the base tables
func migrateV1Schema(tx *sql.Tx, _ Options) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + TableEventStore + ` (
			` + ColID + ` INTEGER PRIMARY KEY AUTOINCREMENT,
			` + ColEventID + ` TEXT NOT NULL,
			` + ColTimestamp + ` INTEGER NOT NULL,
			` + ColTimezone + ` INTEGER NOT NULL DEFAULT 0,
			` + ColSize + ` INTEGER NOT NULL DEFAULT 0,
			` + ColHasAttach + ` INTEGER NOT NULL DEFAULT 0,
			` + ColPriority + ` INTEGER NOT NULL DEFAULT 0,
			` + ColEvents + ` BLOB,
			` + ColAppID + ` TEXT DEFAULT '',
			` + ColTopic + ` TEXT DEFAULT '',
			` + ColMID + ` INTEGER NOT NULL DEFAULT 0,
			` + ColGranularity + ` INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_ts ON ` + TableEventStore + `(` + ColTimestamp + `)`,
		`CREATE INDEX IF NOT EXISTS idx_event_mid ON ` + TableEventStore + `(` + ColMID + `)`,
		`CREATE TABLE IF NOT EXISTS ` + TableAlertStore + ` (
			` + ColID + ` INTEGER PRIMARY KEY AUTOINCREMENT,
			` + ColEventID + ` TEXT NOT NULL,
			` + ColTimestamp + ` INTEGER NOT NULL,
			` + ColTimezone + ` INTEGER NOT NULL DEFAULT 0,
			` + ColSize + ` INTEGER NOT NULL DEFAULT 0,
			` + ColHasAttach + ` INTEGER NOT NULL DEFAULT 0,
			` + ColPriority + ` INTEGER NOT NULL DEFAULT 0,
			` + ColEvents + ` BLOB,
			` + ColAppID + ` TEXT DEFAULT '',
			` + ColTopic + ` TEXT DEFAULT '',
			` + ColMID + ` INTEGER NOT NULL DEFAULT 0,
			` + ColGranularity + ` INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableInvalidStore + ` (
			` + ColID + ` INTEGER PRIMARY KEY AUTOINCREMENT,
			` + ColTimestamp + ` INTEGER NOT NULL,
			` + ColEvents + ` BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableUploadFile + ` (
			` + ColID + ` INTEGER PRIMARY KEY AUTOINCREMENT,
			` + ColFilePath + ` TEXT NOT NULL,
			` + ColSplitID + ` INTEGER NOT NULL DEFAULT 0,
			` + ColIsFinalChunk + ` INTEGER NOT NULL DEFAULT 0,
			` + ColFileSize + ` INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableServiceSettings + ` (
			` + ColSettingID + ` TEXT NOT NULL,
			` + ColSettingEnum + ` TEXT NOT NULL DEFAULT '` + SettingNotApplicable + `',
			` + ColSettingValue + ` TEXT,
			` + ColSettingResponseStatus + ` TEXT NOT NULL DEFAULT '` + SettingNotApplicable + `',
			` + ColSettingCorrID + ` TEXT NOT NULL DEFAULT '',
			` + ColSettingSrcIsDevice + ` INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableLocalConfig + ` (
			` + ColKey + ` TEXT PRIMARY KEY,
			` + ColValue + ` TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// migrateV2UploadFlags adds the stream/batch eligibility columns and
// back-fills them from the active upload mode policy so legacy rows stay
// consistent with the policy defaults.
func migrateV2UploadFlags(tx *sql.Tx, opts Options) error {
	for _, table := range []string{TableEventStore, TableAlertStore} {
		if hasColumn(tx, table, ColStream) {
			continue
		}
		for _, col := range []string{ColStream, ColBatch} {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s INTEGER NOT NULL DEFAULT 0", table, col)
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", table, col, err)
			}
		}
	}
	stream, batch := boolToInt(opts.DefaultStream), boolToInt(opts.DefaultBatch)
	if _, err := tx.Exec(fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?", TableEventStore, ColStream, ColBatch), stream, batch); err != nil {
		return fmt.Errorf("failed to backfill upload flags: %w", err)
	}
	// alerts are always stream-mode
	if _, err := tx.Exec(fmt.Sprintf("UPDATE %s SET %s = 1, %s = 0", TableAlertStore, ColStream, ColBatch)); err != nil {
		return fmt.Errorf("failed to backfill alert flags: %w", err)
	}
	return nil
}

func hasColumn(tx *sql.Tx, table, column string) bool {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
