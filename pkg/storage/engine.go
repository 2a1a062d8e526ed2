package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hcp-ignite/agent/pkg/log"
)

// ErrCorrupt is returned when the store cannot be repaired on open
var ErrCorrupt = errors.New("storage: database corrupt beyond recovery")

// Options tunes engine behavior at open time
type Options struct {
	// Defaults applied when migrating legacy rows that predate the
	// stream/batch columns; they mirror the active upload mode policy.
	DefaultStream bool
	DefaultBatch  bool
}

// Engine is the single-file embedded relational store. One process has
// exclusive write access; every statement is serialized through the
// internal mutex so readers never observe a half-applied batch.
type Engine struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	opts Options
}

// Open opens (or creates) the store at path, migrates the schema forward
// and runs the crash-recovery chain when the file fails its integrity
// check. Startup is never blocked beyond the bounded recovery attempts.
func Open(path string, opts Options) (*Engine, error) {
	e := &Engine{path: path, opts: opts}
	if err := e.open(); err != nil {
		return nil, err
	}
	if err := e.recover(); err != nil {
		return nil, err
	}
	if err := e.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return e, nil
}

func (e *Engine) open() error {
	db, err := sql.Open("sqlite3", e.path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", e.path, err)
	}
	// database/sql pools connections; a single connection keeps WAL
	// snapshots and the user_version pragma coherent.
	db.SetMaxOpenConns(1)
	e.db = db
	return nil
}

// recover runs the recovery chain: integrity check, vacuum, drop the event
// table (rebuilt by the following migrate), and finally rename the file and
// start fresh. Events may be lost;
// the device stays functional.
func (e *Engine) recover() error {
	if e.integrityOK() {
		return nil
	}
	logger := log.WithComponent("storage")
	logger.Warn().Msg("integrity check failed, attempting vacuum")
	_, _ = e.db.Exec("VACUUM")
	if e.integrityOK() {
		return nil
	}

	logger.Warn().Msg("vacuum did not repair store, dropping event table")
	_, _ = e.db.Exec("DROP TABLE IF EXISTS " + TableEventStore)
	// rewind the schema version so migrate re-runs its idempotent steps and
	// recreates the event table
	_, _ = e.db.Exec("PRAGMA user_version = 0")
	if e.integrityOK() {
		return nil
	}

	logger.Error().Str("backup", e.path+".bk").Msg("store unrecoverable, starting fresh")
	_ = e.db.Close()
	if err := os.Rename(e.path, e.path+".bk"); err != nil {
		return fmt.Errorf("%w: rename failed: %v", ErrCorrupt, err)
	}
	if err := e.open(); err != nil {
		return fmt.Errorf("%w: reopen failed: %v", ErrCorrupt, err)
	}
	if !e.integrityOK() {
		return ErrCorrupt
	}
	return nil
}

func (e *Engine) integrityOK() bool {
	var result string
	if err := e.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return false
	}
	return result == "ok"
}

// Close closes the database
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Close()
}

// locked runs fn with the engine mutex held
func (e *Engine) locked(fn func(db *sql.DB) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.db)
}

// lockedTx runs fn inside a transaction with the engine mutex held. The
// transaction commits when fn returns nil and rolls back otherwise.
func (e *Engine) lockedTx(fn func(tx *sql.Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SizeBytes samples the current database file size
func (e *Engine) SizeBytes() int64 {
	fi, err := os.Stat(e.path)
	if err != nil {
		return 0
	}
	size := fi.Size()
	// WAL pages count against the storage ceiling too
	if wi, err := os.Stat(e.path + "-wal"); err == nil {
		size += wi.Size()
	}
	return size
}

// Vacuum reclaims free pages
func (e *Engine) Vacuum() error {
	return e.locked(func(db *sql.DB) error {
		if _, err := db.Exec("VACUUM"); err != nil {
			return fmt.Errorf("failed to vacuum: %w", err)
		}
		return nil
	})
}

// Reset clears every data-bearing table. Local config survives so the
// device keeps its identity.
func (e *Engine) Reset() error {
	return e.lockedTx(func(tx *sql.Tx) error {
		for _, table := range []string{TableEventStore, TableAlertStore, TableInvalidStore, TableUploadFile, TableServiceSettings} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("failed to reset table %s: %w", table, err)
			}
		}
		return nil
	})
}

// ClearEventStore deletes all rows from the event table; called on crypto
// key rotation when existing payloads become undecryptable.
func (e *Engine) ClearEventStore() error {
	return e.locked(func(db *sql.DB) error {
		if _, err := db.Exec("DELETE FROM " + TableEventStore); err != nil {
			return fmt.Errorf("failed to clear event store: %w", err)
		}
		return nil
	})
}
