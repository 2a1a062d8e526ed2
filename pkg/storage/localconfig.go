package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hcp-ignite/agent/pkg/security"
)

// Well-known local config keys
const (
	KeyLogin          = "login"
	KeyPasscode       = "passcode"
	KeyExpirationTime = "expirationTime"
	KeyIssueTime      = "issueTime"
	KeyActivationTS   = "activationTS"
	KeyLastDeviceID   = "lastDeviceId"
	KeyDecodedFields  = "decodedFields"
	KeyIVSeed         = "ivSeed"
	KeyBackoffState   = "activationBackoff"
)

// LocalConfig is the key/value table holding device-local persistent state:
// credentials, activation bookkeeping and the crypto IV seed. It shares the
// database file with the event tables.
type LocalConfig struct {
	engine *Engine
}

// NewLocalConfig returns the local config store
func NewLocalConfig(engine *Engine) *LocalConfig {
	return &LocalConfig{engine: engine}
}

// Get returns the value for key, empty string when absent
func (c *LocalConfig) Get(key string) string {
	var value string
	_ = c.engine.locked(func(db *sql.DB) error {
		err := db.QueryRow(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", ColValue, TableLocalConfig, ColKey), key).Scan(&value)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return nil
	})
	return value
}

// Set upserts a key/value pair
func (c *LocalConfig) Set(key, value string) error {
	return c.engine.locked(func(db *sql.DB) error {
		_, err := db.Exec(fmt.Sprintf(
			"INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s",
			TableLocalConfig, ColKey, ColValue, ColKey, ColValue, ColValue), key, value)
		if err != nil {
			return fmt.Errorf("failed to set local config %s: %w", key, err)
		}
		return nil
	})
}

// SetAll upserts multiple pairs atomically. Activation state
// {login, passcode} goes through here so both land or neither does.
func (c *LocalConfig) SetAll(pairs map[string]string) error {
	return c.engine.lockedTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(fmt.Sprintf(
			"INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s",
			TableLocalConfig, ColKey, ColValue, ColKey, ColValue, ColValue))
		if err != nil {
			return fmt.Errorf("failed to prepare local config upsert: %w", err)
		}
		defer stmt.Close()
		for k, v := range pairs {
			if _, err := stmt.Exec(k, v); err != nil {
				return fmt.Errorf("failed to set local config %s: %w", k, err)
			}
		}
		return nil
	})
}

// Remove deletes a key
func (c *LocalConfig) Remove(key string) error {
	return c.engine.locked(func(db *sql.DB) error {
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", TableLocalConfig, ColKey), key); err != nil {
			return fmt.Errorf("failed to remove local config %s: %w", key, err)
		}
		return nil
	})
}

// RemoveAll deletes multiple keys atomically
func (c *LocalConfig) RemoveAll(keys ...string) error {
	return c.engine.lockedTx(func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", TableLocalConfig, ColKey), key); err != nil {
				return fmt.Errorf("failed to remove local config %s: %w", key, err)
			}
		}
		return nil
	})
}

// IVSeed returns the persisted crypto seed, generating and persisting one
// on first use.
func (c *LocalConfig) IVSeed() (string, error) {
	if seed := c.Get(KeyIVSeed); seed != "" {
		return seed, nil
	}
	seed, err := security.NewSeed()
	if err != nil {
		return "", err
	}
	if err := c.Set(KeyIVSeed, seed); err != nil {
		return "", err
	}
	return seed, nil
}
