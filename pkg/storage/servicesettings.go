package storage

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/types"
)

// ServiceSettingsStore records configuration overlays pushed from the
// cloud, keyed by the service that pushed them. On process start the
// persisted overlays are replayed onto the file-defined defaults.
type ServiceSettingsStore struct {
	engine *Engine
	cfg    *config.Config
}

// NewServiceSettingsStore creates the settings store
func NewServiceSettingsStore(engine *Engine, cfg *config.Config) *ServiceSettingsStore {
	return &ServiceSettingsStore{engine: engine, cfg: cfg}
}

// UpdateConfig applies a set of path→JSON-value overrides from one source:
// existing rows for the source are cleared, the file-defined configuration
// is reloaded, the new rows are persisted, all surviving overlays are
// merged onto the tree, and subscribers are notified through the config
// observer chain.
func (s *ServiceSettingsStore) UpdateConfig(values map[string]string, source string, fromDevice bool) error {
	corrID := uuid.NewString()

	err := s.engine.lockedTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE %s = ?", TableServiceSettings, ColSettingID), source); err != nil {
			return fmt.Errorf("failed to clear settings for %s: %w", source, err)
		}
		stmt, err := tx.Prepare(fmt.Sprintf(
			`INSERT INTO %s (%s, %s, %s, %s, %s, %s) VALUES (?, ?, ?, ?, ?, ?)`,
			TableServiceSettings, ColSettingID, ColSettingEnum, ColSettingValue,
			ColSettingResponseStatus, ColSettingCorrID, ColSettingSrcIsDevice))
		if err != nil {
			return fmt.Errorf("failed to prepare settings insert: %w", err)
		}
		defer stmt.Close()
		for path, value := range values {
			if _, err := stmt.Exec(source, path, value, SettingNotApplicable, corrID, boolToInt(fromDevice)); err != nil {
				return fmt.Errorf("failed to persist setting %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// reset to disk defaults, then overlay everything that is persisted
	if err := s.cfg.Reload(); err != nil {
		return err
	}
	return s.Replay()
}

// Replay overlays every persisted setting row onto the in-memory
// configuration tree. Called at startup and after reloads.
func (s *ServiceSettingsStore) Replay() error {
	rows, err := s.All()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	merged := make(map[string]string, len(rows))
	for _, row := range rows {
		merged[row.SettingEnum] = row.Value
	}
	if err := s.cfg.Overlay(merged); err != nil {
		return err
	}
	log.WithComponent("storage").Info().Int("settings", len(rows)).Msg("service settings replayed")
	return nil
}

// All returns every persisted setting row
func (s *ServiceSettingsStore) All() ([]types.ServiceSetting, error) {
	var settings []types.ServiceSetting
	err := s.engine.locked(func(db *sql.DB) error {
		rows, err := db.Query(fmt.Sprintf(
			"SELECT %s, %s, %s, %s, %s, %s FROM %s",
			ColSettingID, ColSettingEnum, ColSettingValue, ColSettingResponseStatus,
			ColSettingCorrID, ColSettingSrcIsDevice, TableServiceSettings))
		if err != nil {
			return fmt.Errorf("failed to query service settings: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var row types.ServiceSetting
			var fromDevice int
			if err := rows.Scan(&row.SettingID, &row.SettingEnum, &row.Value,
				&row.ResponseStatus, &row.CorrelationID, &fromDevice); err != nil {
				return fmt.Errorf("failed to scan setting row: %w", err)
			}
			row.IsFromDevice = fromDevice != 0
			settings = append(settings, row)
		}
		return rows.Err()
	})
	return settings, err
}

// BySource returns the setting rows persisted by one source
func (s *ServiceSettingsStore) BySource(source string) ([]types.ServiceSetting, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var out []types.ServiceSetting
	for _, row := range all {
		if row.SettingID == source {
			out = append(out, row)
		}
	}
	return out, nil
}

// SetResponseStatus records the cloud acknowledgment status for a source
func (s *ServiceSettingsStore) SetResponseStatus(source, status string) error {
	return s.engine.locked(func(db *sql.DB) error {
		_, err := db.Exec(fmt.Sprintf(
			"UPDATE %s SET %s = ? WHERE %s = ?", TableServiceSettings, ColSettingResponseStatus, ColSettingID),
			status, source)
		if err != nil {
			return fmt.Errorf("failed to update response status: %w", err)
		}
		return nil
	})
}
