package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
)

// ConfigStore persists configuration entries and their change history.
type ConfigStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewConfigStore creates a config store on the given database.
func NewConfigStore(db *sql.DB, logger *zap.Logger) *ConfigStore {
	return &ConfigStore{logger: logger.Named("config-store"), db: db}
}

// Get resolves an entry for the given tenant, falling back to the global
// (empty tenant) row. Returns nil when neither exists.
func (s *ConfigStore) Get(ctx context.Context, key, environment, tenantID string) (*model.ConfigEntry, error) {
	if tenantID != "" {
		entry, err := s.getExact(ctx, key, environment, tenantID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
	}
	return s.getExact(ctx, key, environment, "")
}

func (s *ConfigStore) getExact(ctx context.Context, key, environment, tenantID string) (*model.ConfigEntry, error) {
	var entry model.ConfigEntry
	var encrypted int
	var description sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT config_key, config_value, config_type, environment, tenant_id,
		       encrypted, description, created_at, updated_at
		FROM config_entries
		WHERE config_key = ? AND environment = ? AND tenant_id = ?`,
		key, environment, tenantID).Scan(
		&entry.Key,
		&entry.Value,
		&entry.Type,
		&entry.Environment,
		&entry.TenantID,
		&encrypted,
		&description,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan config entry: %w", err)
	}

	entry.Encrypted = encrypted != 0
	if description.Valid {
		entry.Description = description.String
	}
	return &entry, nil
}

// Set writes an entry and its history row in one transaction. The write is
// all-or-nothing: if the history insert fails the entry is not updated.
func (s *ConfigStore) Set(ctx context.Context, entry *model.ConfigEntry) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin config transaction: %w", err)
	}
	defer tx.Rollback()

	var oldValue sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT config_value FROM config_entries
		WHERE config_key = ? AND environment = ? AND tenant_id = ?`,
		entry.Key, entry.Environment, entry.TenantID).Scan(&oldValue)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read previous value: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config_history (config_key, environment, tenant_id, old_value, new_value, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Key, entry.Environment, entry.TenantID, oldValue, entry.Value, now); err != nil {
		return fmt.Errorf("failed to write config history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config_entries (
			config_key, config_value, config_type, environment, tenant_id,
			encrypted, description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_key, environment, tenant_id) DO UPDATE SET
			config_value = excluded.config_value,
			config_type = excluded.config_type,
			encrypted = excluded.encrypted,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		entry.Key,
		entry.Value,
		entry.Type,
		entry.Environment,
		entry.TenantID,
		boolToInt(entry.Encrypted),
		sql.NullString{String: entry.Description, Valid: entry.Description != ""},
		now,
		now); err != nil {
		return fmt.Errorf("failed to upsert config entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit config write: %w", err)
	}
	return nil
}

// History lists the change records of a key, most recent first.
func (s *ConfigStore) History(ctx context.Context, key string, limit int) ([]*model.ConfigHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_key, environment, tenant_id, old_value, new_value, changed_at
		FROM config_history WHERE config_key = ?
		ORDER BY changed_at DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list config history: %w", err)
	}
	defer rows.Close()

	var history []*model.ConfigHistory
	for rows.Next() {
		var h model.ConfigHistory
		var oldValue sql.NullString
		if err := rows.Scan(&h.ID, &h.Key, &h.Environment, &h.TenantID,
			&oldValue, &h.NewValue, &h.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config history: %w", err)
		}
		if oldValue.Valid {
			h.OldValue = oldValue.String
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}
