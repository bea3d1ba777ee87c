package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
)

// MetricStore persists metrics, alert rules and alerts.
type MetricStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewMetricStore creates a metric store on the given database.
func NewMetricStore(db *sql.DB, logger *zap.Logger) *MetricStore {
	return &MetricStore{logger: logger.Named("metric-store"), db: db}
}

// InsertMetric appends a metric row.
func (s *MetricStore) InsertMetric(ctx context.Context, m *model.Metric) error {
	var tags sql.NullString
	if len(m.Tags) > 0 {
		data, err := json.Marshal(m.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode metric tags: %w", err)
		}
		tags = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (id, name, value, unit, tags, tenant_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Value,
		sql.NullString{String: m.Unit, Valid: m.Unit != ""},
		tags, m.TenantID, m.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to store metric: %w", err)
	}
	return nil
}

// UpsertRule writes an alert rule.
func (s *MetricStore) UpsertRule(ctx context.Context, rule *model.AlertRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, name, metric, condition, threshold, severity, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			metric = excluded.metric,
			condition = excluded.condition,
			threshold = excluded.threshold,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		rule.ID, rule.Name, rule.Metric, rule.Condition, rule.Threshold,
		rule.Severity, boolToInt(rule.Enabled), rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert alert rule: %w", err)
	}
	return nil
}

// RulesForMetric returns the enabled rules bound to a metric name.
func (s *MetricStore) RulesForMetric(ctx context.Context, metric string) ([]*model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, metric, condition, threshold, severity, enabled, created_at, updated_at
		FROM alert_rules WHERE metric = ? AND enabled = 1`, metric)
	if err != nil {
		return nil, fmt.Errorf("failed to select alert rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListRules returns every alert rule.
func (s *MetricStore) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, metric, condition, threshold, severity, enabled, created_at, updated_at
		FROM alert_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]*model.AlertRule, error) {
	var rules []*model.AlertRule
	for rows.Next() {
		var r model.AlertRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.Name, &r.Metric, &r.Condition, &r.Threshold,
			&r.Severity, &enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		r.Enabled = enabled != 0
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// InsertAlert records a raised alert.
func (s *MetricStore) InsertAlert(ctx context.Context, alert *model.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, severity, message, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.RuleID, alert.Severity, alert.Message, alert.Value, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// HasOpenAlertSince reports whether an unresolved alert for the rule was
// raised at or after since. Used for alert deduplication.
func (s *MetricStore) HasOpenAlertSince(ctx context.Context, ruleID string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE rule_id = ? AND resolved_at IS NULL AND created_at >= ?`,
		ruleID, since).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check open alerts: %w", err)
	}
	return n > 0, nil
}

// ListAlerts returns alerts, most recent first.
func (s *MetricStore) ListAlerts(ctx context.Context, limit int) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, severity, message, value, created_at, resolved_at
		FROM alerts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		var a model.Alert
		var value sql.NullFloat64
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Severity, &a.Message,
			&value, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if value.Valid {
			a.Value = value.Float64
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}
