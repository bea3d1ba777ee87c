// Package monitor records metrics, evaluates alert rules, and runs the
// system health check battery.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/storage"
)

const (
	// alertDedupWindow suppresses repeat alerts for the same rule.
	alertDedupWindow = 5 * time.Minute

	sampleInterval = time.Minute
)

// Monitor is the metric and alerting surface.
type Monitor struct {
	logger *zap.Logger
	store  *storage.MetricStore
	bus    *event.Bus
}

// New creates a monitor.
func New(store *storage.MetricStore, bus *event.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		logger: logger.Named("monitor"),
		store:  store,
		bus:    bus,
	}
}

// RecordMetric persists one measurement and evaluates every enabled rule
// bound to the metric name. A rule that fires within the dedup window of
// its previous alert is suppressed. tenantID may be empty for
// system-level metrics.
func (m *Monitor) RecordMetric(ctx context.Context, name string, value float64, unit string, tags map[string]string, tenantID string) error {
	metric := &model.Metric{
		ID:         uuid.New().String(),
		Name:       name,
		Value:      value,
		Unit:       unit,
		Tags:       tags,
		TenantID:   tenantID,
		RecordedAt: time.Now().UTC(),
	}
	if err := m.store.InsertMetric(ctx, metric); err != nil {
		return err
	}

	rules, err := m.store.RulesForMetric(ctx, name)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if !rule.Condition.Met(value, rule.Threshold) {
			continue
		}
		if err := m.fire(ctx, rule, value); err != nil {
			m.logger.Error("Failed to raise alert",
				zap.String("rule", rule.Name), zap.Error(err))
		}
	}
	return nil
}

// UpsertRule installs or updates an alert rule.
func (m *Monitor) UpsertRule(ctx context.Context, rule *model.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	return m.store.UpsertRule(ctx, rule)
}

// Alerts returns the most recent alerts.
func (m *Monitor) Alerts(ctx context.Context, limit int) ([]*model.Alert, error) {
	return m.store.ListAlerts(ctx, limit)
}

// Run samples system metrics on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample records host CPU and memory utilization and the event queue depth.
func (m *Monitor) sample(ctx context.Context) {
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		if err := m.RecordMetric(ctx, "system.cpu_percent", percents[0], "percent", nil, ""); err != nil {
			m.logger.Error("Failed to record CPU metric", zap.Error(err))
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		if err := m.RecordMetric(ctx, "system.memory_percent", vm.UsedPercent, "percent", nil, ""); err != nil {
			m.logger.Error("Failed to record memory metric", zap.Error(err))
		}
	}

	if m.bus != nil {
		if depth, err := m.bus.QueueDepth(ctx); err == nil {
			if err := m.RecordMetric(ctx, "events.queue_depth", float64(depth), "events", nil, ""); err != nil {
				m.logger.Error("Failed to record queue depth metric", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) fire(ctx context.Context, rule *model.AlertRule, value float64) error {
	now := time.Now().UTC()

	suppressed, err := m.store.HasOpenAlertSince(ctx, rule.ID, now.Add(-alertDedupWindow))
	if err != nil {
		return err
	}
	if suppressed {
		return nil
	}

	alert := &model.Alert{
		ID:       uuid.New().String(),
		RuleID:   rule.ID,
		Severity: rule.Severity,
		Message: fmt.Sprintf("%s: %s %s %g (observed %g)",
			rule.Name, rule.Metric, rule.Condition, rule.Threshold, value),
		Value:     value,
		CreatedAt: now,
	}
	if err := m.store.InsertAlert(ctx, alert); err != nil {
		return err
	}

	m.logger.Warn("Alert triggered",
		zap.String("rule", rule.Name),
		zap.String("severity", string(rule.Severity)),
		zap.Float64("value", value))

	if m.bus != nil {
		payload := map[string]interface{}{
			"alert_id": alert.ID,
			"rule":     rule.Name,
			"metric":   rule.Metric,
			"severity": rule.Severity,
			"value":    value,
		}
		if err := m.bus.Publish(ctx, "alert.triggered", payload,
			event.WithAsync(), event.WithPriority(model.EventPriorityHigh)); err != nil {
			return err
		}
	}
	return nil
}
