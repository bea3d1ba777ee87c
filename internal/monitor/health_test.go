package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/cache"
	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/storage"
	"github.com/meschain/sync-core/internal/testutil"
)

type stubChecker struct {
	result model.CheckResult
}

func (s stubChecker) HealthCheck(context.Context) model.CheckResult { return s.result }

func newHealthChecker(t *testing.T, checkers ...MarketplaceChecker) (*HealthChecker, *event.Bus) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	db := testutil.OpenDB(t)
	bus := event.NewBus(storage.NewEventStore(db, logger), nil, logger)
	c := cache.NewMemory(16, time.Minute)
	return NewHealthChecker(db, c, bus, t.TempDir(), checkers, logger), bus
}

func TestHealthReportCoreChecks(t *testing.T) {
	checker, _ := newHealthChecker(t)

	report := checker.Run(context.Background())
	require.False(t, report.GeneratedAt.IsZero())

	names := make(map[string]model.HealthStatus, len(report.Checks))
	for _, check := range report.Checks {
		names[check.Name] = check.Status
	}
	require.Equal(t, model.HealthStatusHealthy, names["database"])
	require.Equal(t, model.HealthStatusHealthy, names["cache"])
	require.Contains(t, names, "disk")
	require.Equal(t, model.HealthStatusHealthy, names["event_queue"])
}

func TestHealthReportAggregatesWorstStatus(t *testing.T) {
	checker, bus := newHealthChecker(t,
		stubChecker{result: model.CheckResult{Name: "marketplace:trendyol", Status: model.HealthStatusHealthy}},
		stubChecker{result: model.CheckResult{Name: "marketplace:n11", Status: model.HealthStatusCritical, Message: "connection refused"}},
	)

	var degradedEvents int
	bus.Subscribe("health.degraded", func(ctx context.Context, evt *model.Event) error {
		degradedEvents++
		return nil
	})

	report := checker.Run(context.Background())
	require.Equal(t, model.HealthStatusCritical, report.Status)

	_, _, err := bus.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, degradedEvents)
}

func TestStatusOrdering(t *testing.T) {
	require.Equal(t, model.HealthStatusCritical, model.HealthStatusHealthy.Worse(model.HealthStatusCritical))
	require.Equal(t, model.HealthStatusError, model.HealthStatusError.Worse(model.HealthStatusWarning))
	require.Equal(t, model.HealthStatusHealthy, model.HealthStatusHealthy.Worse(model.HealthStatusHealthy))
}
