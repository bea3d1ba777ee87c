package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/cache"
	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/scheduler"
)

const (
	diskWarnPercent     = 80.0
	diskCriticalPercent = 90.0
	cpuWarnPercent      = 90.0
	memWarnPercent      = 90.0
	queueWarnDepth      = 1000
	dbLatencyWarn       = 250 * time.Millisecond
)

// MarketplaceChecker probes one marketplace's API liveness.
type MarketplaceChecker interface {
	HealthCheck(ctx context.Context) model.CheckResult
}

// HealthChecker runs the system health battery: database, cache, disk,
// host resources, event queue depth, and every configured marketplace.
type HealthChecker struct {
	logger   *zap.Logger
	db       *sql.DB
	cache    cache.Cache
	bus      *event.Bus
	diskPath string
	checkers []MarketplaceChecker
}

// NewHealthChecker creates a health checker. diskPath is the mount whose
// usage is probed, typically the database directory.
func NewHealthChecker(db *sql.DB, c cache.Cache, bus *event.Bus, diskPath string, checkers []MarketplaceChecker, logger *zap.Logger) *HealthChecker {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HealthChecker{
		logger:   logger.Named("health"),
		db:       db,
		cache:    c,
		bus:      bus,
		diskPath: diskPath,
		checkers: checkers,
	}
}

// Run executes the full battery. The report status is the worst status
// of any individual check; a degraded report is announced on the bus.
func (h *HealthChecker) Run(ctx context.Context) *model.HealthReport {
	report := &model.HealthReport{
		Status:      model.HealthStatusHealthy,
		GeneratedAt: time.Now().UTC(),
	}

	report.Checks = append(report.Checks, h.checkDatabase(ctx))
	report.Checks = append(report.Checks, h.checkCache())
	report.Checks = append(report.Checks, h.checkDisk(ctx))
	report.Checks = append(report.Checks, h.checkResources(ctx)...)
	report.Checks = append(report.Checks, h.checkQueue(ctx))
	for _, checker := range h.checkers {
		report.Checks = append(report.Checks, checker.HealthCheck(ctx))
	}

	for _, check := range report.Checks {
		report.Status = report.Status.Worse(check.Status)
	}

	if report.Status != model.HealthStatusHealthy && h.bus != nil {
		if err := h.bus.Publish(ctx, "health.degraded", report,
			event.WithAsync(), event.WithPriority(model.EventPriorityHigh)); err != nil {
			h.logger.Error("Failed to publish health event", zap.Error(err))
		}
	}
	return report
}

func (h *HealthChecker) checkDatabase(ctx context.Context) model.CheckResult {
	started := time.Now()
	err := h.db.PingContext(ctx)
	latency := time.Since(started)

	switch {
	case err != nil:
		return model.CheckResult{
			Name:    "database",
			Status:  model.HealthStatusCritical,
			Message: err.Error(),
			Latency: latency,
		}
	case latency > dbLatencyWarn:
		return model.CheckResult{
			Name:    "database",
			Status:  model.HealthStatusWarning,
			Message: fmt.Sprintf("slow ping: %s", latency),
			Latency: latency,
		}
	default:
		return model.CheckResult{Name: "database", Status: model.HealthStatusHealthy, Latency: latency}
	}
}

func (h *HealthChecker) checkCache() model.CheckResult {
	key := "health:" + uuid.New().String()
	h.cache.Set(key, "ok")
	if value, ok := h.cache.Get(key); !ok || value != "ok" {
		return model.CheckResult{
			Name:    "cache",
			Status:  model.HealthStatusError,
			Message: "round trip failed",
		}
	}
	return model.CheckResult{Name: "cache", Status: model.HealthStatusHealthy}
}

func (h *HealthChecker) checkDisk(ctx context.Context) model.CheckResult {
	usage, err := disk.UsageWithContext(ctx, h.diskPath)
	if err != nil {
		return model.CheckResult{
			Name:    "disk",
			Status:  model.HealthStatusWarning,
			Message: err.Error(),
		}
	}

	status := model.HealthStatusHealthy
	switch {
	case usage.UsedPercent >= diskCriticalPercent:
		status = model.HealthStatusCritical
	case usage.UsedPercent >= diskWarnPercent:
		status = model.HealthStatusWarning
	}
	return model.CheckResult{
		Name:    "disk",
		Status:  status,
		Message: fmt.Sprintf("%.1f%% used on %s", usage.UsedPercent, h.diskPath),
	}
}

func (h *HealthChecker) checkResources(ctx context.Context) []model.CheckResult {
	var checks []model.CheckResult

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		status := model.HealthStatusHealthy
		if percents[0] >= cpuWarnPercent {
			status = model.HealthStatusWarning
		}
		checks = append(checks, model.CheckResult{
			Name:    "cpu",
			Status:  status,
			Message: fmt.Sprintf("%.1f%%", percents[0]),
		})
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status := model.HealthStatusHealthy
		if vm.UsedPercent >= memWarnPercent {
			status = model.HealthStatusWarning
		}
		checks = append(checks, model.CheckResult{
			Name:    "memory",
			Status:  status,
			Message: fmt.Sprintf("%.1f%%", vm.UsedPercent),
		})
	}

	return checks
}

func (h *HealthChecker) checkQueue(ctx context.Context) model.CheckResult {
	if h.bus == nil {
		return model.CheckResult{Name: "event_queue", Status: model.HealthStatusHealthy}
	}
	depth, err := h.bus.QueueDepth(ctx)
	if err != nil {
		return model.CheckResult{
			Name:    "event_queue",
			Status:  model.HealthStatusError,
			Message: err.Error(),
		}
	}

	status := model.HealthStatusHealthy
	if depth >= queueWarnDepth {
		status = model.HealthStatusWarning
	}
	return model.CheckResult{
		Name:    "event_queue",
		Status:  status,
		Message: fmt.Sprintf("%d pending", depth),
	}
}

// NewHealthCheckHandler returns the handler for health check tasks. The
// task fails when the report reaches error severity, which feeds the
// scheduler's retry and alerting path.
func NewHealthCheckHandler(checker *HealthChecker) scheduler.TaskHandler {
	return scheduler.HandlerFunc(func(ctx context.Context, _ *model.ScheduledTask) (*model.TaskResult, error) {
		report := checker.Run(ctx)

		var degraded []string
		for _, check := range report.Checks {
			if check.Status != model.HealthStatusHealthy {
				degraded = append(degraded, fmt.Sprintf("%s=%s", check.Name, check.Status))
			}
		}

		if report.Status == model.HealthStatusError || report.Status == model.HealthStatusCritical {
			return nil, fmt.Errorf("health check %s: %s", report.Status, strings.Join(degraded, ", "))
		}

		output := "all checks healthy"
		if len(degraded) > 0 {
			output = "degraded: " + strings.Join(degraded, ", ")
		}
		return &model.TaskResult{
			Output:         output,
			ItemsProcessed: len(report.Checks),
		}, nil
	})
}
