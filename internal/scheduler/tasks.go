package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/storage"
)

const defaultExecutionRetention = 30 * 24 * time.Hour

// NewCleanupHandler returns the handler for cleanup tasks. It prunes
// execution history older than the retention period, which is
// overridable per task via the "retention" duration param.
func NewCleanupHandler(store *storage.TaskStore, logger *zap.Logger) TaskHandler {
	log := logger.Named("cleanup")
	return HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		retention := defaultExecutionRetention
		if raw, ok := task.Params["retention"]; ok {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid retention param %q: %w", raw, err)
			}
			retention = parsed
		}

		cutoff := time.Now().UTC().Add(-retention)
		deleted, err := store.DeleteExecutionsBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}

		log.Info("Pruned execution history",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
		return &model.TaskResult{
			Output:         fmt.Sprintf("pruned %d execution records", deleted),
			ItemsProcessed: int(deleted),
		}, nil
	})
}

// Bootstrap installs the default task battery on an empty database:
// hourly product sync, order sync every 15 minutes gated on product sync
// success, a health check every 5 minutes, and daily history cleanup.
// A database that already holds tasks is left untouched.
func (r *Runner) Bootstrap(ctx context.Context) error {
	count, err := r.store.CountTasks(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	productSyncID, err := r.CreateTask(ctx, TaskSpec{
		Name:       "marketplace-product-sync",
		Type:       model.TaskTypeSync,
		Params:     map[string]string{"entity": "products"},
		Frequency:  model.FrequencyHourly,
		MaxRuntime: 30 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to bootstrap product sync: %w", err)
	}

	orderSyncID, err := r.CreateTask(ctx, TaskSpec{
		Name:       "marketplace-order-sync",
		Type:       model.TaskTypeSync,
		Params:     map[string]string{"entity": "orders"},
		Frequency:  model.FrequencyCustom,
		CronExpr:   "*/15 * * * *",
		MaxRuntime: 15 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to bootstrap order sync: %w", err)
	}

	// Orders reference products; never pull them against a stale catalog.
	if err := r.AddDependency(ctx, orderSyncID, productSyncID, model.DependencyRequireSuccess); err != nil {
		return err
	}

	if _, err := r.CreateTask(ctx, TaskSpec{
		Name:       "system-health-check",
		Type:       model.TaskTypeHealthCheck,
		Frequency:  model.FrequencyCustom,
		CronExpr:   "*/5 * * * *",
		MaxRuntime: time.Minute,
	}); err != nil {
		return fmt.Errorf("failed to bootstrap health check: %w", err)
	}

	if _, err := r.CreateTask(ctx, TaskSpec{
		Name:       "execution-history-cleanup",
		Type:       model.TaskTypeCleanup,
		Frequency:  model.FrequencyDaily,
		MaxRuntime: 5 * time.Minute,
	}); err != nil {
		return fmt.Errorf("failed to bootstrap cleanup: %w", err)
	}

	r.logger.Info("Installed default task battery")
	return nil
}
