// Package scheduler owns recurring task execution: due selection,
// dependency gating, lock-based mutual exclusion, enforced runtimes,
// retry with a rolling failure window, and execution history.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/schedule"
	"github.com/meschain/sync-core/internal/storage"
)

const (
	defaultLockTTL     = 10 * time.Minute
	defaultRetryWindow = time.Hour
)

// Summary reports one Run cycle. Handler failures never surface here;
// they become failed execution rows and retry scheduling.
type Summary struct {
	Executed int `json:"executed"`
	Skipped  int `json:"skipped"`
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	Name          string
	Type          model.TaskType
	Params        map[string]string
	Frequency     model.Frequency
	CronExpr      string
	MaxRuntime    time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	TenantID      string
}

// Options tune a Runner.
type Options struct {
	// Holder identifies this runner in lock rows. Defaults to a random ID.
	Holder string
	// LockTTL bounds how long a crashed holder can block a task.
	LockTTL time.Duration
	// RetryWindow is the rolling window for counting failures.
	RetryWindow time.Duration
}

// Runner drives scheduled task execution. Multiple runner processes may
// race on the same database; lock rows arbitrate.
type Runner struct {
	logger      *zap.Logger
	store       *storage.TaskStore
	bus         *event.Bus
	registry    *Registry
	holder      string
	lockTTL     time.Duration
	retryWindow time.Duration
}

// NewRunner creates a task runner.
func NewRunner(store *storage.TaskStore, registry *Registry, bus *event.Bus, opts Options, logger *zap.Logger) *Runner {
	holder := opts.Holder
	if holder == "" {
		holder = "runner-" + uuid.New().String()
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	retryWindow := opts.RetryWindow
	if retryWindow <= 0 {
		retryWindow = defaultRetryWindow
	}

	return &Runner{
		logger:      logger.Named("scheduler"),
		store:       store,
		bus:         bus,
		registry:    registry,
		holder:      holder,
		lockTTL:     lockTTL,
		retryWindow: retryWindow,
	}
}

// CreateTask validates and persists a new scheduled task, returning its ID.
func (r *Runner) CreateTask(ctx context.Context, spec TaskSpec) (string, error) {
	if err := schedule.Validate(spec.Frequency, spec.CronExpr); err != nil {
		return "", err
	}
	if _, err := r.registry.Resolve(spec.Type); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	nextRun, err := schedule.NextRun(spec.Frequency, spec.CronExpr, now)
	if err != nil {
		return "", err
	}

	task := &model.ScheduledTask{
		ID:            uuid.New().String(),
		Name:          spec.Name,
		Type:          spec.Type,
		Params:        spec.Params,
		Frequency:     spec.Frequency,
		CronExpr:      spec.CronExpr,
		NextRun:       nextRun,
		MaxRuntime:    spec.MaxRuntime,
		RetryAttempts: spec.RetryAttempts,
		RetryDelay:    spec.RetryDelay,
		Active:        true,
		TenantID:      spec.TenantID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if task.RetryAttempts <= 0 {
		task.RetryAttempts = 3
	}
	if task.RetryDelay <= 0 {
		task.RetryDelay = 5 * time.Minute
	}

	if err := r.store.CreateTask(ctx, task); err != nil {
		return "", err
	}

	r.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name),
		zap.String("frequency", string(task.Frequency)),
		zap.Time("next_run", task.NextRun))
	return task.ID, nil
}

// AddDependency records that a task requires another task's outcome.
func (r *Runner) AddDependency(ctx context.Context, taskID, dependsOn string, depType model.DependencyType) error {
	return r.store.AddDependency(ctx, model.TaskDependency{
		TaskID:    taskID,
		DependsOn: dependsOn,
		Type:      depType,
	})
}

// Run is the single scheduling entry point, invoked on a fixed interval
// by an external trigger. One bad task never halts the batch: handler
// errors become failed executions, and Run always returns a summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	now := time.Now().UTC()

	if _, err := r.store.SweepExpiredLocks(ctx, now); err != nil {
		return summary, err
	}

	due, err := r.store.DueTasks(ctx, now)
	if err != nil {
		return summary, err
	}

	for _, task := range due {
		executed, err := r.runOnce(ctx, task, model.TriggerCron)
		if err != nil && !isSkip(err) {
			r.logger.Error("Task run aborted",
				zap.String("task_id", task.ID),
				zap.Error(err))
			summary.Skipped++
			continue
		}
		if executed {
			summary.Executed++
		} else {
			summary.Skipped++
		}
	}

	r.logger.Debug("Run cycle finished",
		zap.Int("executed", summary.Executed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// RunTaskManually executes a task immediately, bypassing next_run gating
// but still honoring locks and the in-flight guard.
func (r *Runner) RunTaskManually(ctx context.Context, taskID, actorID string) (*model.TaskExecution, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Active {
		return nil, fmt.Errorf("%s: %w", taskID, ErrTaskInactive)
	}

	running, err := r.store.HasRunningExecution(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if running {
		return nil, fmt.Errorf("%s: %w", taskID, ErrTaskAlreadyRunning)
	}

	if err := r.store.AcquireLock(ctx, taskID, r.holder, r.lockTTL); err != nil {
		return nil, err
	}
	defer r.releaseLock(taskID)

	r.logger.Info("Manual task run",
		zap.String("task_id", taskID),
		zap.String("actor_id", actorID))

	return r.execute(ctx, task, model.TriggerManual)
}

// runOnce performs the per-task gating and execution for one cycle.
// Returns whether the task executed; skips are not errors.
func (r *Runner) runOnce(ctx context.Context, task *model.ScheduledTask, trigger model.TriggerSource) (bool, error) {
	satisfied, err := r.dependenciesSatisfied(ctx, task)
	if err != nil {
		return false, err
	}
	if !satisfied {
		// Skipped without touching next_run; the next cycle re-evaluates.
		r.logger.Debug("Task skipped on unmet dependency", zap.String("task_id", task.ID))
		return false, nil
	}

	// Double-booking guard, independent of locks. Defends against clock
	// skew between runner hosts.
	running, err := r.store.HasRunningExecution(ctx, task.ID)
	if err != nil {
		return false, err
	}
	if running {
		return false, nil
	}

	if err := r.store.AcquireLock(ctx, task.ID, r.holder, r.lockTTL); err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return false, nil
		}
		return false, err
	}
	defer r.releaseLock(task.ID)

	if _, err := r.execute(ctx, task, trigger); err != nil {
		return false, err
	}
	return true, nil
}

// execute runs the handler synchronously and records the execution.
// The lock must already be held; it is always released by the caller's
// deferred cleanup regardless of success, failure or panic.
func (r *Runner) execute(ctx context.Context, task *model.ScheduledTask, trigger model.TriggerSource) (*model.TaskExecution, error) {
	handler, err := r.registry.Resolve(task.Type)
	if err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	exec := &model.TaskExecution{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Status:    model.ExecutionStatusRunning,
		StartedAt: started,
		Trigger:   trigger,
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	runCtx := ctx
	cancel := func() {}
	if task.MaxRuntime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.MaxRuntime)
	}
	result, handlerErr := r.safeExecute(runCtx, handler, task)
	cancel()

	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	exec.ExecutionTime = completed.Sub(started)

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	if memAfter.HeapAlloc > memBefore.HeapAlloc {
		exec.MemoryUsage = int64(memAfter.HeapAlloc - memBefore.HeapAlloc)
	}

	switch {
	case handlerErr == nil:
		exec.Status = model.ExecutionStatusCompleted
		exec.Progress = 100
		if result != nil {
			exec.Output = result.Output
		}
	case errors.Is(handlerErr, context.DeadlineExceeded) && task.MaxRuntime > 0:
		exec.Status = model.ExecutionStatusTimeout
		exec.ErrorMessage = fmt.Sprintf("exceeded max runtime %s", task.MaxRuntime)
	default:
		exec.Status = model.ExecutionStatusFailed
		exec.ErrorMessage = handlerErr.Error()
	}

	if err := r.store.FinishExecution(ctx, exec); err != nil {
		r.logger.Error("Failed to finish execution",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}

	if handlerErr == nil {
		nextRun, err := schedule.NextRun(task.Frequency, task.CronExpr, started)
		if err != nil {
			return exec, err
		}
		if err := r.store.MarkRun(ctx, task.ID, started, nextRun); err != nil {
			return exec, err
		}

		r.logger.Info("Task completed",
			zap.String("task_id", task.ID),
			zap.String("name", task.Name),
			zap.Duration("duration", exec.ExecutionTime),
			zap.Time("next_run", nextRun))

		r.publish(ctx, "task.completed", map[string]string{
			"task_id": task.ID,
			"name":    task.Name,
		}, model.EventPriorityNormal)
		return exec, nil
	}

	r.logger.Warn("Task failed",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name),
		zap.String("status", string(exec.Status)),
		zap.Error(handlerErr))

	if err := r.handleFailure(ctx, task, handlerErr); err != nil {
		r.logger.Error("Failure handling failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	return exec, nil
}

// handleFailure applies the retry policy: reschedule after retry_delay
// while failures within the rolling window stay under the budget,
// otherwise disable the task until an operator re-enables it.
func (r *Runner) handleFailure(ctx context.Context, task *model.ScheduledTask, cause error) error {
	now := time.Now().UTC()
	failures, err := r.store.CountFailedSince(ctx, task.ID, now.Add(-r.retryWindow))
	if err != nil {
		return err
	}

	if failures < task.RetryAttempts {
		next := now.Add(task.RetryDelay)
		r.logger.Info("Task scheduled for retry",
			zap.String("task_id", task.ID),
			zap.Int("failures", failures),
			zap.Int("budget", task.RetryAttempts),
			zap.Time("next_run", next))
		return r.store.RescheduleTask(ctx, task.ID, next)
	}

	if err := r.store.SetActive(ctx, task.ID, false); err != nil {
		return err
	}

	r.logger.Error("Task disabled after exhausting retries",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name),
		zap.Int("failures", failures))

	r.publish(ctx, "task.max_retry_exceeded", map[string]string{
		"task_id": task.ID,
		"name":    task.Name,
		"error":   cause.Error(),
	}, model.EventPriorityHigh)
	return nil
}

// dependenciesSatisfied evaluates every dependency edge against the
// upstream task's most recent execution.
func (r *Runner) dependenciesSatisfied(ctx context.Context, task *model.ScheduledTask) (bool, error) {
	deps, err := r.store.Dependencies(ctx, task.ID)
	if err != nil {
		return false, err
	}

	for _, dep := range deps {
		if dep.Type == model.DependencyAlways {
			continue
		}

		last, err := r.store.LatestExecution(ctx, dep.DependsOn)
		if err != nil {
			return false, err
		}
		if last == nil {
			return false, nil
		}

		switch dep.Type {
		case model.DependencyRequireSuccess:
			if last.Status != model.ExecutionStatusCompleted {
				return false, nil
			}
		case model.DependencyRequireCompletion:
			switch last.Status {
			case model.ExecutionStatusCompleted, model.ExecutionStatusFailed, model.ExecutionStatusTimeout:
			default:
				return false, nil
			}
		}
	}
	return true, nil
}

func (r *Runner) safeExecute(ctx context.Context, handler TaskHandler, task *model.ScheduledTask) (result *model.TaskResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task handler panic: %v", rec)
		}
	}()

	result, err = handler.Execute(ctx, task)
	if err != nil {
		// Prefer the deadline over a handler's own error wrapping so
		// timeouts are classified consistently.
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("task handler: %w", err)
	}
	return result, nil
}

func (r *Runner) releaseLock(taskID string) {
	if err := r.store.ReleaseLock(context.Background(), taskID, r.holder); err != nil {
		r.logger.Error("Failed to release lock",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func (r *Runner) publish(ctx context.Context, name string, payload map[string]string, priority model.EventPriority) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, name, payload, event.WithAsync(), event.WithPriority(priority)); err != nil {
		r.logger.Error("Failed to publish event",
			zap.String("event", name),
			zap.Error(err))
	}
}

func isSkip(err error) bool {
	return errors.Is(err, storage.ErrLockHeld) || errors.Is(err, ErrDependencyUnmet)
}
