package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/storage"
	"github.com/meschain/sync-core/internal/testutil"
)

type fixture struct {
	runner   *Runner
	store    *storage.TaskStore
	bus      *event.Bus
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	db := testutil.OpenDB(t)
	store := storage.NewTaskStore(db, logger)
	bus := event.NewBus(storage.NewEventStore(db, logger), nil, logger)
	registry := NewRegistry()
	runner := NewRunner(store, registry, bus, Options{Holder: "test-runner"}, logger)
	return &fixture{runner: runner, store: store, bus: bus, registry: registry}
}

// createDue creates a task and forces it due immediately.
func (f *fixture) createDue(t *testing.T, ctx context.Context, spec TaskSpec) string {
	t.Helper()
	id, err := f.runner.CreateTask(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, f.store.RescheduleTask(ctx, id, time.Now().UTC().Add(-time.Minute)))
	return id
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Register(model.TaskTypeCustom, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		return &model.TaskResult{}, nil
	}))

	_, err := f.runner.CreateTask(ctx, TaskSpec{
		Name:      "bad-cron",
		Type:      model.TaskTypeCustom,
		Frequency: model.FrequencyCustom,
		CronExpr:  "not a schedule",
	})
	require.Error(t, err)

	_, err = f.runner.CreateTask(ctx, TaskSpec{
		Name:      "no-handler",
		Type:      model.TaskTypeBackup,
		Frequency: model.FrequencyDaily,
	})
	require.ErrorIs(t, err, ErrUnknownTaskType)

	id, err := f.runner.CreateTask(ctx, TaskSpec{
		Name:      "good",
		Type:      model.TaskTypeCustom,
		Frequency: model.FrequencyCustom,
		CronExpr:  "*/5 * * * *",
	})
	require.NoError(t, err)

	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, task.Active)
	require.True(t, task.NextRun.After(time.Now().UTC().Add(-time.Second)))
}

func TestRunExecutesDueTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	executed := 0
	f.registry.Register(model.TaskTypeCustom, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		executed++
		return &model.TaskResult{Output: "done", ItemsProcessed: 7}, nil
	}))

	id := f.createDue(t, ctx, TaskSpec{
		Name:      "worker",
		Type:      model.TaskTypeCustom,
		Frequency: model.FrequencyHourly,
	})

	summary, err := f.runner.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Executed)
	require.Zero(t, summary.Skipped)
	require.Equal(t, 1, executed)

	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, task.RunCount)
	require.NotNil(t, task.LastRun)
	// Hourly reschedule advances exactly one hour from the run start.
	require.Equal(t, task.LastRun.Add(time.Hour).Unix(), task.NextRun.Unix())

	exec, err := f.store.LatestExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	require.Equal(t, "done", exec.Output)
	require.Equal(t, model.TriggerCron, exec.Trigger)

	// The task is no longer due.
	summary, err = f.runner.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Executed)
}

func TestRunSkipsLockedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register(model.TaskTypeCustom, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		t.Fatal("locked task must not execute")
		return nil, nil
	}))

	id := f.createDue(t, ctx, TaskSpec{
		Name:      "contended",
		Type:      model.TaskTypeCustom,
		Frequency: model.FrequencyHourly,
	})
	require.NoError(t, f.store.AcquireLock(ctx, id, "another-runner", time.Minute))

	summary, err := f.runner.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Executed)
	require.Equal(t, 1, summary.Skipped)
}

func TestRunEnforcesMaxRuntime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register(model.TaskTypeCustom, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &model.TaskResult{}, nil
		}
	}))

	id := f.createDue(t, ctx, TaskSpec{
		Name:       "slow",
		Type:       model.TaskTypeCustom,
		Frequency:  model.FrequencyHourly,
		MaxRuntime: 50 * time.Millisecond,
	})

	summary, err := f.runner.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Executed)

	exec, err := f.store.LatestExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionStatusTimeout, exec.Status)
	require.Contains(t, exec.ErrorMessage, "max runtime")
}

func TestRunRecoversHandlerPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register(model.TaskTypeCustom, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		panic("handler exploded")
	}))

	id := f.createDue(t, ctx, TaskSpec{
		Name:      "panicky",
		Type:      model.TaskTypeCustom,
		Frequency: model.FrequencyHourly,
	})

	_, err := f.runner.Run(ctx)
	require.NoError(t, err)

	exec, err := f.store.LatestExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionStatusFailed, exec.Status)
	require.Contains(t, exec.ErrorMessage, "handler exploded")
}

func TestRetryThenDisable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register(model.TaskTypeCustom, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		return nil, errors.New("always fails")
	}))

	var exceededEvents int
	f.bus.Subscribe("task.max_retry_exceeded", func(ctx context.Context, evt *model.Event) error {
		exceededEvents++
		return nil
	})

	id := f.createDue(t, ctx, TaskSpec{
		Name:          "doomed",
		Type:          model.TaskTypeCustom,
		Frequency:     model.FrequencyHourly,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	})

	// First failure stays under the budget: rescheduled, still active.
	_, err := f.runner.Run(ctx)
	require.NoError(t, err)

	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, task.Active)
	require.Zero(t, task.RunCount)

	// Second failure exhausts the window budget: disabled, event raised.
	time.Sleep(5 * time.Millisecond)
	_, err = f.runner.Run(ctx)
	require.NoError(t, err)

	task, err = f.store.GetTask(ctx, id)
	require.NoError(t, err)
	require.False(t, task.Active)

	// The disabled task never runs again.
	summary, err := f.runner.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Executed)

	_, _, err = f.bus.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, exceededEvents)
}

func TestDependencyGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upstreamOK := false
	f.registry.Register(model.TaskTypeImport, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		if !upstreamOK {
			return nil, errors.New("upstream not ready")
		}
		return &model.TaskResult{}, nil
	}))
	downstreamRuns := 0
	f.registry.Register(model.TaskTypeExport, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		downstreamRuns++
		return &model.TaskResult{}, nil
	}))

	upstream := f.createDue(t, ctx, TaskSpec{
		Name:       "upstream",
		Type:       model.TaskTypeImport,
		Frequency:  model.FrequencyHourly,
		RetryDelay: time.Millisecond,
	})
	downstream := f.createDue(t, ctx, TaskSpec{
		Name:      "downstream",
		Type:      model.TaskTypeExport,
		Frequency: model.FrequencyHourly,
	})
	require.NoError(t, f.runner.AddDependency(ctx, downstream, upstream, model.DependencyRequireSuccess))

	// Upstream has never run: downstream is skipped, not failed.
	_, err := f.runner.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, downstreamRuns)

	exec, err := f.store.LatestExecution(ctx, downstream)
	require.NoError(t, err)
	require.Nil(t, exec)

	// Upstream succeeds; the next cycle releases downstream.
	upstreamOK = true
	time.Sleep(5 * time.Millisecond)
	_, err = f.runner.Run(ctx)
	require.NoError(t, err)
	_, err = f.runner.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, downstreamRuns)
}

func TestConcurrentRunnersExecuteOnce(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	db := testutil.OpenDB(t)
	store := storage.NewTaskStore(db, logger)
	bus := event.NewBus(storage.NewEventStore(db, logger), nil, logger)
	registry := NewRegistry()

	var executions, inFlight, maxInFlight atomic.Int32
	registry.Register(model.TaskTypeCustom, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		executions.Add(1)
		// Stay in flight long enough for the other runner to race.
		time.Sleep(50 * time.Millisecond)
		return &model.TaskResult{}, nil
	}))

	first := NewRunner(store, registry, bus, Options{Holder: "runner-a"}, logger)
	second := NewRunner(store, registry, bus, Options{Holder: "runner-b"}, logger)

	ctx := context.Background()
	id, err := first.CreateTask(ctx, TaskSpec{
		Name:      "contended",
		Type:      model.TaskTypeCustom,
		Frequency: model.FrequencyHourly,
	})
	require.NoError(t, err)
	require.NoError(t, store.RescheduleTask(ctx, id, time.Now().UTC().Add(-time.Minute)))

	runners := []*Runner{first, second}
	summaries := make([]Summary, len(runners))
	errs := make([]error, len(runners))
	var wg sync.WaitGroup
	for i, r := range runners {
		wg.Add(1)
		go func(i int, r *Runner) {
			defer wg.Done()
			summaries[i], errs[i] = r.Run(ctx)
		}(i, r)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Exactly one runner wins the lock; the other skips without failing.
	require.EqualValues(t, 1, executions.Load())
	require.EqualValues(t, 1, maxInFlight.Load())
	require.Equal(t, 1, summaries[0].Executed+summaries[1].Executed)
	require.Equal(t, 1, summaries[0].Skipped+summaries[1].Skipped)

	execs, err := store.ListExecutions(ctx, id, 10, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, model.ExecutionStatusCompleted, execs[0].Status)
}

func TestRunTaskManually(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register(model.TaskTypeCustom, HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		return &model.TaskResult{Output: "manual run"}, nil
	}))

	id, err := f.runner.CreateTask(ctx, TaskSpec{
		Name:      "on-demand",
		Type:      model.TaskTypeCustom,
		Frequency: model.FrequencyDaily,
	})
	require.NoError(t, err)

	// Manual runs ignore next_run gating entirely.
	exec, err := f.runner.RunTaskManually(ctx, id, "admin-7")
	require.NoError(t, err)
	require.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	require.Equal(t, model.TriggerManual, exec.Trigger)

	// But they still respect locks.
	require.NoError(t, f.store.AcquireLock(ctx, id, "another-runner", time.Minute))
	_, err = f.runner.RunTaskManually(ctx, id, "admin-7")
	require.ErrorIs(t, err, storage.ErrLockHeld)
	require.NoError(t, f.store.ReleaseLock(ctx, id, "another-runner"))

	// And the active flag.
	require.NoError(t, f.store.SetActive(ctx, id, false))
	_, err = f.runner.RunTaskManually(ctx, id, "admin-7")
	require.ErrorIs(t, err, ErrTaskInactive)

	_, err = f.runner.RunTaskManually(ctx, "missing", "admin-7")
	require.ErrorIs(t, err, storage.ErrTaskNotFound)
}

func TestBootstrapInstallsDefaultsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	noop := HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		return &model.TaskResult{}, nil
	})
	f.registry.Register(model.TaskTypeSync, noop)
	f.registry.Register(model.TaskTypeHealthCheck, noop)
	f.registry.Register(model.TaskTypeCleanup, noop)

	require.NoError(t, f.runner.Bootstrap(ctx))

	tasks, err := f.store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	// Idempotent on a populated database.
	require.NoError(t, f.runner.Bootstrap(ctx))
	tasks, err = f.store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
}
