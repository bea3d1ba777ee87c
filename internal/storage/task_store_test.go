package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
)

func newTaskStore(t *testing.T) *TaskStore {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(db))
	t.Cleanup(func() { db.Close() })

	logger, _ := zap.NewDevelopment()
	return NewTaskStore(db, logger)
}

func newTask(name string) *model.ScheduledTask {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.ScheduledTask{
		ID:            uuid.New().String(),
		Name:          name,
		Type:          model.TaskTypeSync,
		Params:        map[string]string{"entity": "products"},
		Frequency:     model.FrequencyHourly,
		NextRun:       now.Add(-time.Minute),
		MaxRuntime:    5 * time.Minute,
		RetryAttempts: 3,
		RetryDelay:    time.Minute,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestTaskStoreRoundTrip(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	task := newTask("sync-products")
	require.NoError(t, store.CreateTask(ctx, task))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task.Name, got.Name)
	require.Equal(t, task.Type, got.Type)
	require.Equal(t, task.Params, got.Params)
	require.Equal(t, task.MaxRuntime, got.MaxRuntime)
	require.Equal(t, task.RetryDelay, got.RetryDelay)
	require.True(t, got.Active)
	require.Nil(t, got.LastRun)

	_, err = store.GetTask(ctx, "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDueTasksSelection(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newTask("due")
	require.NoError(t, store.CreateTask(ctx, due))

	future := newTask("future")
	future.NextRun = now.Add(time.Hour)
	require.NoError(t, store.CreateTask(ctx, future))

	inactive := newTask("inactive")
	inactive.Active = false
	require.NoError(t, store.CreateTask(ctx, inactive))

	tasks, err := store.DueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, due.ID, tasks[0].ID)
}

func TestMarkRunAdvancesCounters(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	task := newTask("counted")
	require.NoError(t, store.CreateTask(ctx, task))

	ran := time.Now().UTC().Truncate(time.Second)
	next := ran.Add(time.Hour)
	require.NoError(t, store.MarkRun(ctx, task.ID, ran, next))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RunCount)
	require.NotNil(t, got.LastRun)
	require.Equal(t, ran.Unix(), got.LastRun.Unix())
	require.Equal(t, next.Unix(), got.NextRun.Unix())
}

func TestAcquireLock(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	task := newTask("locked")
	require.NoError(t, store.CreateTask(ctx, task))

	require.NoError(t, store.AcquireLock(ctx, task.ID, "runner-a", time.Minute))

	// Second acquisition fails while the lease is live, for any holder.
	require.ErrorIs(t, store.AcquireLock(ctx, task.ID, "runner-b", time.Minute), ErrLockHeld)
	require.ErrorIs(t, store.AcquireLock(ctx, task.ID, "runner-a", time.Minute), ErrLockHeld)

	// Releasing with the wrong holder is a no-op.
	require.NoError(t, store.ReleaseLock(ctx, task.ID, "runner-b"))
	require.ErrorIs(t, store.AcquireLock(ctx, task.ID, "runner-b", time.Minute), ErrLockHeld)

	require.NoError(t, store.ReleaseLock(ctx, task.ID, "runner-a"))
	require.NoError(t, store.AcquireLock(ctx, task.ID, "runner-b", time.Minute))
}

func TestAcquireLockReclaimsExpired(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	task := newTask("expired-lock")
	require.NoError(t, store.CreateTask(ctx, task))

	// A negative TTL produces an already-expired lease.
	require.NoError(t, store.AcquireLock(ctx, task.ID, "crashed-runner", -time.Second))
	require.NoError(t, store.AcquireLock(ctx, task.ID, "runner-b", time.Minute))
}

func TestSweepExpiredLocks(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	live := newTask("live")
	stale := newTask("stale")
	require.NoError(t, store.CreateTask(ctx, live))
	require.NoError(t, store.CreateTask(ctx, stale))

	require.NoError(t, store.AcquireLock(ctx, live.ID, "runner-a", time.Minute))
	require.NoError(t, store.AcquireLock(ctx, stale.ID, "runner-a", -time.Second))

	n, err := store.SweepExpiredLocks(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestExecutionLifecycle(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	task := newTask("executed")
	require.NoError(t, store.CreateTask(ctx, task))

	exec := &model.TaskExecution{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Status:    model.ExecutionStatusRunning,
		StartedAt: time.Now().UTC(),
		Trigger:   model.TriggerCron,
	}
	require.NoError(t, store.CreateExecution(ctx, exec))

	running, err := store.HasRunningExecution(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, running)

	completed := time.Now().UTC()
	exec.Status = model.ExecutionStatusCompleted
	exec.CompletedAt = &completed
	exec.ExecutionTime = 42 * time.Millisecond
	exec.Output = "synced 10 items"
	exec.Progress = 100
	require.NoError(t, store.FinishExecution(ctx, exec))

	running, err = store.HasRunningExecution(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, running)

	latest, err := store.LatestExecution(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, model.ExecutionStatusCompleted, latest.Status)
	require.Equal(t, "synced 10 items", latest.Output)
	require.Equal(t, 42*time.Millisecond, latest.ExecutionTime)
}

func TestCountFailedSince(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	task := newTask("flaky")
	require.NoError(t, store.CreateTask(ctx, task))

	record := func(status model.ExecutionStatus, started time.Time) {
		exec := &model.TaskExecution{
			ID:        uuid.New().String(),
			TaskID:    task.ID,
			Status:    model.ExecutionStatusRunning,
			StartedAt: started,
			Trigger:   model.TriggerCron,
		}
		require.NoError(t, store.CreateExecution(ctx, exec))
		done := started.Add(time.Second)
		exec.Status = status
		exec.CompletedAt = &done
		require.NoError(t, store.FinishExecution(ctx, exec))
	}

	now := time.Now().UTC()
	record(model.ExecutionStatusFailed, now.Add(-10*time.Minute))
	record(model.ExecutionStatusTimeout, now.Add(-5*time.Minute))
	record(model.ExecutionStatusCompleted, now.Add(-3*time.Minute))
	record(model.ExecutionStatusFailed, now.Add(-2*time.Hour)) // outside window

	n, err := store.CountFailedSince(ctx, task.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestDeleteExecutionsBefore(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	task := newTask("pruned")
	require.NoError(t, store.CreateTask(ctx, task))

	old := &model.TaskExecution{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Status:    model.ExecutionStatusRunning,
		StartedAt: time.Now().UTC().Add(-48 * time.Hour),
		Trigger:   model.TriggerCron,
	}
	require.NoError(t, store.CreateExecution(ctx, old))
	done := old.StartedAt.Add(time.Second)
	old.Status = model.ExecutionStatusCompleted
	old.CompletedAt = &done
	require.NoError(t, store.FinishExecution(ctx, old))

	// A still-running row is never pruned regardless of age.
	stuck := &model.TaskExecution{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Status:    model.ExecutionStatusRunning,
		StartedAt: time.Now().UTC().Add(-48 * time.Hour),
		Trigger:   model.TriggerCron,
	}
	require.NoError(t, store.CreateExecution(ctx, stuck))

	n, err := store.DeleteExecutionsBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestDependencies(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	orders := newTask("orders")
	products := newTask("products")
	require.NoError(t, store.CreateTask(ctx, orders))
	require.NoError(t, store.CreateTask(ctx, products))

	require.NoError(t, store.AddDependency(ctx, model.TaskDependency{
		TaskID:    orders.ID,
		DependsOn: products.ID,
		Type:      model.DependencyRequireSuccess,
	}))

	deps, err := store.Dependencies(ctx, orders.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Equal(t, products.ID, deps[0].DependsOn)
	require.Equal(t, model.DependencyRequireSuccess, deps[0].Type)
}
