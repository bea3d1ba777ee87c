package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
)

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrLockHeld is returned when another runner holds an unexpired lock
	ErrLockHeld = errors.New("task lock held by another runner")
)

// TaskStore persists scheduled tasks, executions, locks and dependencies.
type TaskStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewTaskStore creates a task store on the given database.
func NewTaskStore(db *sql.DB, logger *zap.Logger) *TaskStore {
	return &TaskStore{logger: logger.Named("task-store"), db: db}
}

// CreateTask persists a new scheduled task.
func (s *TaskStore) CreateTask(ctx context.Context, task *model.ScheduledTask) error {
	params, err := marshalParams(task.Params)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (
			id, name, type, params, frequency, cron_expr, next_run, last_run,
			run_count, max_runtime, retry_attempts, retry_delay, active,
			tenant_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Name,
		task.Type,
		params,
		task.Frequency,
		sql.NullString{String: task.CronExpr, Valid: task.CronExpr != ""},
		task.NextRun,
		nullTime(task.LastRun),
		task.RunCount,
		int64(task.MaxRuntime),
		task.RetryAttempts,
		int64(task.RetryDelay),
		boolToInt(task.Active),
		task.TenantID,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskColumns+" WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return task, nil
}

// DueTasks returns active tasks whose next run is at or before now,
// oldest first.
func (s *TaskStore) DueTasks(ctx context.Context, now time.Time) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		taskColumns+" WHERE active = 1 AND next_run <= ? ORDER BY next_run ASC", now)
	if err != nil {
		return nil, fmt.Errorf("failed to select due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns all tasks ordered by name.
func (s *TaskStore) ListTasks(ctx context.Context) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, taskColumns+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountTasks returns the number of scheduled tasks.
func (s *TaskStore) CountTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scheduled_tasks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// MarkRun records a successful run: last run, recomputed next run and the
// incremented run count.
func (s *TaskStore) MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run = ?, next_run = ?, run_count = run_count + 1, updated_at = ?
		WHERE id = ?`,
		lastRun, nextRun, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark task run: %w", err)
	}
	return nil
}

// RescheduleTask moves a task's next run without touching run counters.
func (s *TaskStore) RescheduleTask(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_tasks SET next_run = ?, updated_at = ? WHERE id = ?",
		nextRun, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return nil
}

// SetActive toggles the active flag of a task.
func (s *TaskStore) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_tasks SET active = ?, updated_at = ? WHERE id = ?",
		boolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task active flag: %w", err)
	}
	return nil
}

// AcquireLock atomically claims the execution lease for a task. An expired
// lock is reclaimed inside the same transaction; an unexpired lock held by
// anyone yields ErrLockHeld.
func (s *TaskStore) AcquireLock(ctx context.Context, taskID, holder string, ttl time.Duration) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	// Lazy expiry: a past expires_at is treated as absent.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM task_locks WHERE task_id = ? AND expires_at <= ?", taskID, now); err != nil {
		return fmt.Errorf("failed to reclaim expired lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_locks (task_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		taskID, holder, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read lock insert result: %w", err)
	}
	if inserted == 0 {
		return ErrLockHeld
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock: %w", err)
	}
	return nil
}

// ReleaseLock drops the lock if held by the given holder.
func (s *TaskStore) ReleaseLock(ctx context.Context, taskID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM task_locks WHERE task_id = ? AND holder = ?", taskID, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// SweepExpiredLocks deletes locks whose expiry has passed.
func (s *TaskStore) SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM task_locks WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep result: %w", err)
	}
	if n > 0 {
		s.logger.Info("Reclaimed expired task locks", zap.Int64("count", n))
	}
	return n, nil
}

// CreateExecution inserts a new execution row.
func (s *TaskStore) CreateExecution(ctx context.Context, exec *model.TaskExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (
			id, task_id, status, started_at, progress, trigger_source
		) VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TaskID, exec.Status, exec.StartedAt, exec.Progress, exec.Trigger)
	if err != nil {
		return fmt.Errorf("failed to store execution: %w", err)
	}
	return nil
}

// FinishExecution writes the terminal state of an execution.
func (s *TaskStore) FinishExecution(ctx context.Context, exec *model.TaskExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET
			status = ?,
			completed_at = ?,
			execution_time = ?,
			memory_usage = ?,
			output = ?,
			error_message = ?,
			progress = ?
		WHERE id = ?`,
		exec.Status,
		nullTime(exec.CompletedAt),
		int64(exec.ExecutionTime),
		exec.MemoryUsage,
		sql.NullString{String: exec.Output, Valid: exec.Output != ""},
		sql.NullString{String: exec.ErrorMessage, Valid: exec.ErrorMessage != ""},
		exec.Progress,
		exec.ID)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	return nil
}

// HasRunningExecution reports whether an execution for the task is still
// in the running state. This guard is independent of locks.
func (s *TaskStore) HasRunningExecution(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM task_executions WHERE task_id = ? AND status = ?",
		taskID, model.ExecutionStatusRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check running executions: %w", err)
	}
	return n > 0, nil
}

// LatestExecution returns the most recent execution of a task, or nil when
// the task has never run.
func (s *TaskStore) LatestExecution(ctx context.Context, taskID string) (*model.TaskExecution, error) {
	row := s.db.QueryRowContext(ctx,
		execColumns+" WHERE task_id = ? ORDER BY started_at DESC LIMIT 1", taskID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions of a task, most recent first.
func (s *TaskStore) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*model.TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		execColumns+" WHERE task_id = ? ORDER BY started_at DESC LIMIT ? OFFSET ?",
		taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*model.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CountFailedSince counts failed and timed-out executions of a task within
// the rolling window starting at since.
func (s *TaskStore) CountFailedSince(ctx context.Context, taskID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_executions
		WHERE task_id = ? AND status IN (?, ?) AND started_at >= ?`,
		taskID, model.ExecutionStatusFailed, model.ExecutionStatusTimeout, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed executions: %w", err)
	}
	return n, nil
}

// DeleteExecutionsBefore removes terminal execution rows older than cutoff.
func (s *TaskStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM task_executions WHERE started_at < ? AND status != ?",
		cutoff, model.ExecutionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n, nil
}

// AddDependency records that task depends on another task.
func (s *TaskStore) AddDependency(ctx context.Context, dep model.TaskDependency) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_dependencies (task_id, depends_on, dep_type)
		VALUES (?, ?, ?)`,
		dep.TaskID, dep.DependsOn, dep.Type)
	if err != nil {
		return fmt.Errorf("failed to add dependency: %w", err)
	}
	return nil
}

// Dependencies returns the dependency edges of a task.
func (s *TaskStore) Dependencies(ctx context.Context, taskID string) ([]model.TaskDependency, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id, depends_on, dep_type FROM task_dependencies WHERE task_id = ?", taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []model.TaskDependency
	for rows.Next() {
		var d model.TaskDependency
		if err := rows.Scan(&d.TaskID, &d.DependsOn, &d.Type); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

const taskColumns = `SELECT id, name, type, params, frequency, cron_expr, next_run,
	last_run, run_count, max_runtime, retry_attempts, retry_delay, active,
	tenant_id, created_at, updated_at FROM scheduled_tasks`

const execColumns = `SELECT id, task_id, status, started_at, completed_at,
	execution_time, memory_usage, output, error_message, progress,
	trigger_source FROM task_executions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	var params, cronExpr sql.NullString
	var lastRun sql.NullTime
	var maxRuntime, retryDelay int64
	var active int

	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Type,
		&params,
		&task.Frequency,
		&cronExpr,
		&task.NextRun,
		&lastRun,
		&task.RunCount,
		&maxRuntime,
		&task.RetryAttempts,
		&retryDelay,
		&active,
		&task.TenantID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &task.Params); err != nil {
			return nil, fmt.Errorf("failed to decode task params: %w", err)
		}
	}
	if cronExpr.Valid {
		task.CronExpr = cronExpr.String
	}
	if lastRun.Valid {
		t := lastRun.Time
		task.LastRun = &t
	}
	task.MaxRuntime = time.Duration(maxRuntime)
	task.RetryDelay = time.Duration(retryDelay)
	task.Active = active != 0

	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*model.ScheduledTask, error) {
	var tasks []*model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanExecution(row rowScanner) (*model.TaskExecution, error) {
	var exec model.TaskExecution
	var completedAt sql.NullTime
	var execTime, memUsage sql.NullInt64
	var output, errMsg sql.NullString

	err := row.Scan(
		&exec.ID,
		&exec.TaskID,
		&exec.Status,
		&exec.StartedAt,
		&completedAt,
		&execTime,
		&memUsage,
		&output,
		&errMsg,
		&exec.Progress,
		&exec.Trigger,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	if execTime.Valid {
		exec.ExecutionTime = time.Duration(execTime.Int64)
	}
	if memUsage.Valid {
		exec.MemoryUsage = memUsage.Int64
	}
	if output.Valid {
		exec.Output = output.String
	}
	if errMsg.Valid {
		exec.ErrorMessage = errMsg.String
	}

	return &exec, nil
}

func marshalParams(params map[string]string) (sql.NullString, error) {
	if len(params) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode task params: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
