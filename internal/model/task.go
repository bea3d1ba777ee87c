package model

import (
	"time"
)

// TaskType classifies what a scheduled task does. Handlers are registered
// per type at startup.
type TaskType string

const (
	TaskTypeSync         TaskType = "sync"
	TaskTypeImport       TaskType = "import"
	TaskTypeExport       TaskType = "export"
	TaskTypeCleanup      TaskType = "cleanup"
	TaskTypeNotification TaskType = "notification"
	TaskTypeBackup       TaskType = "backup"
	TaskTypeHealthCheck  TaskType = "health_check"
	TaskTypeCustom       TaskType = "custom"
)

// Frequency is how often a scheduled task recurs.
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// ExecutionStatus represents the state of one task execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
)

// TriggerSource records what caused an execution
type TriggerSource string

const (
	TriggerCron   TriggerSource = "cron"
	TriggerManual TriggerSource = "manual"
	TriggerAPI    TriggerSource = "api"
	TriggerEvent  TriggerSource = "event"
)

// DependencyType controls how an upstream task's outcome gates a downstream task.
type DependencyType string

const (
	// DependencyRequireSuccess blocks until the upstream's last execution completed.
	DependencyRequireSuccess DependencyType = "require-success"
	// DependencyRequireCompletion accepts a completed or failed upstream execution.
	DependencyRequireCompletion DependencyType = "require-completion"
	// DependencyAlways never blocks.
	DependencyAlways DependencyType = "always"
)

// ScheduledTask is a recurring unit of work owned by the scheduler.
type ScheduledTask struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          TaskType          `json:"type"`
	Params        map[string]string `json:"params,omitempty"`
	Frequency     Frequency         `json:"frequency"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	NextRun       time.Time         `json:"next_run"`
	LastRun       *time.Time        `json:"last_run,omitempty"`
	RunCount      int               `json:"run_count"`
	MaxRuntime    time.Duration     `json:"max_runtime"`
	RetryAttempts int               `json:"retry_attempts"`
	RetryDelay    time.Duration     `json:"retry_delay"`
	Active        bool              `json:"active"`
	TenantID      string            `json:"tenant_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// TaskExecution is one run of a scheduled task. A terminal row is never
// mutated again.
type TaskExecution struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time,omitempty"`
	MemoryUsage   int64           `json:"memory_usage,omitempty"`
	Output        string          `json:"output,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Progress      int             `json:"progress"`
	Trigger       TriggerSource   `json:"trigger"`
}

// TaskLock is a lease granting one runner the right to execute a task.
// A lock whose expiry has passed is reclaimable.
type TaskLock struct {
	TaskID     string    `json:"task_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TaskDependency is an edge from a task to the task it depends on.
type TaskDependency struct {
	TaskID    string         `json:"task_id"`
	DependsOn string         `json:"depends_on"`
	Type      DependencyType `json:"type"`
}

// TaskResult is what a handler returns on success.
type TaskResult struct {
	Output         string `json:"output,omitempty"`
	ItemsProcessed int    `json:"items_processed,omitempty"`
}
