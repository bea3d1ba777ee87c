package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/meschain/sync-core/internal/model"
)

// TaskHandler executes one task type. Handlers must honor ctx
// cancellation; the runner enforces max_runtime through the context
// deadline.
type TaskHandler interface {
	Execute(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error)
}

// HandlerFunc adapts a function to the TaskHandler interface.
type HandlerFunc func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error)

// Execute implements TaskHandler.
func (f HandlerFunc) Execute(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
	return f(ctx, task)
}

// Registry maps task types to their handlers. Registration happens at
// startup; dispatch is type-safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.TaskType]TaskHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.TaskType]TaskHandler)}
}

// Register binds a handler to a task type, replacing any previous binding.
func (r *Registry) Register(taskType model.TaskType, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = handler
}

// Resolve returns the handler for a task type.
func (r *Registry) Resolve(taskType model.TaskType) (TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return handler, nil
}
