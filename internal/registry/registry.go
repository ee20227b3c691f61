// Package registry maps task names to registered handlers. Names are
// resolved once per message; unknown names are a per-message error, not
// a crash.
package registry

import (
	"context"
	"sync"

	"streamq-worker/internal/task"
)

// Handler is a task body. The returned value becomes the persisted
// result on success.
type Handler func(ctx context.Context, m *task.Message) (any, error)

// Task couples a handler with its optional lifecycle hooks.
type Task struct {
	Name    string
	Handler Handler

	// OnBefore may reject the message before execution.
	OnBefore func(ctx context.Context, m *task.Message) (reject bool, err error)
	// OnSuccess runs after a successful attempt.
	OnSuccess func(ctx context.Context, m *task.Message, result any) *task.Hint
	// OnEnd always runs with the final result, even a nil one.
	OnEnd func(ctx context.Context, m *task.Message, result any) *task.Hint
}

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func New() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

func (r *Registry) Register(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Name] = t
}

// Resolve returns nil when the name is unknown.
func (r *Registry) Resolve(name string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[name]
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}
