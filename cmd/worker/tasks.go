package main

import (
	"context"
	"fmt"
	"time"

	"streamq-worker/internal/registry"
	"streamq-worker/internal/task"
)

// registerBuiltins installs the stock tasks every worker ships with.
// They double as load-test targets for cmd/loadgen.
func registerBuiltins(reg *registry.Registry) {
	reg.Register(&registry.Task{
		Name: "builtin.echo",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return m.Args, nil
		},
	})

	reg.Register(&registry.Task{
		Name: "builtin.sleep",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			seconds, ok := m.Kwargs["seconds"].(float64)
			if !ok {
				return nil, task.NewError("ValueError", "sleep requires a numeric 'seconds' kwarg")
			}
			timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
			return fmt.Sprintf("slept %.3fs", seconds), nil
		},
	})

	reg.Register(&registry.Task{
		Name: "builtin.fail",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			if kind, ok := m.Kwargs["kind"].(string); ok && kind != "" {
				return nil, task.NewError(kind, "requested failure")
			}
			return nil, &task.RetryableError{Message: "requested retryable failure", Delay: time.Second}
		},
	})
}
