// Package stats reports per-task outcomes to the consumer manager.
// Reporting is strictly fire-and-forget: a failure here never touches a
// task's result.
package stats

import (
	"context"
	"log/slog"
)

// ConsumerManager tracks this worker's presence and per-queue outcome
// counters for the rest of the fleet.
type ConsumerManager interface {
	TaskStarted(ctx context.Context, queue string) error
	TaskFinished(ctx context.Context, queue string) error
	UpdateStats(ctx context.Context, queue string, success bool, processingTime, totalLatency float64) error
	// Cleanup marks this worker offline.
	Cleanup(ctx context.Context) error
}

type Reporter struct {
	cm     ConsumerManager
	logger *slog.Logger
}

func NewReporter(cm ConsumerManager, logger *slog.Logger) *Reporter {
	return &Reporter{cm: cm, logger: logger}
}

func (r *Reporter) TaskStarted(ctx context.Context, queue string) {
	if err := r.cm.TaskStarted(ctx, queue); err != nil {
		r.logger.Debug("task_started report failed", "queue", queue, "error", err)
	}
}

func (r *Reporter) TaskFinished(ctx context.Context, queue string) {
	if err := r.cm.TaskFinished(ctx, queue); err != nil {
		r.logger.Debug("task_finished report failed", "queue", queue, "error", err)
	}
}

func (r *Reporter) UpdateStats(ctx context.Context, queue string, success bool, processingTime, totalLatency float64) {
	if err := r.cm.UpdateStats(ctx, queue, success, processingTime, totalLatency); err != nil {
		r.logger.Debug("stats report failed", "queue", queue, "error", err)
	}
}

// Cleanup marks the worker offline. Called once on shutdown.
func (r *Reporter) Cleanup(ctx context.Context) {
	if err := r.cm.Cleanup(ctx); err != nil {
		r.logger.Debug("offline notification failed", "error", err)
	}
}
