package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"streamq-worker/internal/buffer"
	"streamq-worker/internal/events"
	"streamq-worker/internal/metrics"
	"streamq-worker/internal/registry"
	"streamq-worker/internal/task"
)

// runTask drives one message through the full lifecycle: delay check,
// lookup, on_before, the retry loop, on_end, finalization. Every path
// except the delay skip ends in finalize, which enqueues the ack.
func (d *Dispatcher) runTask(ctx context.Context, m *task.Message) {
	logger := d.logger.With("task_id", m.ID, "task", m.TaskName, "queue", m.Queue)

	if m.IsDelayed && time.Now().Before(m.ExecuteAt) {
		// Not due yet. No ack and no state write: the broker keeps the
		// message claimable and redelivers it later.
		logger.Debug("Delayed message not due, leaving unacked", "execute_at", m.ExecuteAt)
		return
	}

	if m.RoutingKey != "" {
		d.routes.acquire(m.RoutingKey)
	}

	t := d.reg.Resolve(m.TaskName)
	if t == nil {
		logger.Warn("Task lookup failed")
		now := time.Now()
		d.finalize(ctx, m, &task.Outcome{
			Status:      task.StatusError,
			ErrMsg:      fmt.Sprintf("unregistered task %q", m.TaskName),
			StartedAt:   now,
			CompletedAt: now,
		}, nil)
		return
	}

	d.reporter.TaskStarted(ctx, m.Queue)
	defer d.reporter.TaskFinished(ctx, m.Queue)

	out := &task.Outcome{}
	var result any
	var hint *task.Hint

	rejected := false
	if t.OnBefore != nil {
		reject, err := t.OnBefore(ctx, m)
		if reject || err != nil {
			now := time.Now()
			out.Status = task.StatusRejected
			out.StartedAt = now
			out.CompletedAt = now
			if err != nil {
				out.ErrMsg = err.Error()
			}
			rejected = true
		}
	}

	if !rejected {
		d.infos.Add(m.ID, map[string]any{
			"queue":      m.Queue,
			"task_name":  m.TaskName,
			"status":     string(task.StatusRunning),
			"started_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		result, hint = d.execute(ctx, logger, m, t, out)
	}

	if t.OnEnd != nil {
		if h := t.OnEnd(ctx, m, result); h != nil {
			hint = h
		}
	}
	out.Result = result

	d.finalize(ctx, m, out, hint)
}

// execute runs the retry loop: up to MaxRetries+1 attempts, strictly
// sequential. StartedAt resets per attempt so ExecutionTime covers only
// the final one.
func (d *Dispatcher) execute(ctx context.Context, logger *slog.Logger, m *task.Message, t *registry.Task, out *task.Outcome) (any, *task.Hint) {
	attempts := m.Retry.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		out.StartedAt = time.Now()
		result, err := d.invoke(ctx, t, m)
		out.CompletedAt = time.Now()

		if err == nil {
			out.Status = task.StatusSuccess
			var hint *task.Hint
			if t.OnSuccess != nil {
				hint = t.OnSuccess(ctx, m, result)
			}
			return result, hint
		}

		if d.shutdown.Load() || ctx.Err() != nil {
			logger.Warn("Attempt aborted by shutdown", "attempt", attempt+1, "error", err)
			out.Status = task.StatusInterrupted
			out.ErrMsg = err.Error()
			return nil, nil
		}

		if attempt < attempts-1 && retryEligible(m.Retry, err) {
			delay := retryDelay(m.Retry, err, attempt)
			logger.Warn("Attempt failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
			metrics.TaskRetries.WithLabelValues(m.Queue).Inc()
			if !d.sleep(ctx, delay) {
				out.Status = task.StatusInterrupted
				out.ErrMsg = err.Error()
				out.CompletedAt = time.Now()
				return nil, nil
			}
			continue
		}

		logger.Error("Task failed", "attempts", attempt+1, "error", err)
		out.Status = task.StatusError
		out.ErrMsg = err.Error()
		out.Traceback = tracebackOf(err)
		return nil, nil
	}

	return nil, nil
}

// invoke runs the task body, converting panics into fatal errors with a
// filtered stack so one misbehaving task cannot take the loop down.
func (d *Dispatcher) invoke(ctx context.Context, t *registry.Task, m *task.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: task.FilterStack(debug.Stack())}
		}
	}()
	return t.Handler(ctx, m)
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// finalize is the single exit point for every handled message: it
// enqueues the ack, computes the derived timings, merges the terminal
// record, applies routing hints, and reports stats.
func (d *Dispatcher) finalize(ctx context.Context, m *task.Message, out *task.Outcome, hint *task.Hint) {
	d.acks.Add(buffer.AckEntry{Queue: m.Queue, ID: m.ID, Group: d.cfg.ConsumerGroup})

	out.ExecutionTime = out.CompletedAt.Sub(out.StartedAt).Seconds()
	trigger := m.TriggerTime
	if trigger.IsZero() {
		// Recovered messages can arrive without a trigger time.
		trigger = out.StartedAt
	}
	out.TotalLatency = out.CompletedAt.Sub(trigger).Seconds()
	if out.TotalLatency < 0 {
		out.TotalLatency = 0
	}

	fields := map[string]any{
		"status":         string(out.Status),
		"completed_at":   out.CompletedAt.UTC().Format(time.RFC3339Nano),
		"execution_time": out.ExecutionTime,
		"total_latency":  out.TotalLatency,
	}
	if out.Status == task.StatusSuccess {
		serialized, err := d.serializer.Dumps(out.Result)
		if err != nil {
			d.logger.Warn("Result serialization failed", "task_id", m.ID, "error", err)
		} else {
			fields["result"] = serialized
		}
	}
	if out.ErrMsg != "" {
		fields["error"] = out.ErrMsg
	}
	if out.Traceback != "" {
		fields["traceback"] = out.Traceback
	}
	d.infos.Add(m.ID, fields)

	if m.RoutingKey != "" {
		d.routes.release(m.RoutingKey)
		if hint != nil {
			if hint.UrgentRetry {
				d.routes.markUrgent(m.RoutingKey)
			}
			if hint.Delay > 0 {
				d.routes.scheduleAfter(m.RoutingKey, time.Now().Add(hint.Delay))
			}
		}
	}

	d.events.Publish(events.Event{
		Type:     events.TypeCompleted,
		Queue:    m.Queue,
		TaskID:   m.ID,
		TaskName: m.TaskName,
		Status:   string(out.Status),
		WorkerID: d.cfg.WorkerID,
	})

	metrics.TasksCompleted.WithLabelValues(m.Queue, string(out.Status)).Inc()
	metrics.ExecDuration.WithLabelValues(m.Queue).Observe(out.ExecutionTime)
	metrics.TotalLatency.WithLabelValues(m.Queue).Observe(out.TotalLatency)
	d.reporter.UpdateStats(ctx, m.Queue, out.Status == task.StatusSuccess, out.ExecutionTime, out.TotalLatency)
}

func retryEligible(rc task.RetryConfig, err error) bool {
	var re *task.RetryableError
	if errors.As(err, &re) {
		return true
	}
	if len(rc.RetryOn) == 0 {
		return true
	}
	kind := task.ErrorKind(err)
	for _, allowed := range rc.RetryOn {
		if allowed == kind {
			return true
		}
	}
	return false
}

// retryDelay picks the wait before the next attempt: an explicit
// suggested delay wins; otherwise exponential backoff from 1s doubling
// per attempt up to BackoffMax when enabled, else a flat 1s.
func retryDelay(rc task.RetryConfig, err error, attempt int) time.Duration {
	if suggested, ok := task.SuggestedDelay(err); ok {
		return suggested
	}
	if !rc.Backoff {
		return time.Second
	}
	delay := time.Second
	if attempt > 0 && attempt < 30 {
		delay = time.Second << uint(attempt)
	}
	if max := time.Duration(rc.BackoffMax * float64(time.Second)); max > 0 && delay > max {
		delay = max
	}
	return delay
}

func tracebackOf(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return pe.stack
	}
	return ""
}
