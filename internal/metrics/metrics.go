// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesDequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamq_messages_dequeued_total",
		Help: "Total number of messages pulled from the queue",
	}, []string{"queue"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamq_tasks_completed_total",
		Help: "Total number of finalized tasks by terminal status",
	}, []string{"queue", "status"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamq_task_retries_total",
		Help: "Total number of retry attempts scheduled",
	}, []string{"queue"})

	ExecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamq_exec_duration_seconds",
		Help:    "Duration of the final execution attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	TotalLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamq_total_latency_seconds",
		Help:    "Time from trigger to completion",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"queue"})

	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamq_flush_duration_seconds",
		Help:    "Duration of buffer flushes",
		Buckets: prometheus.DefBuckets,
	}, []string{"buffer"})

	AckFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamq_ack_flush_failures_total",
		Help: "Number of ack sub-batches that failed to flush",
	})

	InfoFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamq_info_flush_failures_total",
		Help: "Number of task info snapshots that failed to flush",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamq_queue_depth",
		Help: "Entries currently in each queue stream",
	}, []string{"queue"})

	InFlightTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamq_inflight_tasks",
		Help: "Task runners currently holding a concurrency permit",
	})

	BatchHint = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamq_batch_hint",
		Help: "Current adaptive read batch size",
	})
)
