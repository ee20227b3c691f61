// Package engine contains the bounded-concurrency execution loop: it
// pulls ready messages from the broker, runs them under a permit cap,
// and drives the buffered ack/state flush cycle.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"streamq-worker/internal/broker"
	"streamq-worker/internal/buffer"
	"streamq-worker/internal/config"
	"streamq-worker/internal/events"
	"streamq-worker/internal/metrics"
	"streamq-worker/internal/registry"
	"streamq-worker/internal/stats"
	"streamq-worker/internal/task"
)

const (
	minBatchHint = 10
	maxBatchHint = 500

	idleSleep     = time.Millisecond
	adaptInterval = time.Second
)

// batchHinter is implemented by sources whose read batch size can be
// tuned at runtime.
type batchHinter interface {
	SetBatchHint(n int)
}

type Dispatcher struct {
	cfg        *config.Config
	source     broker.Source
	reg        *registry.Registry
	acks       *buffer.AckBuffer
	infos      *buffer.InfoBuffer
	reporter   *stats.Reporter
	serializer task.Serializer
	logger     *slog.Logger
	events     events.Publisher

	sem      chan struct{}
	wg       sync.WaitGroup
	shutdown atomic.Bool
	routes   *routeTable

	batchHint     int
	flushInterval time.Duration

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg *config.Config, source broker.Source, reg *registry.Registry, acks *buffer.AckBuffer, infos *buffer.InfoBuffer, reporter *stats.Reporter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		source:        source,
		reg:           reg,
		acks:          acks,
		infos:         infos,
		reporter:      reporter,
		serializer:    task.JSONSerializer{},
		logger:        logger,
		events:        events.NoopPublisher{},
		sem:           make(chan struct{}, cfg.Concurrency),
		routes:        newRouteTable(),
		batchHint:     minBatchHint,
		flushInterval: cfg.FlushInterval,
		sleep:         sleepCtx,
	}
}

// SetEvents installs a lifecycle event publisher. Call before Run.
func (d *Dispatcher) SetEvents(pub events.Publisher) {
	if pub != nil {
		d.events = pub
	}
}

// Shutdown asks the loop to stop admitting work. Safe to call from any
// goroutine; in-flight runners are left to finish.
func (d *Dispatcher) Shutdown() {
	d.shutdown.Store(true)
}

// Run is the main scheduling loop. It returns after a shutdown request
// (or context cancellation) once the drain sequence completes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting dispatcher",
		"queues", d.cfg.Queues,
		"group", d.cfg.ConsumerGroup,
		"concurrency", d.cfg.Concurrency)

	lastAdapt := time.Now()
	lastFlush := time.Now()

	for {
		if d.shutdown.Load() || ctx.Err() != nil {
			break
		}

		now := time.Now()
		if now.Sub(lastAdapt) >= adaptInterval {
			d.adaptBatchHint(ctx)
			lastAdapt = now
		}
		if now.Sub(lastFlush) >= d.flushInterval ||
			d.acks.ShouldFlush(now) ||
			d.acks.Len() >= d.cfg.BufferHighWater ||
			d.infos.Len() >= d.cfg.BufferHighWater {
			d.flushAll(ctx)
			lastFlush = time.Now()
		}

		m, err := d.source.Dequeue(ctx, d.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, broker.ErrNoMessages) {
				// Idle: push out anything buffered, then back off briefly.
				if d.acks.Len() > 0 || d.infos.Len() > 0 {
					d.flushAll(ctx)
					lastFlush = time.Now()
				}
				d.sleep(ctx, idleSleep)
				continue
			}
			if ctx.Err() != nil {
				break
			}
			d.logger.Error("Dequeue failed", "error", err)
			d.sleep(ctx, d.cfg.PollTimeout)
			continue
		}

		metrics.MessagesDequeued.WithLabelValues(m.Queue).Inc()
		eventType := events.TypeDequeued
		if m.Recovered {
			eventType = events.TypeRecovered
		}
		d.events.Publish(events.Event{
			Type:     eventType,
			Queue:    m.Queue,
			TaskID:   m.ID,
			TaskName: m.TaskName,
			WorkerID: d.cfg.WorkerID,
		})

		if !d.acquire(ctx) {
			// Shutdown arrived while waiting for a permit. The message
			// stays pending and redelivers to another consumer.
			break
		}
		d.wg.Add(1)
		go func(m *task.Message) {
			defer d.wg.Done()
			defer d.release()
			d.runTask(ctx, m)
		}(m)

		runtime.Gosched()
	}

	return d.drain()
}

// acquire blocks for a concurrency permit, flushing buffers while it
// waits so a saturated pool cannot starve the flush cycle.
func (d *Dispatcher) acquire(ctx context.Context) bool {
	for {
		select {
		case d.sem <- struct{}{}:
			metrics.InFlightTasks.Inc()
			return true
		case <-time.After(d.flushInterval):
			if d.shutdown.Load() || ctx.Err() != nil {
				return false
			}
			d.flushAll(ctx)
		}
	}
}

func (d *Dispatcher) release() {
	<-d.sem
	metrics.InFlightTasks.Dec()
}

// flushAll flushes both buffers concurrently, then retunes the flush
// interval: heavy flushes pull it toward the minimum, light ones let it
// relax back toward the maximum. Pacing only; correctness never depends
// on the interval.
func (d *Dispatcher) flushAll(ctx context.Context) {
	var wg sync.WaitGroup
	var ackN, infoN int
	wg.Add(2)
	go func() {
		defer wg.Done()
		ackN = d.acks.Flush(ctx)
	}()
	go func() {
		defer wg.Done()
		infoN = d.infos.Flush(ctx)
	}()
	wg.Wait()

	flushed := ackN + infoN
	switch {
	case flushed >= d.cfg.AckBatchSize:
		d.flushInterval /= 2
		if d.flushInterval < d.cfg.MinFlushInterval {
			d.flushInterval = d.cfg.MinFlushInterval
		}
	case flushed < d.cfg.AckBatchSize/10:
		d.flushInterval *= 2
		if d.flushInterval > d.cfg.MaxFlushInterval {
			d.flushInterval = d.cfg.MaxFlushInterval
		}
	}
}

// adaptBatchHint reads queue depths roughly once a second and widens or
// narrows the read batch accordingly.
func (d *Dispatcher) adaptBatchHint(ctx context.Context) {
	var depth int64
	for _, queue := range d.cfg.Queues {
		n, err := d.source.Depth(ctx, queue)
		if err != nil {
			d.logger.Debug("Depth probe failed", "queue", queue, "error", err)
			continue
		}
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(n))
		depth += n
	}

	hint := d.batchHint
	switch {
	case depth > int64(hint*4) && hint < maxBatchHint:
		hint *= 2
	case depth < int64(hint) && hint > minBatchHint:
		hint /= 2
	}
	if hint == d.batchHint {
		return
	}
	d.batchHint = hint
	metrics.BatchHint.Set(float64(hint))
	if bh, ok := d.source.(batchHinter); ok {
		bh.SetBatchHint(hint)
	}
}

// drain waits for in-flight runners, attempts one time-boxed final
// flush, and notifies the consumer manager that this worker is offline.
// A flush timeout is logged and tolerated: unflushed acks redeliver,
// which at-least-once delivery already allows.
func (d *Dispatcher) drain() error {
	d.logger.Info("Dispatcher stopping, waiting for in-flight tasks")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("All in-flight tasks finished")
	case <-time.After(d.cfg.ShutdownTimeout):
		d.logger.Warn("Timed out waiting for in-flight tasks", "timeout", d.cfg.ShutdownTimeout)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownFlushTimeout)
	defer cancel()

	flushed := make(chan struct{})
	go func() {
		d.flushAll(flushCtx)
		close(flushed)
	}()
	select {
	case <-flushed:
		d.logger.Info("Final flush complete")
	case <-flushCtx.Done():
		d.logger.Warn("Final flush timed out, unflushed messages will redeliver",
			"pending_acks", d.acks.Len(), "pending_infos", d.infos.Len())
	}

	d.reporter.Cleanup(context.Background())
	d.logger.Info("Worker offline")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
