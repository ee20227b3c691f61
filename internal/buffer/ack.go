// Package buffer accumulates per-task state written by many runners and
// flushes it to the store in batches. Both buffers are mutex-guarded:
// runners mutate them from arbitrary goroutines, so the snapshot swap
// must be atomic with respect to appends.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"streamq-worker/internal/metrics"
)

// Acker is the slice of the store the ack buffer needs.
type Acker interface {
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
}

// AckEntry is one completed message awaiting acknowledgment.
type AckEntry struct {
	Queue   string
	ID      string
	Group   string
	AddedAt time.Time
}

type AckConfig struct {
	// BatchSize triggers a flush when the buffer reaches it.
	BatchSize int
	// Max is the absolute cap; 10% of it is a secondary flush trigger.
	Max int
	// ChunkSize bounds how many IDs one ack call may carry.
	ChunkSize int
	// AgedCount entries older than AgedAfter force a flush.
	AgedCount int
	AgedAfter time.Duration
	// StreamKey maps a queue name to its stream key.
	StreamKey func(queue string) string
}

func DefaultAckConfig() AckConfig {
	return AckConfig{
		BatchSize: 500,
		Max:       2000,
		ChunkSize: 2000,
		AgedCount: 50,
		AgedAfter: 50 * time.Millisecond,
		StreamKey: func(queue string) string { return queue },
	}
}

type AckBuffer struct {
	mu      sync.Mutex
	entries []AckEntry

	store  Acker
	cfg    AckConfig
	logger *slog.Logger
}

func NewAckBuffer(store Acker, cfg AckConfig, logger *slog.Logger) *AckBuffer {
	if cfg.StreamKey == nil {
		cfg.StreamKey = func(queue string) string { return queue }
	}
	return &AckBuffer{store: store, cfg: cfg, logger: logger}
}

func (b *AckBuffer) Add(e AckEntry) {
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
}

func (b *AckBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// ShouldFlush reports whether any of the three size/age triggers fired.
func (b *AckBuffer) ShouldFlush(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	if n == 0 {
		return false
	}
	if n >= b.cfg.BatchSize {
		return true
	}
	if n >= b.cfg.Max/10 {
		return true
	}
	if n >= b.cfg.AgedCount && now.Sub(b.entries[0].AddedAt) >= b.cfg.AgedAfter {
		return true
	}
	return false
}

// Flush snapshots the buffer, groups entries by (queue, group), chunks
// each group's IDs, and issues all sub-batch acks concurrently. A failed
// sub-batch is logged and dropped: the broker redelivers unacked
// messages, so the cost is duplicate work, not data loss.
func (b *AckBuffer) Flush(ctx context.Context) int {
	b.mu.Lock()
	snapshot := b.entries
	b.entries = nil
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return 0
	}

	start := time.Now()
	defer func() {
		metrics.FlushDuration.WithLabelValues("ack").Observe(time.Since(start).Seconds())
	}()

	type groupKey struct {
		queue string
		group string
	}
	groups := make(map[groupKey][]string)
	for _, e := range snapshot {
		k := groupKey{queue: e.Queue, group: e.Group}
		groups[k] = append(groups[k], e.ID)
	}

	var wg sync.WaitGroup
	for k, ids := range groups {
		for offset := 0; offset < len(ids); offset += b.cfg.ChunkSize {
			end := offset + b.cfg.ChunkSize
			if end > len(ids) {
				end = len(ids)
			}
			chunk := ids[offset:end]

			wg.Add(1)
			go func(queue, group string, chunk []string) {
				defer wg.Done()
				if _, err := b.store.Ack(ctx, b.cfg.StreamKey(queue), group, chunk...); err != nil {
					metrics.AckFlushFailures.Inc()
					b.logger.Warn("Ack sub-batch failed, messages will redeliver",
						"queue", queue, "group", group, "count", len(chunk), "error", err)
				}
			}(k.queue, k.group, chunk)
		}
	}
	wg.Wait()

	return len(snapshot)
}
