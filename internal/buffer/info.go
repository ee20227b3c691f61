package buffer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"streamq-worker/internal/metrics"
	"streamq-worker/internal/store"
)

// InfoWriter is the slice of the store the info buffer needs.
type InfoWriter interface {
	WriteTaskInfos(ctx context.Context, entries []store.TaskInfo, ttl time.Duration) error
}

type InfoConfig struct {
	// KeyPrefix is prepended to the task ID to form the record key.
	KeyPrefix string
	// TTL applied to every record write.
	TTL time.Duration
}

func DefaultInfoConfig() InfoConfig {
	return InfoConfig{KeyPrefix: "streamq:task:", TTL: time.Hour}
}

// InfoBuffer accumulates partial task record updates keyed by task ID.
// A later update for the same ID merges field-by-field into the earlier
// one, so a started_at written at execution start survives the terminal
// update.
type InfoBuffer struct {
	mu      sync.Mutex
	entries map[string]map[string]any

	writer InfoWriter
	cfg    InfoConfig
	logger *slog.Logger
}

func NewInfoBuffer(writer InfoWriter, cfg InfoConfig, logger *slog.Logger) *InfoBuffer {
	return &InfoBuffer{
		entries: make(map[string]map[string]any),
		writer:  writer,
		cfg:     cfg,
		logger:  logger,
	}
}

func (b *InfoBuffer) Add(taskID string, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.entries[taskID]
	if !ok {
		existing = make(map[string]any, len(fields))
		b.entries[taskID] = existing
	}
	for name, value := range fields {
		existing[name] = value
	}
}

func (b *InfoBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Flush swaps the buffer for a fresh map under the lock, then writes the
// snapshot in one pipelined call. Updates arriving mid-flush accumulate
// into the fresh map rather than racing the in-flight write. Within each
// record, result is emitted before status so a concurrent reader never
// sees a success status without its result.
func (b *InfoBuffer) Flush(ctx context.Context) int {
	b.mu.Lock()
	snapshot := b.entries
	b.entries = make(map[string]map[string]any)
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return 0
	}

	start := time.Now()
	defer func() {
		metrics.FlushDuration.WithLabelValues("info").Observe(time.Since(start).Seconds())
	}()

	infos := make([]store.TaskInfo, 0, len(snapshot))
	for taskID, fields := range snapshot {
		infos = append(infos, store.TaskInfo{
			Key:    b.cfg.KeyPrefix + taskID,
			Fields: orderFields(fields),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	if err := b.writer.WriteTaskInfos(ctx, infos, b.cfg.TTL); err != nil {
		metrics.InfoFlushFailures.Inc()
		b.logger.Warn("Task info flush failed, records dropped", "count", len(infos), "error", err)
	}

	return len(snapshot)
}

// orderFields emits result first and status last; everything else is
// sorted for stable output.
func orderFields(fields map[string]any) []store.Field {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if name == "result" || name == "status" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make([]store.Field, 0, len(fields))
	if v, ok := fields["result"]; ok {
		ordered = append(ordered, store.Field{Name: "result", Value: v})
	}
	for _, name := range names {
		ordered = append(ordered, store.Field{Name: name, Value: fields[name]})
	}
	if v, ok := fields["status"]; ok {
		ordered = append(ordered, store.Field{Name: "status", Value: v})
	}
	return ordered
}
