package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"streamq-worker/internal/broker"
	"streamq-worker/internal/buffer"
	"streamq-worker/internal/config"
	"streamq-worker/internal/registry"
	"streamq-worker/internal/stats"
	"streamq-worker/internal/store"
	"streamq-worker/internal/task"
)

type fakeAcker struct {
	mu    sync.Mutex
	acked []string
	calls int
}

func (f *fakeAcker) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.acked = append(f.acked, ids...)
	return int64(len(ids)), nil
}

func (f *fakeAcker) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type fakeInfoWriter struct {
	mu      sync.Mutex
	records map[string][]store.Field
}

func (f *fakeInfoWriter) WriteTaskInfos(ctx context.Context, entries []store.TaskInfo, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string][]store.Field)
	}
	for _, e := range entries {
		f.records[e.Key] = append(f.records[e.Key], e.Fields...)
	}
	return nil
}

func (f *fakeInfoWriter) fields(key string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]any{}
	for _, field := range f.records[key] {
		out[field.Name] = field.Value
	}
	return out
}

func (f *fakeInfoWriter) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.records))
	for k := range f.records {
		keys = append(keys, k)
	}
	return keys
}

type fakeManager struct {
	mu       sync.Mutex
	started  int
	finished int
	updates  []bool
	cleaned  bool
}

func (f *fakeManager) TaskStarted(ctx context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeManager) TaskFinished(ctx context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished++
	return nil
}

func (f *fakeManager) UpdateStats(ctx context.Context, queue string, success bool, processingTime, totalLatency float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, success)
	return nil
}

func (f *fakeManager) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
	return nil
}

type fakeSource struct {
	mu       sync.Mutex
	messages []*task.Message
}

func (f *fakeSource) Dequeue(ctx context.Context, timeout time.Duration) (*task.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil, broker.ErrNoMessages
	}
	m := f.messages[0]
	f.messages = f.messages[1:]
	return m, nil
}

func (f *fakeSource) Depth(ctx context.Context, queue string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.messages)), nil
}

type testHarness struct {
	d      *Dispatcher
	reg    *registry.Registry
	source *fakeSource
	acker  *fakeAcker
	writer *fakeInfoWriter
	cm     *fakeManager
	sleeps []time.Duration
}

func testConfig() *config.Config {
	return &config.Config{
		KeyPrefix:            "streamq",
		Queues:               []string{"default"},
		ConsumerGroup:        "workers",
		Concurrency:          4,
		PollTimeout:          time.Millisecond,
		FlushInterval:        5 * time.Millisecond,
		MinFlushInterval:     time.Millisecond,
		MaxFlushInterval:     50 * time.Millisecond,
		BufferHighWater:      5000,
		AckBatchSize:         500,
		AckMax:               2000,
		AckChunkSize:         2000,
		InfoTTL:              time.Hour,
		ShutdownTimeout:      5 * time.Second,
		ShutdownFlushTimeout: 2 * time.Second,
	}
}

func newHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &testHarness{
		reg:    registry.New(),
		source: &fakeSource{},
		acker:  &fakeAcker{},
		writer: &fakeInfoWriter{},
		cm:     &fakeManager{},
	}

	ackCfg := buffer.DefaultAckConfig()
	ackCfg.BatchSize = cfg.AckBatchSize
	ackCfg.Max = cfg.AckMax
	ackCfg.ChunkSize = cfg.AckChunkSize
	acks := buffer.NewAckBuffer(h.acker, ackCfg, logger)

	infoCfg := buffer.DefaultInfoConfig()
	infos := buffer.NewInfoBuffer(h.writer, infoCfg, logger)

	reporter := stats.NewReporter(h.cm, logger)
	h.d = New(cfg, h.source, h.reg, acks, infos, reporter, logger)
	h.d.sleep = func(ctx context.Context, d time.Duration) bool {
		h.sleeps = append(h.sleeps, d)
		return true
	}
	return h
}

// flush pushes both buffers through so assertions can read the fakes.
func (h *testHarness) flush(t *testing.T) {
	t.Helper()
	h.d.flushAll(context.Background())
}

func msg(id, name string) *task.Message {
	return &task.Message{
		ID:          id,
		Queue:       "default",
		TaskName:    name,
		TriggerTime: time.Now().Add(-time.Second),
	}
}

func TestRunTaskSuccess(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "ok",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return "done", nil
		},
	})

	h.d.runTask(context.Background(), msg("1-0", "ok"))
	h.flush(t)

	if got := h.acker.ackedIDs(); len(got) != 1 || got[0] != "1-0" {
		t.Fatalf("expected single ack for 1-0, got %v", got)
	}

	fields := h.writer.fields("streamq:task:1-0")
	if fields["status"] != "success" {
		t.Fatalf("expected success status, got %v", fields["status"])
	}
	if fields["result"] != "done" {
		t.Fatalf("expected serialized result, got %v", fields["result"])
	}
	if h.cm.started != 1 || h.cm.finished != 1 {
		t.Fatalf("expected started/finished reported once, got %d/%d", h.cm.started, h.cm.finished)
	}
}

func TestRetryAttemptsBounded(t *testing.T) {
	h := newHarness(t, testConfig())
	attempts := 0
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			attempts++
			return nil, errors.New("boom")
		},
	})

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 2}
	h.d.runTask(context.Background(), m)
	h.flush(t)

	if attempts != 3 {
		t.Fatalf("expected max_retries+1 = 3 attempts, got %d", attempts)
	}
	if fields := h.writer.fields("streamq:task:1-0"); fields["status"] != "error" {
		t.Fatalf("expected terminal error, got %v", fields["status"])
	}
	if got := h.acker.ackedIDs(); len(got) != 1 {
		t.Fatalf("expected the failed task acked once, got %v", got)
	}
}

func TestExponentialBackoffDelays(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return nil, errors.New("boom")
		},
	})

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 2, Backoff: true, BackoffMax: 60}
	h.d.runTask(context.Background(), m)

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(h.sleeps) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), h.sleeps)
	}
	for i, d := range want {
		if h.sleeps[i] != d {
			t.Fatalf("sleep %d: expected %v, got %v", i, d, h.sleeps[i])
		}
	}
}

func TestBackoffCappedAtMax(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return nil, errors.New("boom")
		},
	})

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 4, Backoff: true, BackoffMax: 3}
	h.d.runTask(context.Background(), m)

	// 1s, 2s, then capped at 3s.
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	if len(h.sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), h.sleeps)
	}
	for i, d := range want {
		if h.sleeps[i] != d {
			t.Fatalf("sleep %d: expected %v, got %v", i, d, h.sleeps[i])
		}
	}
}

func TestFlatDelayWithoutBackoff(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return nil, errors.New("boom")
		},
	})

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 2}
	h.d.runTask(context.Background(), m)

	for i, d := range h.sleeps {
		if d != time.Second {
			t.Fatalf("sleep %d: expected flat 1s, got %v", i, d)
		}
	}
}

func TestSuggestedDelayOverridesBackoff(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return nil, &task.RetryableError{Message: "busy", Delay: 5 * time.Second}
		},
	})

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 1, Backoff: true, BackoffMax: 60}
	h.d.runTask(context.Background(), m)

	if len(h.sleeps) != 1 || h.sleeps[0] != 5*time.Second {
		t.Fatalf("expected one 5s sleep, got %v", h.sleeps)
	}
}

func TestRetryAllowListBlocksOtherKinds(t *testing.T) {
	h := newHarness(t, testConfig())
	attempts := 0
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			attempts++
			return nil, task.NewError("ValueError", "bad input")
		},
	})

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 3, RetryOn: []string{"TimeoutError"}}
	h.d.runTask(context.Background(), m)
	h.flush(t)

	if attempts != 1 {
		t.Fatalf("non-retryable kind must not retry, got %d attempts", attempts)
	}
	if fields := h.writer.fields("streamq:task:1-0"); fields["status"] != "error" {
		t.Fatalf("expected error status, got %v", fields["status"])
	}
}

func TestRetryAllowListPermitsMatchingKind(t *testing.T) {
	h := newHarness(t, testConfig())
	attempts := 0
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			attempts++
			if attempts < 2 {
				return nil, task.NewError("TimeoutError", "deadline")
			}
			return "recovered", nil
		},
	})

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 3, RetryOn: []string{"TimeoutError"}}
	h.d.runTask(context.Background(), m)
	h.flush(t)

	if attempts != 2 {
		t.Fatalf("expected retry then success, got %d attempts", attempts)
	}
	if fields := h.writer.fields("streamq:task:1-0"); fields["status"] != "success" {
		t.Fatalf("expected success after retry, got %v", fields["status"])
	}
}

func TestDelayedMessageSkippedWithoutWrites(t *testing.T) {
	h := newHarness(t, testConfig())
	called := false
	h.reg.Register(&registry.Task{
		Name: "later",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			called = true
			return nil, nil
		},
	})

	m := msg("1-0", "later")
	m.IsDelayed = true
	m.ExecuteAt = time.Now().Add(10 * time.Second)
	h.d.runTask(context.Background(), m)
	h.flush(t)

	if called {
		t.Fatal("delayed message must not execute")
	}
	if got := h.acker.ackedIDs(); len(got) != 0 {
		t.Fatalf("delayed message must not ack, got %v", got)
	}
	if keys := h.writer.keys(); len(keys) != 0 {
		t.Fatalf("delayed message must not write state, got %v", keys)
	}
}

func TestDelayedMessageDueRunsNormally(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "later",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return "ran", nil
		},
	})

	m := msg("1-0", "later")
	m.IsDelayed = true
	m.ExecuteAt = time.Now().Add(-time.Second)
	h.d.runTask(context.Background(), m)
	h.flush(t)

	if fields := h.writer.fields("streamq:task:1-0"); fields["status"] != "success" {
		t.Fatalf("due delayed message must run, got %v", fields["status"])
	}
}

func TestLookupFailureFinalizesError(t *testing.T) {
	h := newHarness(t, testConfig())

	m := msg("1-0", "ghost")
	m.TriggerTime = time.Time{} // recovered messages may lack one
	h.d.runTask(context.Background(), m)
	h.flush(t)

	fields := h.writer.fields("streamq:task:1-0")
	if fields["status"] != "error" {
		t.Fatalf("expected error status, got %v", fields["status"])
	}
	if errMsg, _ := fields["error"].(string); !strings.Contains(errMsg, "ghost") {
		t.Fatalf("expected error naming the task, got %v", fields["error"])
	}
	if lat, ok := fields["total_latency"].(float64); !ok || lat < 0 {
		t.Fatalf("expected clamped non-negative latency, got %v", fields["total_latency"])
	}
	if got := h.acker.ackedIDs(); len(got) != 1 {
		t.Fatalf("lookup failure must still ack, got %v", got)
	}
}

func TestOnBeforeRejection(t *testing.T) {
	h := newHarness(t, testConfig())
	executed := false
	var endResult any = "sentinel"
	h.reg.Register(&registry.Task{
		Name: "guarded",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			executed = true
			return "x", nil
		},
		OnBefore: func(ctx context.Context, m *task.Message) (bool, error) {
			return true, nil
		},
		OnEnd: func(ctx context.Context, m *task.Message, result any) *task.Hint {
			endResult = result
			return nil
		},
	})

	h.d.runTask(context.Background(), msg("1-0", "guarded"))
	h.flush(t)

	if executed {
		t.Fatal("rejected task must not execute")
	}
	if endResult != nil {
		t.Fatalf("on_end must receive the nil final result, got %v", endResult)
	}

	fields := h.writer.fields("streamq:task:1-0")
	if fields["status"] != "rejected" {
		t.Fatalf("expected rejected status, got %v", fields["status"])
	}
	if _, has := fields["result"]; has {
		t.Fatal("rejected task must have no result field")
	}
	if got := h.acker.ackedIDs(); len(got) != 1 {
		t.Fatalf("rejection must still ack, got %v", got)
	}
}

func TestOnEndInvokedOnError(t *testing.T) {
	h := newHarness(t, testConfig())
	endCalled := false
	h.reg.Register(&registry.Task{
		Name: "bad",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return nil, errors.New("boom")
		},
		OnEnd: func(ctx context.Context, m *task.Message, result any) *task.Hint {
			endCalled = true
			if result != nil {
				t.Errorf("expected nil result on error, got %v", result)
			}
			return nil
		},
	})

	h.d.runTask(context.Background(), msg("1-0", "bad"))

	if !endCalled {
		t.Fatal("on_end must run on the error path")
	}
}

func TestInterruptedDuringRetryWait(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return nil, errors.New("boom")
		},
	})
	h.d.sleep = func(ctx context.Context, d time.Duration) bool {
		return false // as if shutdown interrupted the wait
	}

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 5}
	h.d.runTask(context.Background(), m)
	h.flush(t)

	if fields := h.writer.fields("streamq:task:1-0"); fields["status"] != "interrupted" {
		t.Fatalf("expected interrupted status, got %v", fields["status"])
	}
}

func TestShutdownAbortsRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	attempts := 0
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			attempts++
			h.d.Shutdown()
			return nil, errors.New("boom")
		},
	})

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 5}
	h.d.runTask(context.Background(), m)
	h.flush(t)

	if attempts != 1 {
		t.Fatalf("shutdown must abort the retry loop, got %d attempts", attempts)
	}
	if fields := h.writer.fields("streamq:task:1-0"); fields["status"] != "interrupted" {
		t.Fatalf("expected interrupted status, got %v", fields["status"])
	}
}

func TestPanicBecomesTerminalError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "explosive",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			panic("kaboom")
		},
	})

	h.d.runTask(context.Background(), msg("1-0", "explosive"))
	h.flush(t)

	fields := h.writer.fields("streamq:task:1-0")
	if fields["status"] != "error" {
		t.Fatalf("expected error status after panic, got %v", fields["status"])
	}
	if errMsg, _ := fields["error"].(string); !strings.Contains(errMsg, "kaboom") {
		t.Fatalf("expected panic value in error, got %v", fields["error"])
	}
	if tb, _ := fields["traceback"].(string); tb == "" {
		t.Fatal("expected a captured traceback")
	}
}

func TestRoutingBookkeeping(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "routed",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			if got := h.d.routes.InFlight("tenant-7"); got != 1 {
				t.Errorf("expected in-flight 1 during execution, got %d", got)
			}
			return nil, nil
		},
		OnEnd: func(ctx context.Context, m *task.Message, result any) *task.Hint {
			return &task.Hint{UrgentRetry: true, Delay: time.Minute}
		},
	})

	m := msg("1-0", "routed")
	m.RoutingKey = "tenant-7"
	h.d.runTask(context.Background(), m)

	if got := h.d.routes.InFlight("tenant-7"); got != 0 {
		t.Fatalf("expected in-flight decremented on finalize, got %d", got)
	}
	if !h.d.routes.TakeUrgent("tenant-7") {
		t.Fatal("expected urgent-retry flag set")
	}
	next, ok := h.d.routes.NextRun("tenant-7")
	if !ok || time.Until(next) < 50*time.Second {
		t.Fatalf("expected re-run scheduled ~1m out, got %v (ok=%v)", next, ok)
	}
}

func TestExecutionTimeCoversFinalAttemptOnly(t *testing.T) {
	h := newHarness(t, testConfig())
	attempts := 0
	h.reg.Register(&registry.Task{
		Name: "flaky",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			attempts++
			if attempts < 3 {
				time.Sleep(20 * time.Millisecond)
				return nil, errors.New("boom")
			}
			return "ok", nil
		},
	})

	m := msg("1-0", "flaky")
	m.Retry = task.RetryConfig{MaxRetries: 2}
	h.d.runTask(context.Background(), m)
	h.flush(t)

	fields := h.writer.fields("streamq:task:1-0")
	execTime, ok := fields["execution_time"].(float64)
	if !ok {
		t.Fatalf("missing execution_time: %v", fields)
	}
	// The final attempt returns immediately; earlier slow attempts must
	// not be counted.
	if execTime > 0.015 {
		t.Fatalf("execution_time must cover the final attempt only, got %v", execTime)
	}
}

func TestResultSerializedBeforeBuffering(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "structured",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return map[string]int{"count": 3}, nil
		},
	})

	h.d.runTask(context.Background(), msg("1-0", "structured"))
	h.flush(t)

	fields := h.writer.fields("streamq:task:1-0")
	if fields["result"] != `{"count":3}` {
		t.Fatalf("expected JSON-serialized result, got %v", fields["result"])
	}
}

func TestStatsReportedPerOutcome(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.Register(&registry.Task{
		Name: "ok",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return nil, nil
		},
	})
	h.reg.Register(&registry.Task{
		Name: "bad",
		Handler: func(ctx context.Context, m *task.Message) (any, error) {
			return nil, errors.New("boom")
		},
	})

	h.d.runTask(context.Background(), msg("1-0", "ok"))
	h.d.runTask(context.Background(), msg("2-0", "bad"))

	if len(h.cm.updates) != 2 {
		t.Fatalf("expected 2 stats updates, got %d", len(h.cm.updates))
	}
	if !h.cm.updates[0] || h.cm.updates[1] {
		t.Fatalf("expected [success, failure], got %v", h.cm.updates)
	}
}

func TestUnregisteredTasksIDsStayDistinct(t *testing.T) {
	h := newHarness(t, testConfig())
	for i := 0; i < 5; i++ {
		h.d.runTask(context.Background(), msg(fmt.Sprintf("%d-0", i), "ghost"))
	}
	h.flush(t)

	if got := len(h.writer.keys()); got != 5 {
		t.Fatalf("expected 5 distinct records, got %d", got)
	}
}
