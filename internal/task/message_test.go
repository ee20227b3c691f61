package task

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStatusValues(t *testing.T) {
	tests := map[string]struct {
		got  Status
		want Status
	}{
		"running":     {got: StatusRunning, want: "running"},
		"success":     {got: StatusSuccess, want: "success"},
		"error":       {got: StatusError, want: "error"},
		"rejected":    {got: StatusRejected, want: "rejected"},
		"interrupted": {got: StatusInterrupted, want: "interrupted"},
	}

	for name, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s: expected %q, got %q", name, tt.want, tt.got)
		}
	}
}

func TestPayloadRoundTripKeepsRetryConfig(t *testing.T) {
	m := &Message{
		Queue:       "default",
		TaskName:    "send_email",
		Args:        []any{"a@b.c"},
		TriggerTime: time.Unix(1700000000, 0).UTC(),
		Retry: RetryConfig{
			MaxRetries: 3,
			Backoff:    true,
			BackoffMax: 60,
			RetryOn:    []string{"TimeoutError"},
		},
	}

	raw, err := m.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := UnmarshalPayload("1700000000-0", raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "1700000000-0" {
		t.Fatalf("expected stream ID to be attached, got %q", got.ID)
	}
	if got.Retry.MaxRetries != 3 || !got.Retry.Backoff {
		t.Fatalf("retry config lost: %+v", got.Retry)
	}
	if len(got.Retry.RetryOn) != 1 || got.Retry.RetryOn[0] != "TimeoutError" {
		t.Fatalf("retry allow-list lost: %v", got.Retry.RetryOn)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "named", err: NewError("TimeoutError", "deadline hit"), want: "TimeoutError"},
		{name: "wrapped named", err: fmt.Errorf("attempt 2: %w", NewError("ConnError", "")), want: "ConnError"},
		{name: "retryable", err: &RetryableError{Message: "busy"}, want: "RetryableError"},
		{name: "plain", err: errors.New("boom"), want: "errorString"},
	}

	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Fatalf("%s: expected %q, got %q", tt.name, tt.want, got)
		}
	}
}

func TestSuggestedDelay(t *testing.T) {
	if _, ok := SuggestedDelay(errors.New("plain")); ok {
		t.Fatal("plain errors must not suggest a delay")
	}

	d, ok := SuggestedDelay(&RetryableError{Message: "busy", Delay: 5 * time.Second})
	if !ok || d != 5*time.Second {
		t.Fatalf("expected 5s suggested delay, got %v (ok=%v)", d, ok)
	}

	if _, ok := SuggestedDelay(&RetryableError{Message: "busy"}); ok {
		t.Fatal("zero delay must not count as a suggestion")
	}
}

func TestJSONSerializerPassesStringsThrough(t *testing.T) {
	var s Serializer = JSONSerializer{}

	got, err := s.Dumps("already a string")
	if err != nil {
		t.Fatalf("dumps: %v", err)
	}
	if got != "already a string" {
		t.Fatalf("expected passthrough, got %q", got)
	}

	got, err = s.Dumps(map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("dumps map: %v", err)
	}
	if got != `{"n":1}` {
		t.Fatalf("expected JSON encoding, got %q", got)
	}
}
