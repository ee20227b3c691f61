package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
	StatusRejected    Status = "rejected"
	StatusInterrupted Status = "interrupted"
)

// RetryConfig controls how a failed attempt is retried.
// A nil RetryOn allow-list means every error kind is retryable.
type RetryConfig struct {
	MaxRetries int      `json:"max_retries"`
	Backoff    bool     `json:"retry_backoff"`
	BackoffMax float64  `json:"retry_backoff_max"`
	RetryOn    []string `json:"retry_on,omitempty"`
}

// Message is one dequeued task invocation. ID is the broker-assigned
// stream entry ID and doubles as the task record key.
type Message struct {
	ID          string         `json:"-"`
	Queue       string         `json:"queue"`
	TaskName    string         `json:"task_name"`
	Args        []any          `json:"args,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`
	TriggerTime time.Time      `json:"trigger_time"`
	RoutingKey  string         `json:"routing_key,omitempty"`
	Retry       RetryConfig    `json:"retry"`
	IsDelayed   bool           `json:"is_delayed,omitempty"`
	ExecuteAt   time.Time      `json:"execute_at,omitempty"`

	// Recovered marks a message reclaimed from another consumer's
	// pending list after a crash. Its trigger time may be absent.
	Recovered bool `json:"-"`
}

func (m *Message) MarshalPayload() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalPayload(id string, payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	m.ID = id
	return &m, nil
}

// Outcome is the terminal record of one message's execution.
// ExecutionTime covers only the final attempt; TotalLatency is measured
// from the trigger time and clamped at zero.
type Outcome struct {
	Status        Status
	Result        any
	ErrMsg        string
	Traceback     string
	StartedAt     time.Time
	CompletedAt   time.Time
	ExecutionTime float64
	TotalLatency  float64
}

// Hint carries routing feedback returned by lifecycle hooks.
type Hint struct {
	UrgentRetry bool
	Delay       time.Duration
}
