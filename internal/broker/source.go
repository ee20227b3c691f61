// Package broker supplies ready task messages from Redis streams read
// through a consumer group.
package broker

import (
	"context"
	"errors"
	"time"

	"streamq-worker/internal/task"
)

var ErrNoMessages = errors.New("no messages available")

// Source is the queue the dispatcher consumes.
type Source interface {
	// Dequeue blocks up to timeout and returns the next ready message,
	// or ErrNoMessages when none arrived in time.
	Dequeue(ctx context.Context, timeout time.Duration) (*task.Message, error)

	// Depth reports how many entries sit in a queue's stream.
	Depth(ctx context.Context, queue string) (int64, error)
}

// StreamKey names the Redis stream backing a queue.
func StreamKey(prefix, queue string) string {
	return prefix + ":q:" + queue
}
