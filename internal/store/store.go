// Package store persists acknowledgment and task record state in Redis.
package store

import (
	"context"
	"time"
)

// Store is the backing key/value store contract. Acknowledging an
// already-acked ID is a no-op at the store level.
type Store interface {
	// Ack removes message IDs from the pending set of a consumer group
	// and returns how many were actually acknowledged.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)

	// SetFieldsWithExpiry writes a field map under key and refreshes its TTL.
	SetFieldsWithExpiry(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error

	// WriteTaskInfos writes many field maps in one pipelined round trip.
	// Field order within each entry is preserved on the wire.
	WriteTaskInfos(ctx context.Context, entries []TaskInfo, ttl time.Duration) error

	Close() error
}

// TaskInfo is one task record write: ordered field/value pairs keyed by
// the record key. Order matters so a result field lands before status.
type TaskInfo struct {
	Key    string
	Fields []Field
}

type Field struct {
	Name  string
	Value any
}
