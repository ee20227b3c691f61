package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis stream (acks) and hashes
// (task records).
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.rdb.XAck(ctx, stream, group, ids...).Result()
}

func (s *RedisStore) SetFieldsWithExpiry(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	args := make([]any, 0, len(fields)*2)
	for name, value := range fields {
		args = append(args, name, value)
	}
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) WriteTaskInfos(ctx context.Context, entries []TaskInfo, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, entry := range entries {
		args := make([]any, 0, len(entry.Fields)*2)
		for _, f := range entry.Fields {
			args = append(args, f.Name, f.Value)
		}
		pipe.HSet(ctx, entry.Key, args...)
		pipe.Expire(ctx, entry.Key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
