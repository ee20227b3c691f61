package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"streamq-worker/internal/task"
)

const payloadField = "payload"

// RedisSource reads task messages from one stream per queue through a
// shared consumer group. Reads are batched by an adjustable hint and
// buffered locally so Dequeue hands out one message at a time.
type RedisSource struct {
	rdb      redis.UniversalClient
	prefix   string
	group    string
	consumer string
	queues   []string
	logger   *slog.Logger

	mu        sync.Mutex
	buffered  []*task.Message
	batchHint int64
}

func NewRedisSource(rdb redis.UniversalClient, prefix, group, consumer string, queues []string, logger *slog.Logger) *RedisSource {
	return &RedisSource{
		rdb:       rdb,
		prefix:    prefix,
		group:     group,
		consumer:  consumer,
		queues:    queues,
		logger:    logger,
		batchHint: 10,
	}
}

// EnsureGroups creates the consumer group on every queue stream.
// Existing groups are left untouched.
func (s *RedisSource) EnsureGroups(ctx context.Context) error {
	for _, queue := range s.queues {
		err := s.rdb.XGroupCreateMkStream(ctx, StreamKey(s.prefix, queue), s.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return err
		}
	}
	return nil
}

// Enqueue appends a message to its queue's stream and returns the
// assigned entry ID.
func (s *RedisSource) Enqueue(ctx context.Context, m *task.Message) (string, error) {
	payload, err := m.MarshalPayload()
	if err != nil {
		return "", err
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(s.prefix, m.Queue),
		Values: map[string]any{payloadField: string(payload)},
	}).Result()
}

func (s *RedisSource) Dequeue(ctx context.Context, timeout time.Duration) (*task.Message, error) {
	if m := s.pop(); m != nil {
		return m, nil
	}

	streams := make([]string, 0, len(s.queues)*2)
	for _, queue := range s.queues {
		streams = append(streams, StreamKey(s.prefix, queue))
	}
	for range s.queues {
		streams = append(streams, ">")
	}

	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  streams,
		Count:    s.BatchHint(),
		Block:    timeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoMessages
		}
		return nil, err
	}

	s.push(res, false)
	if m := s.pop(); m != nil {
		return m, nil
	}
	return nil, ErrNoMessages
}

func (s *RedisSource) Depth(ctx context.Context, queue string) (int64, error) {
	return s.rdb.XLen(ctx, StreamKey(s.prefix, queue)).Result()
}

// RecoverPending claims entries other consumers left pending longer
// than minIdle and feeds them into the local buffer flagged as
// recovered. Returns how many were claimed.
func (s *RedisSource) RecoverPending(ctx context.Context, minIdle time.Duration) (int, error) {
	claimed := 0
	for _, queue := range s.queues {
		stream := StreamKey(s.prefix, queue)
		start := "0-0"
		for {
			msgs, next, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    s.group,
				Consumer: s.consumer,
				MinIdle:  minIdle,
				Start:    start,
				Count:    100,
			}).Result()
			if err != nil {
				return claimed, err
			}
			for _, raw := range msgs {
				if m := s.parse(stream, raw); m != nil {
					m.Recovered = true
					s.append(m)
					claimed++
				}
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
	return claimed, nil
}

// SetBatchHint adjusts how many entries one read may pull.
func (s *RedisSource) SetBatchHint(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.batchHint = int64(n)
	s.mu.Unlock()
}

func (s *RedisSource) BatchHint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchHint
}

func (s *RedisSource) pop() *task.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffered) == 0 {
		return nil
	}
	m := s.buffered[0]
	s.buffered = s.buffered[1:]
	return m
}

func (s *RedisSource) append(m *task.Message) {
	s.mu.Lock()
	s.buffered = append(s.buffered, m)
	s.mu.Unlock()
}

func (s *RedisSource) push(res []redis.XStream, recovered bool) {
	for _, stream := range res {
		for _, raw := range stream.Messages {
			if m := s.parse(stream.Stream, raw); m != nil {
				m.Recovered = recovered
				s.append(m)
			}
		}
	}
}

func (s *RedisSource) parse(stream string, raw redis.XMessage) *task.Message {
	payload, ok := raw.Values[payloadField].(string)
	if !ok {
		s.logger.Warn("Dropping stream entry without payload", "stream", stream, "entry_id", raw.ID)
		return nil
	}
	m, err := task.UnmarshalPayload(raw.ID, []byte(payload))
	if err != nil {
		s.logger.Warn("Dropping undecodable stream entry", "stream", stream, "entry_id", raw.ID, "error", err)
		return nil
	}
	if m.Queue == "" {
		m.Queue = strings.TrimPrefix(stream, s.prefix+":q:")
	}
	return m
}
