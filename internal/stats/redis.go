package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const workerKeyTTL = 5 * time.Minute

// RedisConsumerManager keeps per-queue counters and a per-worker
// presence hash in Redis.
type RedisConsumerManager struct {
	rdb      redis.UniversalClient
	prefix   string
	workerID string
}

func NewRedisConsumerManager(rdb redis.UniversalClient, prefix, workerID string) *RedisConsumerManager {
	return &RedisConsumerManager{rdb: rdb, prefix: prefix, workerID: workerID}
}

func (m *RedisConsumerManager) statsKey(queue string) string {
	return fmt.Sprintf("%s:stats:%s", m.prefix, queue)
}

func (m *RedisConsumerManager) workerKey() string {
	return fmt.Sprintf("%s:worker:%s", m.prefix, m.workerID)
}

func (m *RedisConsumerManager) TaskStarted(ctx context.Context, queue string) error {
	pipe := m.rdb.Pipeline()
	pipe.HIncrBy(ctx, m.statsKey(queue), "in_flight", 1)
	pipe.HSet(ctx, m.workerKey(), "last_seen", time.Now().Unix())
	pipe.Expire(ctx, m.workerKey(), workerKeyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisConsumerManager) TaskFinished(ctx context.Context, queue string) error {
	return m.rdb.HIncrBy(ctx, m.statsKey(queue), "in_flight", -1).Err()
}

func (m *RedisConsumerManager) UpdateStats(ctx context.Context, queue string, success bool, processingTime, totalLatency float64) error {
	field := "succeeded"
	if !success {
		field = "failed"
	}
	pipe := m.rdb.Pipeline()
	pipe.HIncrBy(ctx, m.statsKey(queue), field, 1)
	pipe.HIncrByFloat(ctx, m.statsKey(queue), "processing_time_sum", processingTime)
	pipe.HIncrByFloat(ctx, m.statsKey(queue), "total_latency_sum", totalLatency)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisConsumerManager) Cleanup(ctx context.Context) error {
	return m.rdb.Del(ctx, m.workerKey()).Err()
}

// Snapshot reads a queue's counters. Used by tests and the health
// endpoint; missing fields read as zero.
func (m *RedisConsumerManager) Snapshot(ctx context.Context, queue string) (succeeded, failed int64, err error) {
	vals, err := m.rdb.HGetAll(ctx, m.statsKey(queue)).Result()
	if err != nil {
		return 0, 0, err
	}
	succeeded, _ = strconv.ParseInt(vals["succeeded"], 10, 64)
	failed, _ = strconv.ParseInt(vals["failed"], 10, 64)
	return succeeded, failed, nil
}
