package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RedisURL      string
	WorkerID      string
	KeyPrefix     string
	Queues        []string
	ConsumerGroup string

	Concurrency int
	PollTimeout time.Duration

	FlushInterval    time.Duration
	MinFlushInterval time.Duration
	MaxFlushInterval time.Duration
	BufferHighWater  int

	AckBatchSize int
	AckMax       int
	AckChunkSize int

	InfoTTL time.Duration

	ClaimMinIdle         time.Duration
	ShutdownTimeout      time.Duration
	ShutdownFlushTimeout time.Duration

	HealthAddr      string
	StatusToken     string
	StatusAllowlist string
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis connection URL")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.StringVar(&c.KeyPrefix, "key-prefix", c.KeyPrefix, "Prefix for all Redis keys")
	fs.Func("queues", "Comma-separated queue names to consume", func(v string) error {
		c.Queues = splitQueues(v)
		return nil
	})
	fs.StringVar(&c.ConsumerGroup, "group", c.ConsumerGroup, "Consumer group name")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "Maximum tasks in flight")
	fs.DurationVar(&c.PollTimeout, "poll-timeout", c.PollTimeout, "Queue receive timeout per iteration")
	fs.DurationVar(&c.InfoTTL, "info-ttl", c.InfoTTL, "TTL on persisted task records")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for in-flight tasks on shutdown")
	fs.DurationVar(&c.ShutdownFlushTimeout, "shutdown-flush-timeout", c.ShutdownFlushTimeout, "Time budget for the final buffer flush")
	fs.StringVar(&c.HealthAddr, "health-addr", c.HealthAddr, "HTTP address for health/metrics")
	fs.StringVar(&c.StatusToken, "status-token", c.StatusToken, "Bearer token required on status endpoints")
	fs.StringVar(&c.StatusAllowlist, "status-allowlist", c.StatusAllowlist, "Comma-separated CIDRs allowed on status endpoints")
}

func Load() (*Config, error) {
	cfg := defaults()

	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.RedisURL = url
	}

	if id := os.Getenv("WORKER_ID"); id != "" {
		cfg.WorkerID = id
	} else {
		hostname, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("worker-%s-%d", hostname, time.Now().Unix())
	}

	if queues := os.Getenv("QUEUE_NAMES"); queues != "" {
		cfg.Queues = splitQueues(queues)
	}

	if group := os.Getenv("CONSUMER_GROUP"); group != "" {
		cfg.ConsumerGroup = group
	}

	if raw := os.Getenv("CONCURRENCY"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CONCURRENCY %q", raw)
		}
		cfg.Concurrency = n
	}

	if raw := os.Getenv("POLL_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_TIMEOUT %q", raw)
		}
		cfg.PollTimeout = d
	}

	if raw := os.Getenv("INFO_TTL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid INFO_TTL %q", raw)
		}
		cfg.InfoTTL = d
	}

	if addr := os.Getenv("HEALTH_ADDR"); addr != "" {
		cfg.HealthAddr = addr
	}

	if token := os.Getenv("STATUS_TOKEN"); token != "" {
		cfg.StatusToken = token
	}

	if allow := os.Getenv("STATUS_ALLOWLIST"); allow != "" {
		cfg.StatusAllowlist = allow
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		RedisURL:      "redis://localhost:6379/0",
		KeyPrefix:     "streamq",
		Queues:        []string{"default"},
		ConsumerGroup: "workers",

		Concurrency: 32,
		PollTimeout: 100 * time.Millisecond,

		FlushInterval:    50 * time.Millisecond,
		MinFlushInterval: 5 * time.Millisecond,
		MaxFlushInterval: 50 * time.Millisecond,
		BufferHighWater:  5000,

		AckBatchSize: 500,
		AckMax:       2000,
		AckChunkSize: 2000,

		InfoTTL: time.Hour,

		ClaimMinIdle:         5 * time.Minute,
		ShutdownTimeout:      30 * time.Second,
		ShutdownFlushTimeout: 2 * time.Second,

		HealthAddr: ":8080",
	}
}

// Validate clamps the flush interval into its documented bounds and
// rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("at least one queue is required")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.AckChunkSize <= 0 {
		return fmt.Errorf("ack chunk size must be positive")
	}
	if c.FlushInterval < c.MinFlushInterval {
		c.FlushInterval = c.MinFlushInterval
	}
	if c.FlushInterval > c.MaxFlushInterval {
		c.FlushInterval = c.MaxFlushInterval
	}
	return nil
}

func splitQueues(raw string) []string {
	parts := strings.Split(raw, ",")
	queues := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			queues = append(queues, trimmed)
		}
	}
	return queues
}
