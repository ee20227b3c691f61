package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"streamq.yaml",
	"streamq.yml",
	"streamq.toml",
	".streamq.yaml",
	".streamq.yml",
	".streamq.toml",
}

type FileConfig struct {
	RedisURL string           `yaml:"redis_url" toml:"redis_url"`
	Worker   WorkerFileConfig `yaml:"worker" toml:"worker"`
}

type WorkerFileConfig struct {
	WorkerID             string   `yaml:"worker_id" toml:"worker_id"`
	KeyPrefix            string   `yaml:"key_prefix" toml:"key_prefix"`
	Queues               []string `yaml:"queues" toml:"queues"`
	ConsumerGroup        string   `yaml:"consumer_group" toml:"consumer_group"`
	Concurrency          *int     `yaml:"concurrency" toml:"concurrency"`
	PollTimeout          string   `yaml:"poll_timeout" toml:"poll_timeout"`
	FlushInterval        string   `yaml:"flush_interval" toml:"flush_interval"`
	BufferHighWater      *int     `yaml:"buffer_high_water" toml:"buffer_high_water"`
	AckBatchSize         *int     `yaml:"ack_batch_size" toml:"ack_batch_size"`
	AckMax               *int     `yaml:"ack_max" toml:"ack_max"`
	AckChunkSize         *int     `yaml:"ack_chunk_size" toml:"ack_chunk_size"`
	InfoTTL              string   `yaml:"info_ttl" toml:"info_ttl"`
	ClaimMinIdle         string   `yaml:"claim_min_idle" toml:"claim_min_idle"`
	ShutdownTimeout      string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ShutdownFlushTimeout string   `yaml:"shutdown_flush_timeout" toml:"shutdown_flush_timeout"`
	HealthAddr           string   `yaml:"health_addr" toml:"health_addr"`
	StatusToken          string   `yaml:"status_token" toml:"status_token"`
	StatusAllowlist      string   `yaml:"status_allowlist" toml:"status_allowlist"`
}

// FindConfigFile looks for a well-known config filename in dir.
// Returns "" when none exists.
func FindConfigFile(dir string) string {
	for _, name := range defaultConfigFilenames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func LoadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	switch {
	case strings.HasSuffix(path, ".toml"):
		if err := toml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return &fc, nil
}

// Apply overlays the file values onto cfg. Empty fields leave cfg alone.
func (fc *FileConfig) Apply(cfg *Config) error {
	if fc.RedisURL != "" {
		cfg.RedisURL = fc.RedisURL
	}
	w := fc.Worker
	if w.WorkerID != "" {
		cfg.WorkerID = w.WorkerID
	}
	if w.KeyPrefix != "" {
		cfg.KeyPrefix = w.KeyPrefix
	}
	if len(w.Queues) > 0 {
		cfg.Queues = w.Queues
	}
	if w.ConsumerGroup != "" {
		cfg.ConsumerGroup = w.ConsumerGroup
	}
	if w.Concurrency != nil {
		cfg.Concurrency = *w.Concurrency
	}
	if w.BufferHighWater != nil {
		cfg.BufferHighWater = *w.BufferHighWater
	}
	if w.AckBatchSize != nil {
		cfg.AckBatchSize = *w.AckBatchSize
	}
	if w.AckMax != nil {
		cfg.AckMax = *w.AckMax
	}
	if w.AckChunkSize != nil {
		cfg.AckChunkSize = *w.AckChunkSize
	}
	if w.HealthAddr != "" {
		cfg.HealthAddr = w.HealthAddr
	}
	if w.StatusToken != "" {
		cfg.StatusToken = w.StatusToken
	}
	if w.StatusAllowlist != "" {
		cfg.StatusAllowlist = w.StatusAllowlist
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{w.PollTimeout, "poll_timeout", &cfg.PollTimeout},
		{w.FlushInterval, "flush_interval", &cfg.FlushInterval},
		{w.InfoTTL, "info_ttl", &cfg.InfoTTL},
		{w.ClaimMinIdle, "claim_min_idle", &cfg.ClaimMinIdle},
		{w.ShutdownTimeout, "shutdown_timeout", &cfg.ShutdownTimeout},
		{w.ShutdownFlushTimeout, "shutdown_flush_timeout", &cfg.ShutdownFlushTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	return nil
}
