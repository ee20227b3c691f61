package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"streamq-worker/internal/broker"
	"streamq-worker/internal/buffer"
	"streamq-worker/internal/config"
	"streamq-worker/internal/engine"
	"streamq-worker/internal/events"
	"streamq-worker/internal/logging"
	"streamq-worker/internal/registry"
	"streamq-worker/internal/stats"
	"streamq-worker/internal/store"
	"streamq-worker/internal/web"
)

func main() {
	// 1. Config: defaults, then env, then an optional streamq.yaml/toml,
	// then flags.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	configPath := os.Getenv("STREAMQ_CONFIG")
	if configPath == "" {
		configPath = config.FindConfigFile(".")
	}
	if configPath != "" {
		fc, err := config.LoadFile(configPath)
		if err != nil {
			log.Fatalf("Failed to load config file %s: %v", configPath, err)
		}
		if err := fc.Apply(cfg); err != nil {
			log.Fatalf("Invalid config file %s: %v", configPath, err)
		}
	}

	debug := flag.Bool("debug", false, "Enable debug logging")
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// 2. Logging
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := logging.Init(cfg.WorkerID, level)
	if configPath != "" {
		logger.Info("Loaded config file", "path", configPath)
	}

	// 3. Redis
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", "url", logging.RedactURL(cfg.RedisURL), "error", err)
		os.Exit(1)
	}

	logger.Info("Initializing worker",
		"redis", logging.RedactURL(cfg.RedisURL),
		"queues", cfg.Queues,
		"group", cfg.ConsumerGroup,
		"concurrency", cfg.Concurrency)

	// 4. Components
	source := broker.NewRedisSource(rdb, cfg.KeyPrefix, cfg.ConsumerGroup, cfg.WorkerID, cfg.Queues, logger)
	if err := source.EnsureGroups(ctx); err != nil {
		logger.Error("Failed to create consumer groups", "error", err)
		os.Exit(1)
	}

	st := store.NewRedisStore(rdb)

	ackCfg := buffer.DefaultAckConfig()
	ackCfg.BatchSize = cfg.AckBatchSize
	ackCfg.Max = cfg.AckMax
	ackCfg.ChunkSize = cfg.AckChunkSize
	ackCfg.StreamKey = func(queue string) string { return broker.StreamKey(cfg.KeyPrefix, queue) }
	acks := buffer.NewAckBuffer(st, ackCfg, logger)

	infoCfg := buffer.DefaultInfoConfig()
	infoCfg.KeyPrefix = cfg.KeyPrefix + ":task:"
	infoCfg.TTL = cfg.InfoTTL
	infos := buffer.NewInfoBuffer(st, infoCfg, logger)

	cm := stats.NewRedisConsumerManager(rdb, cfg.KeyPrefix, cfg.WorkerID)
	reporter := stats.NewReporter(cm, logger)

	reg := registry.New()
	registerBuiltins(reg)

	eventBroker := events.NewBroker(0)
	dispatcher := engine.New(cfg, source, reg, acks, infos, reporter, logger)
	dispatcher.SetEvents(eventBroker)

	// 5. Background jobs: pending-entry recovery and the status server.
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	go recoverLoop(serverCtx, source, cfg.ClaimMinIdle, eventBroker, cfg.WorkerID, logger)

	allowlist, err := web.ParseCIDRAllowlist(cfg.StatusAllowlist)
	if err != nil {
		logger.Error("Invalid status allowlist", "error", err)
		os.Exit(1)
	}
	statusServer := web.NewServer(rdb, web.ServerConfig{
		Addr:      cfg.HealthAddr,
		WorkerID:  cfg.WorkerID,
		Queues:    cfg.Queues,
		Token:     cfg.StatusToken,
		Allowlist: allowlist,
	}, source, cm, eventBroker)
	go func() {
		if err := statusServer.Start(serverCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server stopped", "error", err)
		}
	}()

	// 6. Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig)
		dispatcher.Shutdown()
	}()

	// 7. Main loop
	if err := dispatcher.Run(ctx); err != nil {
		logger.Error("Dispatcher exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Worker stopped cleanly")
}

// recoverLoop periodically claims entries abandoned by dead consumers.
func recoverLoop(ctx context.Context, source *broker.RedisSource, minIdle time.Duration, pub events.Publisher, workerID string, logger *slog.Logger) {
	sweep := func() {
		n, err := source.RecoverPending(ctx, minIdle)
		if err != nil {
			logger.Warn("Pending recovery sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("Recovered pending messages", "count", n)
			pub.Publish(events.Event{Type: events.TypeRecovered, WorkerID: workerID})
		}
	}

	sweep()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

