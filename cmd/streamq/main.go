// Command streamq is the operator CLI: enqueue tasks, inspect task
// records, and read queue depths and counters without stopping workers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"streamq-worker/internal/broker"
	"streamq-worker/internal/stats"
	"streamq-worker/internal/task"
)

const Version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("streamq version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "inspect":
		runInspect(os.Args[2:])
	case "depth":
		runDepth(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "replay":
		runReplay(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: streamq <enqueue|inspect|depth|stats|replay|version> [args]")
}

type connFlags struct {
	url    *string
	prefix *string
}

func bindConnFlags(fs *flag.FlagSet) connFlags {
	return connFlags{
		url:    fs.String("redis-url", os.Getenv("REDIS_URL"), "Redis connection URL"),
		prefix: fs.String("key-prefix", "streamq", "Prefix for all Redis keys"),
	}
}

func (cf connFlags) connect() (redis.UniversalClient, string) {
	if *cf.url == "" {
		log.Fatal("REDIS_URL is required via -redis-url or env")
	}
	opts, err := redis.ParseURL(*cf.url)
	if err != nil {
		log.Fatalf("Invalid Redis URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	return rdb, *cf.prefix
}

func quietSource(rdb redis.UniversalClient, prefix, group string, queues []string) *broker.RedisSource {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return broker.NewRedisSource(rdb, prefix, group, "streamq-cli", queues, quiet)
}

func runEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	cf := bindConnFlags(fs)
	queue := fs.String("queue", "default", "Queue to enqueue onto")
	group := fs.String("group", "workers", "Consumer group to create if missing")
	name := fs.String("task", "", "Task name (required)")
	argsJSON := fs.String("args", "[]", "Positional arguments as a JSON array")
	kwargsJSON := fs.String("kwargs", "{}", "Keyword arguments as a JSON object")
	routingKey := fs.String("routing-key", "", "Optional routing key")
	delay := fs.Duration("delay", 0, "Schedule execution this far in the future")
	maxRetries := fs.Int("max-retries", 0, "Retry attempts after the first failure")
	backoff := fs.Bool("backoff", false, "Use exponential backoff between retries")
	backoffMax := fs.Float64("backoff-max", 60, "Backoff cap in seconds")
	fs.Parse(args)

	if *name == "" {
		log.Fatal("-task is required")
	}

	m := &task.Message{
		Queue:       *queue,
		TaskName:    *name,
		TriggerTime: time.Now(),
		RoutingKey:  *routingKey,
		Retry: task.RetryConfig{
			MaxRetries: *maxRetries,
			Backoff:    *backoff,
			BackoffMax: *backoffMax,
		},
	}
	if err := json.Unmarshal([]byte(*argsJSON), &m.Args); err != nil {
		log.Fatalf("Invalid -args: %v", err)
	}
	if err := json.Unmarshal([]byte(*kwargsJSON), &m.Kwargs); err != nil {
		log.Fatalf("Invalid -kwargs: %v", err)
	}
	if *delay > 0 {
		m.IsDelayed = true
		m.ExecuteAt = time.Now().Add(*delay)
	}

	rdb, prefix := cf.connect()
	defer rdb.Close()

	source := quietSource(rdb, prefix, *group, []string{*queue})
	ctx := context.Background()
	if err := source.EnsureGroups(ctx); err != nil {
		log.Fatalf("Failed to create consumer group: %v", err)
	}
	id, err := source.Enqueue(ctx, m)
	if err != nil {
		log.Fatalf("Enqueue failed: %v", err)
	}
	fmt.Println(id)
}

func runInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	cf := bindConnFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		log.Fatal("usage: streamq inspect [flags] <task-id>")
	}
	taskID := fs.Arg(0)

	rdb, prefix := cf.connect()
	defer rdb.Close()

	fields, err := rdb.HGetAll(context.Background(), prefix+":task:"+taskID).Result()
	if err != nil {
		log.Fatalf("Read failed: %v", err)
	}
	if len(fields) == 0 {
		log.Fatalf("No record for task %s (expired or never ran)", taskID)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-16s %s\n", name, fields[name])
	}
}

func runDepth(args []string) {
	fs := flag.NewFlagSet("depth", flag.ExitOnError)
	cf := bindConnFlags(fs)
	queues := fs.String("queues", "default", "Comma-separated queue names")
	fs.Parse(args)

	rdb, prefix := cf.connect()
	defer rdb.Close()

	queueList := strings.Split(*queues, ",")
	source := quietSource(rdb, prefix, "workers", queueList)
	ctx := context.Background()
	for _, queue := range queueList {
		depth, err := source.Depth(ctx, queue)
		if err != nil {
			log.Fatalf("Depth %s failed: %v", queue, err)
		}
		fmt.Printf("%-16s %d\n", queue, depth)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	cf := bindConnFlags(fs)
	queues := fs.String("queues", "default", "Comma-separated queue names")
	fs.Parse(args)

	rdb, prefix := cf.connect()
	defer rdb.Close()

	cm := stats.NewRedisConsumerManager(rdb, prefix, "streamq-cli")
	ctx := context.Background()
	fmt.Printf("%-16s %10s %10s\n", "queue", "succeeded", "failed")
	for _, queue := range strings.Split(*queues, ",") {
		succeeded, failed, err := cm.Snapshot(ctx, queue)
		if err != nil {
			log.Fatalf("Stats %s failed: %v", queue, err)
		}
		fmt.Printf("%-16s %10d %10d\n", queue, succeeded, failed)
	}
}

// runReplay re-enqueues an existing stream entry as a fresh message.
// The original entry is left alone; its consumer group state decides
// whether it still redelivers.
func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	cf := bindConnFlags(fs)
	queue := fs.String("queue", "default", "Queue the entry lives on")
	group := fs.String("group", "workers", "Consumer group to create if missing")
	fs.Parse(args)

	if fs.NArg() != 1 {
		log.Fatal("usage: streamq replay [flags] <entry-id>")
	}
	entryID := fs.Arg(0)

	rdb, prefix := cf.connect()
	defer rdb.Close()

	ctx := context.Background()
	entries, err := rdb.XRange(ctx, broker.StreamKey(prefix, *queue), entryID, entryID).Result()
	if err != nil {
		log.Fatalf("Read entry failed: %v", err)
	}
	if len(entries) == 0 {
		log.Fatalf("No entry %s on queue %s", entryID, *queue)
	}

	payload, ok := entries[0].Values["payload"].(string)
	if !ok {
		log.Fatalf("Entry %s has no payload field", entryID)
	}
	m, err := task.UnmarshalPayload(entryID, []byte(payload))
	if err != nil {
		log.Fatalf("Decode payload failed: %v", err)
	}
	m.TriggerTime = time.Now()

	source := quietSource(rdb, prefix, *group, []string{*queue})
	if err := source.EnsureGroups(ctx); err != nil {
		log.Fatalf("Failed to create consumer group: %v", err)
	}
	newID, err := source.Enqueue(ctx, m)
	if err != nil {
		log.Fatalf("Enqueue failed: %v", err)
	}
	fmt.Printf("Replayed %s as %s\n", entryID, newID)
}
