package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"streamq-worker/internal/broker"
	"streamq-worker/internal/task"
)

func main() {
	url := flag.String("redis-url", os.Getenv("REDIS_URL"), "Redis connection URL")
	prefix := flag.String("key-prefix", "streamq", "Prefix for all Redis keys")
	group := flag.String("group", "workers", "Consumer group to create on each stream")
	numTasks := flag.Int("tasks", 1000, "Number of tasks to enqueue")
	queues := flag.String("queues", "default,high,low", "Comma-separated list of queues")
	taskNames := flag.String("task-names", "builtin.echo,builtin.sleep,builtin.fail", "Comma-separated task names to mix")
	delayedPercent := flag.Int("delayed-percent", 10, "Percentage of tasks scheduled in the future")
	routedPercent := flag.Int("routed-percent", 20, "Percentage of tasks carrying a routing key")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")

	flag.Parse()

	if *url == "" {
		log.Fatal("REDIS_URL is required via -redis-url or env")
	}

	r := rand.New(rand.NewSource(*seed))
	queueList := strings.Split(*queues, ",")
	nameList := strings.Split(*taskNames, ",")

	opts, err := redis.ParseURL(*url)
	if err != nil {
		log.Fatalf("Invalid Redis URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	source := broker.NewRedisSource(rdb, *prefix, *group, "loadgen", queueList, quiet)
	if err := source.EnsureGroups(ctx); err != nil {
		log.Fatalf("Failed to create consumer groups: %v", err)
	}

	log.Printf("Enqueuing %d tasks...", *numTasks)
	start := time.Now()

	for i := 0; i < *numTasks; i++ {
		name := nameList[r.Intn(len(nameList))]
		m := &task.Message{
			Queue:       queueList[r.Intn(len(queueList))],
			TaskName:    name,
			Args:        []any{uuid.NewString()},
			Kwargs:      map[string]any{},
			TriggerTime: time.Now(),
		}

		switch name {
		case "builtin.sleep":
			m.Kwargs["seconds"] = r.Float64() * 0.05
		case "builtin.fail":
			m.Retry = task.RetryConfig{MaxRetries: 2, Backoff: true, BackoffMax: 5}
		}

		if r.Intn(100) < *delayedPercent {
			m.IsDelayed = true
			m.ExecuteAt = time.Now().Add(time.Duration(r.Intn(300)) * time.Second)
		}
		if r.Intn(100) < *routedPercent {
			m.RoutingKey = fmt.Sprintf("tenant-%d", r.Intn(8))
		}

		if _, err := source.Enqueue(ctx, m); err != nil {
			log.Fatalf("Failed to enqueue task: %v", err)
		}

		if (i+1)%100 == 0 {
			fmt.Printf(".")
		}
	}

	fmt.Println()
	log.Printf("Done in %v", time.Since(start))
}
