package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"streamq-worker/internal/broker"
	"streamq-worker/internal/task"
)

func main() {
	url := flag.String("redis-url", os.Getenv("REDIS_URL"), "Redis connection URL")
	prefix := flag.String("key-prefix", "streamq", "Prefix for all Redis keys")
	group := flag.String("group", "workers", "Consumer group to create on each stream")
	count := flag.Int("count", 1000, "Number of tasks to enqueue")
	writers := flag.Int("writers", 10, "Concurrent enqueue goroutines")
	flag.Parse()

	if *url == "" {
		log.Fatal("REDIS_URL is required")
	}

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
	source := broker.NewRedisSource(rdb, *prefix, *group, "torture", []string{"default"}, quiet)
	if err := source.EnsureGroups(ctx); err != nil {
		log.Fatalf("Failed to create consumer groups: %v", err)
	}

	fmt.Printf("Starting torture test: enqueuing %d tasks with %d writers...\n", *count, *writers)
	start := time.Now()

	per := (*count + *writers - 1) / *writers
	var wg sync.WaitGroup
	for w := 0; w < *writers; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := offset; i < offset+per && i < *count; i++ {
				m := &task.Message{
					Queue:       "default",
					TaskName:    "builtin.echo",
					Args:        []any{i},
					TriggerTime: time.Now(),
				}
				if _, err := source.Enqueue(ctx, m); err != nil {
					fmt.Printf("Enqueue error: %v\n", err)
				}
			}
		}(w * per)
	}
	wg.Wait()

	fmt.Printf("Enqueued %d tasks in %v. Watch /stats on the worker to follow progress.\n", *count, time.Since(start))
}
