package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var validStatuses = map[string]bool{
	"running":     true,
	"success":     true,
	"error":       true,
	"rejected":    true,
	"interrupted": true,
}

func main() {
	url := flag.String("redis-url", os.Getenv("REDIS_URL"), "Redis connection URL")
	prefix := flag.String("key-prefix", "streamq", "Prefix for all Redis keys")
	staleAfter := flag.Duration("stale-after", 10*time.Minute, "Age after which a running record counts as stuck")
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

	var total, stuck, badStatus, negativeTiming int
	var cursor uint64
	pattern := *prefix + ":task:*"
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		for _, key := range keys {
			fields, err := rdb.HGetAll(ctx, key).Result()
			if err != nil {
				log.Fatalf("Read %s failed: %v", key, err)
			}
			total++

			status := fields["status"]
			if !validStatuses[status] {
				badStatus++
				continue
			}
			if status == "running" {
				if started, err := time.Parse(time.RFC3339Nano, fields["started_at"]); err == nil &&
					time.Since(started) > *staleAfter {
					stuck++
				}
				continue
			}
			for _, field := range []string{"execution_time", "total_latency"} {
				if v, err := strconv.ParseFloat(fields[field], 64); err != nil || v < 0 {
					negativeTiming++
					break
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	fmt.Printf("Total task records: %d\n", total)

	report := func(count int, fail, pass string) {
		if count > 0 {
			fmt.Printf("[FAIL] %s: %d\n", fail, count)
		} else {
			fmt.Printf("[PASS] %s\n", pass)
		}
	}
	report(stuck, "Stuck running records older than stale-after", "No stuck running records")
	report(badStatus, "Records with an unknown status", "All statuses valid")
	report(negativeTiming, "Terminal records with missing or negative timings", "All terminal timings well-formed")

	if stuck+badStatus+negativeTiming > 0 {
		os.Exit(1)
	}
}
