package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 10000, "Total number of critical sections")
	backend     = flag.String("backend", "memory", "Lock store: memory or redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
	wait        = flag.Duration("wait", 10*time.Second, "How long each client waits for the lock")
	poll        = flag.Duration("poll", time.Millisecond, "Retry interval while waiting")
)

func validateFlags(concurrency, requests int) error {
	if concurrency <= 0 {
		return fmt.Errorf("-c must be positive, got %d", concurrency)
	}
	if requests < concurrency {
		return fmt.Errorf("-n must be at least -c (%d), got %d", concurrency, requests)
	}
	return nil
}

func main() {
	flag.Parse()
	if err := validateFlags(*concurrency, *requests); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	log.Printf("Starting benchmark: %d critical sections, %d concurrency, backend %s", *requests, *concurrency, *backend)

	var factory *lock.Factory
	switch *backend {
	case "memory":
		factory = presets.NewInMemoryStandalone(lock.WithPollInterval(*poll))
	case "redis":
		f, client := presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, lock.WithPollInterval(*poll))
		defer client.Close()
		factory = f
	default:
		log.Fatalf("unknown backend %q", *backend)
	}

	ctx := context.Background()

	var wg sync.WaitGroup
	var ops, timeouts, errorsCount, overlaps int64
	var inside int32

	start := time.Now()
	perWorker := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := factory.New("bench_lock", time.Minute)
			if err != nil {
				atomic.AddInt64(&errorsCount, 1)
				return
			}
			for j := 0; j < perWorker; j++ {
				err := l.Block(ctx, *wait, func(context.Context) error {
					if atomic.AddInt32(&inside, 1) != 1 {
						atomic.AddInt64(&overlaps, 1)
					}
					atomic.AddInt32(&inside, -1)
					return nil
				})
				switch {
				case errors.Is(err, lock.ErrTimeout):
					atomic.AddInt64(&timeouts, 1)
				case err != nil:
					atomic.AddInt64(&errorsCount, 1)
				default:
					atomic.AddInt64(&ops, 1)
				}
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	log.Printf("Finished in %v", elapsed)
	if ops > 0 {
		log.Printf("Throughput: %.2f sections/s", float64(ops)/elapsed.Seconds())
		log.Printf("Avg Latency: %v", elapsed/time.Duration(ops))
	}
	if timeouts > 0 {
		log.Printf("Timeouts: %d", timeouts)
	}
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
	if overlaps > 0 {
		log.Fatalf("Mutual exclusion violated %d times", overlaps)
	}
}
