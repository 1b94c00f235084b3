// Command bufferpool-bench drives a buffer pool with a configurable
// number of concurrent clients, each repeatedly locking a uniformly
// random key, incrementing its value, and marking it dirty — the same
// workload shape the pool's originating prototype used to exercise itself
// — and reports the resulting throughput.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/kvpager/bufferpool"
)

func main() {
	var (
		path      = pflag.String("file", "bufferpool-bench.db", "backing file path")
		nData     = pflag.Uint32("records", 100_000, "number of records in the backing file")
		capacity  = pflag.Int("capacity", 512, "resident entry capacity")
		threshold = pflag.Int("threshold", 16, "reclaim threshold")
		workers   = pflag.Int("workers", 4, "storage worker count")
		nClients  = pflag.Int("clients", 20, "number of concurrent client goroutines")
		duration  = pflag.Duration("duration", 5*time.Second, "how long to run the workload")
		logLevel  = pflag.String("log-level", "info", "debug|info|warn|error")
	)
	pflag.Parse()

	if err := run(*path, *nData, *capacity, *threshold, *workers, *nClients, *duration, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "bufferpool-bench:", err)
		os.Exit(1)
	}
}

func run(path string, nData uint32, capacity, threshold, workers, nClients int, duration time.Duration, logLevel string) error {
	pool, err := bufferpool.Open(bufferpool.Config{
		Path:       path,
		NumRecords: nData,
		Capacity:   capacity,
		Threshold:  threshold,
		Workers:    workers,
		LogLevel:   logLevel,
	})
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var nOps int64

	var wg sync.WaitGroup
	for i := 0; i < nClients; i++ {
		wg.Add(1)

		go func(seed int64) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(seed))

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				key := uint32(rng.Int63n(int64(nData)))

				h, err := pool.Lock(ctx, key)
				if err != nil {
					return
				}

				h.SetValue(h.Value() + 1)
				h.Unlock(true)

				atomic.AddInt64(&nOps, 1)
			}
		}(time.Now().UnixNano() + int64(i))
	}

	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := pool.Close(closeCtx); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}

	fmt.Printf("clients=%d ops=%d duration=%s throughput=%.0f ops/s\n",
		nClients, nOps, duration, float64(nOps)/duration.Seconds())

	return nil
}
