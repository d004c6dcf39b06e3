// Package main is a concurrent load generator for a checkout broker: it
// spins up N simulated clients that repeatedly check out, hold briefly,
// and check in a connection from an in-memory pool, then reports the
// observed outcome mix and wait-time percentiles. Useful for exercising
// the Wait Queue and CoDel controller without a real SQL Server backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-dbpool/codel/internal/checkout"
	"github.com/go-dbpool/codel/internal/connector"
	"github.com/go-dbpool/codel/pkg/poolspec"
)

var (
	clients     = flag.Int("clients", 200, "number of concurrent simulated clients")
	connections = flag.Int("connections", 10, "pool size (max_connections)")
	holdTime    = flag.Duration("hold", 20*time.Millisecond, "simulated time each checkout holds its connection")
	duration    = flag.Duration("duration", 10*time.Second, "how long to run the load test")
	queueTarget = flag.Duration("queue-target", 50*time.Millisecond, "CoDel queue target")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	mem := connector.NewMemory()
	spec := poolspec.PoolSpec{
		ID:             "loadgen",
		QueueTarget:    *queueTarget,
		QueueInterval:  time.Second,
		IdleInterval:   time.Second,
		Timeout:        2 * time.Second,
		MinConnections: *connections,
		MaxConnections: *connections,
	}

	manager, err := checkout.NewManager(context.Background(), []poolspec.PoolSpec{spec},
		map[string]connector.Connector{spec.ID: mem})
	if err != nil {
		log.Fatalf("[loadgen] failed to start manager: %v", err)
	}
	defer manager.Close()

	log.Printf("[loadgen] %d clients against %d connections for %s (hold=%s, queue_target=%s)",
		*clients, *connections, *duration, *holdTime, *queueTarget)

	var (
		ok, dropped, unavailable, deadlineInQueue, other atomic.Int64
		latMu                                             sync.Mutex
		latencies                                         []time.Duration
	)

	stopAt := time.Now().Add(*duration)
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(clientIdx int) {
			defer wg.Done()
			for time.Now().Before(stopAt) {
				start := time.Now()
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				handle, _, _, err := manager.Checkout(ctx, spec.ID, checkout.Options{
					ClientID: fmt.Sprintf("client-%d", clientIdx),
				})
				cancel()

				if err != nil {
					classify(err, &dropped, &unavailable, &deadlineInQueue, &other)
					continue
				}

				elapsed := time.Since(start)
				latMu.Lock()
				latencies = append(latencies, elapsed)
				latMu.Unlock()
				ok.Add(1)

				time.Sleep(*holdTime)
				manager.Checkin(handle, nil)
			}
		}(i)
	}
	wg.Wait()

	latMu.Lock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50, p99 := percentile(latencies, 0.50), percentile(latencies, 0.99)
	latMu.Unlock()

	log.Printf("[loadgen] done: ok=%d dropped=%d unavailable=%d deadline_in_queue=%d other=%d",
		ok.Load(), dropped.Load(), unavailable.Load(), deadlineInQueue.Load(), other.Load())
	log.Printf("[loadgen] checkout wait p50=%s p99=%s", p50, p99)

	for _, s := range manager.Stats() {
		log.Printf("[loadgen] final pool state: mode=%s ready=%d wait=%d codel_slow=%v codel_delay=%s",
			s.Mode, s.Ready, s.Wait, s.CodelSlow, s.CodelDelay)
	}
}

func classify(err error, dropped, unavailable, deadlineInQueue, other *atomic.Int64) {
	ce, ok := err.(*checkout.Error)
	if !ok {
		other.Add(1)
		return
	}
	switch ce.Kind {
	case checkout.Dropped:
		dropped.Add(1)
	case checkout.Unavailable:
		unavailable.Add(1)
	case checkout.DeadlineInQueue:
		deadlineInQueue.Add(1)
	default:
		other.Add(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
