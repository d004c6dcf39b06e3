// Package watchdog tracks client liveness so a dead client's queued
// checkout requests can be reclaimed by its pool's Broker.
//
// Local mode needs no code here at all — checkout.Broker.Checkout already
// races the caller's own context.Context against the reply channel. This
// package only covers remote mode, where the client lives in another
// process and the only signal of its death is a missed heartbeat: each
// client refreshes a TTL key in Redis, and a background sweep reports
// any client whose key has expired.
package watchdog

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-dbpool/codel/internal/metrics"
)

const (
	keyClientHB        = "codel:client:%s:heartbeat"
	keyClientSet       = "codel:pool:%s:clients"
	channelClientDeath = "codel:pool:%s:deaths"
)

// Notifier is the subset of *checkout.Broker the watchdog needs. Kept as
// an interface so this package never imports internal/checkout.
type Notifier interface {
	NotifyClientDead(clientID string)
}

// RemoteWatchdog tracks client liveness for one pool via Redis heartbeat
// keys with a TTL, sweeping for expired ones and reporting deaths to the
// pool's Broker.
type RemoteWatchdog struct {
	client   redis.UniversalClient
	pool     string
	notifier Notifier

	interval time.Duration
	ttl      time.Duration

	sub *redis.PubSub

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles a RemoteWatchdog's construction parameters.
type Config struct {
	Pool     string
	Notifier Notifier
	Interval time.Duration
	TTL      time.Duration
}

// New creates a RemoteWatchdog against an already-connected Redis client.
// Connection setup (addr/password/DB/pool size/timeouts) is the caller's
// responsibility — see internal/config for the yaml fields that feed it.
func New(client redis.UniversalClient, cfg Config) *RemoteWatchdog {
	interval := cfg.Interval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &RemoteWatchdog{
		client:   client,
		pool:     cfg.Pool,
		notifier: cfg.Notifier,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Heartbeat refreshes clientID's liveness key. Called by whatever remote
// query-API layer owns the client connection (out of this package's
// scope) on some cadence shorter than cfg.TTL.
func (w *RemoteWatchdog) Heartbeat(ctx context.Context, clientID string) error {
	hbKey := fmt.Sprintf(keyClientHB, clientID)
	if err := w.client.Set(ctx, hbKey, time.Now().Unix(), w.ttl).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		return err
	}
	w.client.SAdd(ctx, fmt.Sprintf(keyClientSet, w.pool), clientID)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
	metrics.WatchdogHeartbeat.WithLabelValues(clientID).Set(1)
	return nil
}

// Forget removes clientID from tracking, e.g. on graceful disconnect —
// avoids waiting out the TTL for an orderly departure.
func (w *RemoteWatchdog) Forget(ctx context.Context, clientID string) {
	w.client.Del(ctx, fmt.Sprintf(keyClientHB, clientID))
	w.client.SRem(ctx, fmt.Sprintf(keyClientSet, w.pool), clientID)
	metrics.WatchdogHeartbeat.WithLabelValues(clientID).Set(0)
}

// Start launches the background sweep loop.
func (w *RemoteWatchdog) Start(ctx context.Context) {
	go w.loop(ctx)
	log.Printf("[watchdog] pool %s: started, interval=%s ttl=%s", w.pool, w.interval, w.ttl)
}

// Stop halts the sweep loop and waits for it to exit.
func (w *RemoteWatchdog) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *RemoteWatchdog) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep lists every client registered against this pool and reports any
// whose heartbeat key has expired.
func (w *RemoteWatchdog) sweep(ctx context.Context) {
	setKey := fmt.Sprintf(keyClientSet, w.pool)
	clientIDs, err := w.client.SMembers(ctx, setKey).Result()
	if err != nil {
		log.Printf("[watchdog] pool %s: failed to list clients: %v", w.pool, err)
		metrics.RedisOperations.WithLabelValues("sweep", "error").Inc()
		return
	}

	for _, clientID := range clientIDs {
		hbKey := fmt.Sprintf(keyClientHB, clientID)
		exists, err := w.client.Exists(ctx, hbKey).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			continue // still alive
		}

		log.Printf("[watchdog] pool %s: client %s heartbeat expired, reporting death", w.pool, clientID)
		w.client.SRem(ctx, setKey, clientID)
		w.client.Publish(ctx, fmt.Sprintf(channelClientDeath, w.pool), clientID)
		metrics.WatchdogHeartbeat.WithLabelValues(clientID).Set(0)
		w.notifier.NotifyClientDead(clientID)
	}
	metrics.RedisOperations.WithLabelValues("sweep", "ok").Inc()
}

// Subscribe returns the Pub/Sub channel other processes can observe to
// learn about this pool's client deaths in real time, instead of polling
// Redis themselves.
func (w *RemoteWatchdog) Subscribe(ctx context.Context) <-chan *redis.Message {
	w.sub = w.client.Subscribe(ctx, fmt.Sprintf(channelClientDeath, w.pool))
	return w.sub.Channel()
}

// Close releases the Pub/Sub subscription, if one was opened.
func (w *RemoteWatchdog) Close() error {
	if w.sub != nil {
		return w.sub.Close()
	}
	return nil
}
