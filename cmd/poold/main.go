// Package main is the entrypoint for codel's checkout broker process.
// It loads configuration, initializes metrics and health endpoints,
// starts a Manager with one Broker per configured pool, and wires up
// graceful shutdown. The query-facing wire protocol a client actually
// speaks to get a connection is intentionally out of this package's
// scope — this binary exercises the broker core directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/go-dbpool/codel/internal/checkout"
	"github.com/go-dbpool/codel/internal/config"
	"github.com/go-dbpool/codel/internal/connector"
	"github.com/go-dbpool/codel/internal/health"
	"github.com/go-dbpool/codel/internal/watchdog"
)

var (
	processConfigPath = flag.String("config", "configs/process.yaml", "Path to process configuration file")
	poolsConfigPath   = flag.String("pools", "configs/pools.yaml", "Path to pools configuration file")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting codel checkout broker")

	cfg, err := config.Load(*processConfigPath, *poolsConfigPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d pools, instance=%s", len(cfg.Pools), cfg.Process.InstanceID)
	for _, p := range cfg.Pools {
		log.Printf("[main]   Pool %s → %s (max_conn=%d, min_conn=%d, watchdog=%s)",
			p.ID, p.Addr(), p.MaxConnections, p.MinConnections, p.WatchdogMode)
	}

	// ─── Metrics HTTP server (Prometheus scrape endpoint) ───────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Process.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Process.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Connectors and Manager ──────────────────────────────────────
	needsRedis := false
	conns := make(map[string]connector.Connector, len(cfg.Pools))
	for i := range cfg.Pools {
		p := &cfg.Pools[i]
		conns[p.ID] = connector.NewMSSQL(p)
		if p.WatchdogMode == "remote" {
			needsRedis = true
		}
	}

	log.Println("[main] Initializing checkout manager...")
	manager, err := checkout.NewManager(context.Background(), cfg.Pools, conns)
	if err != nil {
		log.Fatalf("[main] Failed to initialize checkout manager: %v", err)
	}
	defer func() {
		log.Println("[main] Closing checkout manager...")
		if err := manager.Close(); err != nil {
			log.Printf("[main] Manager close error: %v", err)
		}
	}()
	for _, s := range manager.Stats() {
		log.Printf("[main]   Pool %s: mode=%s ready=%d wait=%d", s.Pool, s.Mode, s.Ready, s.Wait)
	}

	// ─── Remote Client Watchdog (only if a pool asks for it) ─────────
	var redisClient redis.UniversalClient
	var watchdogs []*watchdog.RemoteWatchdog
	if needsRedis {
		log.Println("[main] Initializing remote client watchdog...")
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("[main] Redis unavailable, required by a pool's remote watchdog_mode: %v", err)
		}
		cancel()

		for i := range cfg.Pools {
			p := &cfg.Pools[i]
			if p.WatchdogMode != "remote" {
				continue
			}
			broker, _ := manager.Broker(p.ID)
			wd := watchdog.New(redisClient, watchdog.Config{
				Pool:     p.ID,
				Notifier: broker,
				Interval: cfg.Redis.HeartbeatInterval,
				TTL:      cfg.Redis.HeartbeatTTL,
			})
			wd.Start(context.Background())
			watchdogs = append(watchdogs, wd)
		}
	}
	defer func() {
		for _, wd := range watchdogs {
			wd.Stop()
		}
		if redisClient != nil {
			redisClient.Close()
		}
	}()

	// ─── Health Checker ───────────────────────────────────────────────
	checker := health.NewChecker(cfg, manager, redisClient)
	healthServer := checker.ServeHTTP(context.Background())
	log.Printf("[main] Health check server listening on :%d/health", cfg.Process.HealthCheckPort)

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] codel is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
