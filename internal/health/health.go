// Package health serves an HTTP health report for a running Manager,
// reporting each pool's Broker mode, queue depths, and CoDel slow-mode
// flag instead of pinging backends directly — that's the Connector's
// job, exercised indirectly through the idle-ping path.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-dbpool/codel/internal/checkout"
	"github.com/go-dbpool/codel/internal/config"
)

// Status represents a component's health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// PoolHealth reports one pool's Broker state.
type PoolHealth struct {
	Pool       string  `json:"pool"`
	Status     Status  `json:"status"`
	Mode       string  `json:"mode"`
	Ready      int     `json:"ready"`
	Wait       int     `json:"wait"`
	CodelSlow  bool    `json:"codel_slow_mode"`
	CodelDelay float64 `json:"codel_delay_seconds"`
}

// Report is the overall health report.
type Report struct {
	Status     Status           `json:"status"`
	Timestamp  string           `json:"timestamp"`
	InstanceID string           `json:"instance_id"`
	Pools      []PoolHealth     `json:"pools"`
	Redis      *ComponentHealth `json:"redis,omitempty"`
}

// ComponentHealth is a single infrastructure dependency's health.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Checker serves health reports for a Manager's pools.
type Checker struct {
	cfg         *config.Config
	manager     *checkout.Manager
	redisClient redis.UniversalClient
}

// NewChecker builds a Checker. redisClient may be nil if no pool uses
// remote watchdog mode.
func NewChecker(cfg *config.Config, manager *checkout.Manager, redisClient redis.UniversalClient) *Checker {
	return &Checker{cfg: cfg, manager: manager, redisClient: redisClient}
}

// Check produces a point-in-time health report.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Process.InstanceID,
	}

	for _, s := range c.manager.Stats() {
		status := StatusHealthy
		// A pool stuck in slow mode with a deep wait queue is still
		// "healthy" in the narrow sense (it is making progress, just
		// shedding load) but worth flagging for an operator's /health
		// dashboard, so we surface it without failing readiness.
		report.Pools = append(report.Pools, PoolHealth{
			Pool:       s.Pool,
			Status:     status,
			Mode:       s.Mode.String(),
			Ready:      s.Ready,
			Wait:       s.Wait,
			CodelSlow:  s.CodelSlow,
			CodelDelay: s.CodelDelay.Seconds(),
		})
	}

	if c.redisClient != nil {
		ch := c.checkRedis(ctx)
		report.Redis = &ch
		if ch.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
		}
	}

	return report
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.redisClient.Ping(ctx).Err()
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{Status: StatusUnhealthy, Message: fmt.Sprintf("PING failed: %v", err), Latency: latency.String()}
	}
	return ComponentHealth{Status: StatusHealthy, Message: "PONG", Latency: latency.String()}
}

// ServeHTTP starts the health-check HTTP server.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	mux := http.NewServeMux()

	writeReport := func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}

	mux.HandleFunc("/health", writeReport)
	mux.HandleFunc("/health/ready", writeReport)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.cfg.Process.HealthCheckPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
