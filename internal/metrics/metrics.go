// Package metrics defines Prometheus metrics for the checkout broker.
// All collectors are registered upfront via promauto so every part of
// the broker can use them without editing this file again.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HoldersReady tracks the Ready Queue depth per pool.
	HoldersReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkout_holders_ready",
		Help: "Number of idle Holders in the Ready Queue per pool",
	}, []string{"pool"})

	// HoldersActive tracks the number of Holders currently checked out.
	HoldersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkout_holders_active",
		Help: "Number of Holders currently owned by a client per pool",
	}, []string{"pool"})

	// WaitQueueLength tracks the current Wait Queue depth per pool.
	WaitQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkout_wait_queue_length",
		Help: "Number of checkout requests waiting per pool",
	}, []string{"pool"})

	// CheckoutsTotal counts checkout outcomes by status.
	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_total",
		Help: "Total checkout operations by outcome",
	}, []string{"pool", "status"})

	// CheckoutWaitDuration tracks time spent waiting in the Wait Queue.
	CheckoutWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_wait_seconds",
		Help:    "Time spent waiting in the Wait Queue for a Holder",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// CodelSlowMode is 1 when the pool's CoDel controller is in slow
	// mode (shedding over-aged waiters), 0 otherwise.
	CodelSlowMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkout_codel_slow_mode",
		Help: "1 if CoDel slow mode is active for this pool, else 0",
	}, []string{"pool"})

	// CodelDelay tracks the CoDel controller's tracked minimum delay.
	CodelDelay = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkout_codel_delay_seconds",
		Help: "CoDel controller's tracked minimum head-of-line delay",
	}, []string{"pool"})

	// DroppedTotal counts waiters shed by CoDel slow mode.
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_dropped_total",
		Help: "Total waiters dropped by CoDel slow mode",
	}, []string{"pool"})

	// DeadlineFiresTotal counts deadline timer fires, split by whether
	// they still matched the Holder's recorded deadline id.
	DeadlineFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_deadline_fires_total",
		Help: "Total deadline timer fires by outcome (applied, stale)",
	}, []string{"pool", "outcome"})

	// ClientDeathsTotal counts watchdog-observed client deaths.
	ClientDeathsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_client_deaths_total",
		Help: "Total watchdog-observed client deaths",
	}, []string{"pool", "mode"})

	// IdlePingsTotal counts idle-connection health-check pings sent.
	IdlePingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_idle_pings_total",
		Help: "Total idle-connection pings dispatched by the CoDel idle timer",
	}, []string{"pool"})

	// ConnectorErrors counts Connector-side errors by type.
	ConnectorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_connector_errors_total",
		Help: "Total Connector errors",
	}, []string{"pool", "error_type"})

	// WatchdogHeartbeat tracks remote-watchdog client heartbeat presence.
	WatchdogHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkout_watchdog_heartbeat",
		Help: "Remote watchdog heartbeat status per client (1 = alive, 0 = dead)",
	}, []string{"client_id"})

	// RedisOperations counts Redis operations performed by the remote
	// watchdog.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_watchdog_redis_operations_total",
		Help: "Total Redis operations performed by the remote watchdog",
	}, []string{"operation", "status"})
)
