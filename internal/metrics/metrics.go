// Package metrics holds the Prometheus collector shared by a pool's
// connections, monitor, and observability server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every Prometheus metric graphpool exposes.
type Collector struct {
	Registry *prometheus.Registry

	connectionsByState *prometheus.GaugeVec
	poolSize           prometheus.Gauge
	queueDepth         prometheus.Gauge
	tasksTotal         *prometheus.CounterVec
	taskDuration       prometheus.Histogram
	enqueueRejected    *prometheus.CounterVec

	reconnectAttempts *prometheus.CounterVec
	authFailures      *prometheus.CounterVec
	authDuration      prometheus.Histogram

	zombieDetected      *prometheus.CounterVec
	zombieCleaned       *prometheus.CounterVec
	zombieCleanupFailed *prometheus.CounterVec

	pingFailures prometheus.Counter
}

// New creates and registers every metric on a fresh registry. Safe to call
// more than once (e.g. in tests, or across config reloads) — each call is
// independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "graphpool_connections",
				Help: "Number of connections currently in each state",
			},
			[]string{"state"},
		),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graphpool_pool_size",
			Help: "Configured total number of connections across all servers",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graphpool_queue_depth",
			Help: "Number of tasks currently buffered waiting for a connection",
		}),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphpool_tasks_total",
				Help: "Total tasks dispatched, labeled by outcome",
			},
			[]string{"outcome"},
		),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphpool_task_duration_seconds",
			Help:    "Wall-clock duration of a dispatched task from the start of its RPC to completion",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		enqueueRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphpool_enqueue_rejected_total",
				Help: "Tasks rejected at enqueue time, labeled by reason",
			},
			[]string{"reason"},
		),
		reconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphpool_reconnect_attempts_total",
				Help: "Reconnect attempts per server endpoint",
			},
			[]string{"endpoint"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphpool_auth_failures_total",
				Help: "Authentication failures per server endpoint",
			},
			[]string{"endpoint"},
		),
		authDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphpool_auth_duration_seconds",
			Help:    "Duration of the authenticate + select-space bootstrap sequence",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		zombieDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphpool_zombie_detected_total",
				Help: "Connections classified as zombies, labeled by tier",
			},
			[]string{"tier"},
		),
		zombieCleaned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphpool_zombie_cleaned_total",
				Help: "Zombie cleanups completed, labeled by tier",
			},
			[]string{"tier"},
		),
		zombieCleanupFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphpool_zombie_cleanup_failed_total",
				Help: "Zombie cleanups the connection did not accept before the cleanup timeout or its close, labeled by tier",
			},
			[]string{"tier"},
		),
		pingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphpool_ping_failures_total",
			Help: "Heartbeat ping failures across all connections",
		}),
	}

	reg.MustRegister(
		c.connectionsByState,
		c.poolSize,
		c.queueDepth,
		c.tasksTotal,
		c.taskDuration,
		c.enqueueRejected,
		c.reconnectAttempts,
		c.authFailures,
		c.authDuration,
		c.zombieDetected,
		c.zombieCleaned,
		c.zombieCleanupFailed,
		c.pingFailures,
	)

	return c
}

// SetConnectionsByState replaces the gauge reading for one state label; the
// pool's Stats recomputes and calls this for every known state on each call
// so vacated states drop back to zero.
func (c *Collector) SetConnectionsByState(state string, n int) {
	c.connectionsByState.WithLabelValues(state).Set(float64(n))
}

// SetPoolSize records the configured connection count.
func (c *Collector) SetPoolSize(n int) {
	c.poolSize.Set(float64(n))
}

// SetQueueDepth records the current buffered task count.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// TaskCompleted records one dispatched task's outcome and duration.
func (c *Collector) TaskCompleted(outcome string, d time.Duration) {
	c.tasksTotal.WithLabelValues(outcome).Inc()
	c.taskDuration.Observe(d.Seconds())
}

// EnqueueRejected increments the enqueue-rejected counter for a reason
// (e.g. "queue_full", "closed").
func (c *Collector) EnqueueRejected(reason string) {
	c.enqueueRejected.WithLabelValues(reason).Inc()
}

// ReconnectAttempted increments the reconnect counter for an endpoint.
func (c *Collector) ReconnectAttempted(endpoint string) {
	c.reconnectAttempts.WithLabelValues(endpoint).Inc()
}

// AuthFailed increments the auth-failure counter for an endpoint.
func (c *Collector) AuthFailed(endpoint string) {
	c.authFailures.WithLabelValues(endpoint).Inc()
}

// AuthCompleted records the duration of a successful bootstrap sequence.
func (c *Collector) AuthCompleted(d time.Duration) {
	c.authDuration.Observe(d.Seconds())
}

// ZombieDetected increments the zombie-detected counter for a tier
// ("light", "medium", "deep").
func (c *Collector) ZombieDetected(tier string) {
	c.zombieDetected.WithLabelValues(tier).Inc()
}

// ZombieCleaned increments the zombie-cleaned counter for a tier.
func (c *Collector) ZombieCleaned(tier string) {
	c.zombieCleaned.WithLabelValues(tier).Inc()
}

// ZombieCleanupFailed increments the zombie-cleanup-failed counter for a
// tier.
func (c *Collector) ZombieCleanupFailed(tier string) {
	c.zombieCleanupFailed.WithLabelValues(tier).Inc()
}

// PingFailed increments the global heartbeat-failure counter.
func (c *Collector) PingFailed() {
	c.pingFailures.Inc()
}

// Handler returns an http.Handler serving this Collector's metrics in the
// Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}
