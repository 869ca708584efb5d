// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Agent run metrics
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	RunsInFlight   prometheus.Gauge
	StreamItemsTot *prometheus.CounterVec

	// Coordination store / lock metrics
	LockAcquireTotal    *prometheus.CounterVec
	LockHoldDuration    *prometheus.HistogramVec
	StaleLocksReclaimed prometheus.Counter

	// Sandbox pool metrics
	SandboxPoolWarm   *prometheus.GaugeVec
	SandboxPoolActive prometheus.Gauge

	// Quota ledger metrics
	TokensConsumedTotal *prometheus.CounterVec
	QuotaRejectedTotal  *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Agent run metrics
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_runs_total",
				Help: "Total number of agent runs by final status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_run_duration_seconds",
				Help:    "Agent run wall-clock duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		RunsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_runs_in_flight",
				Help: "Current number of runs being executed",
			},
		),
		StreamItemsTot: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_run_stream_items_total",
				Help: "Total number of stream items appended to run response logs",
			},
			[]string{"item_type"},
		),

		// Coordination store metrics
		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_acquire_total",
				Help: "Total lock acquisition attempts by outcome",
			},
			[]string{"lock_kind", "outcome"},
		),
		LockHoldDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lock_hold_duration_seconds",
				Help:    "Duration a distributed lock was held",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60},
			},
			[]string{"lock_kind"},
		),
		StaleLocksReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stale_locks_reclaimed_total",
				Help: "Total number of locks reclaimed from a presumed-dead holder",
			},
		),

		// Sandbox pool metrics
		SandboxPoolWarm: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandbox_pool_warm",
				Help: "Current number of warm (idle, pre-allocated) sandboxes by app type",
			},
			[]string{"app_type"},
		),
		SandboxPoolActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_pool_active",
				Help: "Current number of sandboxes assigned to a user",
			},
		),

		// Quota ledger metrics
		TokensConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokens_consumed_total",
				Help: "Total tokens successfully debited from user quotas",
			},
			[]string{"plan_id"},
		),
		QuotaRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_rejected_total",
				Help: "Total consume_tokens calls rejected for insufficient balance",
			},
			[]string{"plan_id"},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.RunsTotal,
			m.RunDuration,
			m.RunsInFlight,
			m.StreamItemsTot,
			m.LockAcquireTotal,
			m.LockHoldDuration,
			m.StaleLocksReclaimed,
			m.SandboxPoolWarm,
			m.SandboxPoolActive,
			m.TokensConsumedTotal,
			m.QuotaRejectedTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordRun records a terminal agent run.
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStreamItem records one item appended to a run's response log.
func (m *Metrics) RecordStreamItem(itemType string) {
	m.StreamItemsTot.WithLabelValues(itemType).Inc()
}

// RecordLockAcquire records the outcome of a distributed lock attempt.
func (m *Metrics) RecordLockAcquire(lockKind, outcome string) {
	m.LockAcquireTotal.WithLabelValues(lockKind, outcome).Inc()
}

// RecordLockHold records how long a lock was held before release.
func (m *Metrics) RecordLockHold(lockKind string, duration time.Duration) {
	m.LockHoldDuration.WithLabelValues(lockKind).Observe(duration.Seconds())
}

// RecordTokensConsumed records a successful quota debit.
func (m *Metrics) RecordTokensConsumed(planID string, tokens int64) {
	m.TokensConsumedTotal.WithLabelValues(planID).Add(float64(tokens))
}

// RecordQuotaRejected records a rejected debit due to insufficient balance.
func (m *Metrics) RecordQuotaRejected(planID string) {
	m.QuotaRejectedTotal.WithLabelValues(planID).Inc()
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return getEnvironment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
