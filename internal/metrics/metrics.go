// Package metrics holds the Prometheus collectors for the service. All
// recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bountycast"

// Metrics holds Prometheus metrics for the service
type Metrics struct {
	registry *prometheus.Registry

	RequestCounter      *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RequestsInFlight    prometheus.Gauge
	SettlementOutcomes  *prometheus.CounterVec
	LedgerCalls         *prometheus.CounterVec
	LedgerDuration      *prometheus.HistogramVec
	EligibilityChecks   *prometheus.CounterVec
	NotificationsSent   *prometheus.CounterVec
	JobsFinished        *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
}

// New creates a metrics instance on its own registry, including Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		SettlementOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "outcomes_total",
				Help:      "Settlement attempts by trigger and resulting status",
			},
			[]string{"trigger", "status"},
		),
		LedgerCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger operations by result",
			},
			[]string{"op", "result"},
		),
		LedgerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Ledger operation duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"op"},
		),
		EligibilityChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "eligibility",
				Name:      "checks_total",
				Help:      "Eligibility decisions",
			},
			[]string{"result"},
		),
		NotificationsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifications",
				Name:      "sent_total",
				Help:      "Notifications by type, channel and result",
			},
			[]string{"type", "channel", "result"},
		),
		JobsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "finished_total",
				Help:      "Background jobs by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		RateLimitRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"rule"},
		),
	}
}

// RegisterDB exports connection pool statistics for conn.
func (m *Metrics) RegisterDB(conn *sql.DB, name string) {
	if m == nil || conn == nil {
		return
	}
	m.registry.MustRegister(collectors.NewDBStatsCollector(conn, name))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.RequestsInFlight.Add(delta)
}

func (m *Metrics) Settlement(trigger, status string) {
	if m == nil {
		return
	}
	m.SettlementOutcomes.WithLabelValues(trigger, status).Inc()
}

func (m *Metrics) LedgerCall(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LedgerCalls.WithLabelValues(op, result).Inc()
	m.LedgerDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) Eligibility(result string) {
	if m == nil {
		return
	}
	m.EligibilityChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) Notification(typ, channel, result string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(typ, channel, result).Inc()
}

// JobFinished satisfies jobs.Observer.
func (m *Metrics) JobFinished(jobType, outcome string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(jobType, outcome).Inc()
}

func (m *Metrics) RateLimited(rule string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.WithLabelValues(rule).Inc()
}
