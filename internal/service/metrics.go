package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	AuthzDecisions    *prometheus.CounterVec
	AuthzDuration     *prometheus.HistogramVec
	CacheHits         *prometheus.CounterVec
	CacheSweepRemoved prometheus.Counter
	CacheSweepSeconds prometheus.Histogram
	RateLimited       *prometheus.CounterVec
	Invocations       *prometheus.CounterVec
	InvocationSeconds *prometheus.HistogramVec
	BudgetDenials     prometheus.Counter
	AuditWrites       *prometheus.CounterVec
	SiemQueueDepth    prometheus.Gauge
	SiemEventsDropped prometheus.Counter
	SiemBatches       *prometheus.CounterVec
	SiemOutboxed      *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AuthzDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "authz_decisions_total",
				Help:      "Authorization decisions by outcome and source",
			},
			[]string{"decision", "source"}, // decision=allow/deny/error, source=cache/engine
		),
		AuthzDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sark",
				Name:      "authz_duration_seconds",
				Help:      "Authorization flow duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		CacheHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "decision_cache_requests_total",
				Help:      "Decision cache lookups by result",
			},
			[]string{"result"}, // result=hit/miss
		),
		CacheSweepRemoved: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "decision_cache_sweep_removed_total",
				Help:      "Expired decision cache entries removed by the sweeper",
			},
		),
		CacheSweepSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sark",
				Name:      "decision_cache_sweep_seconds",
				Help:      "Decision cache sweep duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RateLimited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by rate limiting, by identifier kind",
			},
			[]string{"kind"},
		),
		Invocations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "invocations_total",
				Help:      "Capability invocations by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),
		InvocationSeconds: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sark",
				Name:      "invocation_duration_seconds",
				Help:      "Provider invocation duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"protocol"},
		),
		BudgetDenials: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "budget_denials_total",
				Help:      "Invocations denied by budget checks",
			},
		),
		AuditWrites: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "audit_writes_total",
				Help:      "Audit events written by result",
			},
			[]string{"result"}, // result=ok/error
		),
		SiemQueueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sark",
				Name:      "siem_queue_depth",
				Help:      "Events waiting in the SIEM forwarder queue",
			},
		),
		SiemEventsDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "siem_events_dropped_total",
				Help:      "Events dropped from the full SIEM queue, oldest first",
			},
		),
		SiemBatches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "siem_batches_total",
				Help:      "SIEM batches by sink and result",
			},
			[]string{"sink", "result"}, // result=sent/failed
		),
		SiemOutboxed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "siem_outboxed_total",
				Help:      "Batches preserved to the durable outbox by sink",
			},
			[]string{"sink"},
		),
	}
}

// ObserveSweep satisfies the decision cache sweeper metrics hook.
func (m *Metrics) ObserveSweep(removed int, duration time.Duration, _ error) {
	m.CacheSweepRemoved.Add(float64(removed))
	m.CacheSweepSeconds.Observe(duration.Seconds())
}
