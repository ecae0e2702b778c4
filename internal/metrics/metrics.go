package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the routing core.
type Metrics struct {
	RoutesTotal       prometheus.Counter
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	CacheErrors       prometheus.Counter
	NoEligibleArm     prometheus.Counter
	InputErrors       prometheus.Counter
	OutcomesTotal     prometheus.Counter
	OutcomesDropped   prometheus.Counter
	AdmissionRejected prometheus.Counter

	RoutesByTenant         *prometheus.CounterVec
	SelectionsByArm        *prometheus.CounterVec
	OutcomesByArm          *prometheus.CounterVec
	CircuitOpensByProvider *prometheus.CounterVec

	RewardObserved      prometheus.Histogram
	RouteLatencySeconds prometheus.Histogram

	BackpressureSeverity prometheus.Gauge
	OpenCircuits         prometheus.Gauge
}

// New registers all metrics against the given registerer. Tests pass a
// fresh prometheus.NewRegistry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RoutesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_routes_total",
			Help: "Total number of routing requests received",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_cache_hits_total",
			Help: "Number of requests served from the semantic cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_cache_misses_total",
			Help: "Number of semantic cache misses",
		}),
		CacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_cache_errors_total",
			Help: "Number of cache backend failures degraded to pass-through",
		}),
		NoEligibleArm: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_no_eligible_arm_total",
			Help: "Number of routes that found no eligible arm",
		}),
		InputErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_input_errors_total",
			Help: "Number of routes rejected for malformed context",
		}),
		OutcomesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_outcomes_total",
			Help: "Total number of outcome reports received",
		}),
		OutcomesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_outcomes_dropped_total",
			Help: "Outcome reports dropped for unknown request or arm",
		}),
		AdmissionRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_admission_rejected_total",
			Help: "Admission checks answered with allowed=false",
		}),

		RoutesByTenant: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_routes_by_tenant_total",
				Help: "Routing requests per tenant",
			},
			[]string{"tenant_id"},
		),
		SelectionsByArm: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_selections_by_arm_total",
				Help: "Arm selections per arm",
			},
			[]string{"arm_id"},
		),
		OutcomesByArm: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_outcomes_by_arm_total",
				Help: "Outcome reports per arm and result",
			},
			[]string{"arm_id", "result"},
		),
		CircuitOpensByProvider: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_circuit_opens_by_provider_total",
				Help: "Circuit breaker OPEN transitions per provider",
			},
			[]string{"provider"},
		),

		RewardObserved: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_reward_observed",
			Help:    "Distribution of blended rewards applied to arms",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		RouteLatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_route_latency_seconds",
			Help:    "In-core routing latency (cache lookup through selection)",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),

		BackpressureSeverity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_backpressure_severity",
			Help: "Current backpressure severity (0=NORMAL .. 3=CRITICAL)",
		}),
		OpenCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_open_circuits",
			Help: "Number of circuits currently OPEN",
		}),
	}
}
