package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus instrumentation for the orchestrator. One
// instance serves the engine, the dispatcher and the event bus: it
// implements both the dispatch.Metrics and events.Metrics interfaces,
// so the same value is passed to all three constructors.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	sweepsExpired  prometheus.Counter
	inputPrompts   prometheus.Counter

	dispatchDuration *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	breakerChanges   *prometheus.CounterVec
	dedupHits        *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	overflows       prometheus.Counter

	provenanceDegraded prometheus.Counter
}

// NewMetrics registers the orchestrator metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nwbforge",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently executing or suspended.",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "sessions",
			Name:      "finished_total",
			Help:      "Sessions reaching a terminal state, by final state.",
		}, []string{"final_state"}),
		sweepsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "sessions",
			Name:      "expired_total",
			Help:      "Sessions purged by the expiration sweep.",
		}),
		inputPrompts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "sessions",
			Name:      "input_prompts_total",
			Help:      "InputRequired prompts raised.",
		}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nwbforge",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Dispatch wall time to terminal outcome, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"role", "outcome"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Retry attempts scheduled, by role.",
		}, []string{"role"}),
		breakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "dispatch",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"role", "instance", "state"}),
		dedupHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "dispatch",
			Name:      "dedup_hits_total",
			Help:      "Idempotent dispatches served from the request cache.",
		}, []string{"role"}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events appended to the per-session log.",
		}, []string{"kind"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Lossy events shed from slow subscriber buffers.",
		}, []string{"kind"}),
		overflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "events",
			Name:      "subscriber_overflows_total",
			Help:      "Subscribers disconnected for falling behind on critical events.",
		}),
		provenanceDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nwbforge",
			Subsystem: "provenance",
			Name:      "degraded_total",
			Help:      "Provenance recorder degradations.",
		}),
	}
}

// DispatchDuration implements dispatch.Metrics.
func (m *Metrics) DispatchDuration(role, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(role, outcome).Observe(d.Seconds())
}

// RetryScheduled implements dispatch.Metrics.
func (m *Metrics) RetryScheduled(role string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(role).Inc()
}

// BreakerStateChanged implements dispatch.Metrics.
func (m *Metrics) BreakerStateChanged(role, instance, state string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(role, instance, state).Inc()
}

// DedupHit implements dispatch.Metrics.
func (m *Metrics) DedupHit(role string) {
	if m == nil {
		return
	}
	m.dedupHits.WithLabelValues(role).Inc()
}

// EventPublished implements events.Metrics.
func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

// EventDropped implements events.Metrics.
func (m *Metrics) EventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind).Inc()
}

// SubscriberOverflow implements events.Metrics.
func (m *Metrics) SubscriberOverflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionFinished(finalState State) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(string(finalState)).Inc()
}

func (m *Metrics) sessionExpired(n int) {
	if m == nil {
		return
	}
	m.sweepsExpired.Add(float64(n))
}

func (m *Metrics) promptRaised() {
	if m == nil {
		return
	}
	m.inputPrompts.Inc()
}

func (m *Metrics) provenanceDegradedInc() {
	if m == nil {
		return
	}
	m.provenanceDegraded.Inc()
}
