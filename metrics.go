package scoped

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects scope and invocation telemetry. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	contextsCreated   *prometheus.CounterVec
	contextsDestroyed *prometheus.CounterVec
	instancesCreated  *prometheus.CounterVec
	instancesLive     *prometheus.GaugeVec
	invocations       *prometheus.CounterVec
	invocationLatency *prometheus.HistogramVec
}

// NewMetrics creates a collector registered on its own prometheus registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "scoped"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.contextsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "created_total",
			Help:      "Total number of scope contexts created",
		},
		[]string{"scope"},
	)

	m.contextsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "destroyed_total",
			Help:      "Total number of scope contexts destroyed",
		},
		[]string{"scope"},
	)

	m.instancesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "created_total",
			Help:      "Total number of contextual instances created",
		},
		[]string{"scope"},
	)

	m.instancesLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "live",
			Help:      "Contextual instances currently held by scope contexts",
		},
		[]string{"scope"},
	)

	m.invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invocation",
			Name:      "total",
			Help:      "Total number of invocation chains driven to completion",
		},
		[]string{"phase", "result"},
	)

	m.invocationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "invocation",
			Name:      "duration_seconds",
			Help:      "Time taken by an outermost Proceed call",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		},
		[]string{"phase"},
	)

	m.registry.MustRegister(
		m.contextsCreated,
		m.contextsDestroyed,
		m.instancesCreated,
		m.instancesLive,
		m.invocations,
		m.invocationLatency,
	)

	return m
}

// Registry returns the prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) contextCreated(kind ScopeKind) {
	if m == nil {
		return
	}
	m.contextsCreated.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) contextDestroyed(kind ScopeKind, released int) {
	if m == nil {
		return
	}
	m.contextsDestroyed.WithLabelValues(string(kind)).Inc()
	m.instancesLive.WithLabelValues(string(kind)).Sub(float64(released))
}

func (m *Metrics) instanceCreated(kind ScopeKind) {
	if m == nil {
		return
	}
	m.instancesCreated.WithLabelValues(string(kind)).Inc()
	m.instancesLive.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) instanceRemoved(kind ScopeKind) {
	if m == nil {
		return
	}
	m.instancesLive.WithLabelValues(string(kind)).Dec()
}

func (m *Metrics) invocation(phase Phase, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.invocations.WithLabelValues(phase.String(), result).Inc()
	m.invocationLatency.WithLabelValues(phase.String()).Observe(duration.Seconds())
}
