// Package metrics provides sandbox-specific metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for
// envelope traffic, capability checks, dispatch latency, and faults.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides sandbox metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Envelope metrics
	envelopesTotal  *prometheus.CounterVec
	envelopeDrops   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	// Capability metrics
	denialsTotal *prometheus.CounterVec

	// Handle metrics
	handleState  *prometheus.GaugeVec
	pendingCount *prometheus.GaugeVec

	// Fault metrics
	faultsTotal  *prometheus.CounterVec
	retriesTotal *prometheus.CounterVec
}

// NewCollector creates a new sandbox metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "sandbox"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.envelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "received_total",
			Help:      "Total envelopes accepted for processing, by kind",
		},
		[]string{"module", "kind"},
	)

	c.envelopeDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "dropped_total",
			Help:      "Total envelopes dropped before processing, by reason",
		},
		[]string{"module", "reason"},
	)

	c.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time from accepted API request to response sent",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"module", "result"},
	)

	c.denialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "denials_total",
			Help:      "Total API requests denied by the capability check",
		},
		[]string{"module", "capability"},
	)

	c.handleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "handle",
			Name:      "state",
			Help:      "Current lifecycle state of handle (0=loading, 1=ready, 2=error, 3=disabled, 4=torn_down)",
		},
		[]string{"module", "instance"},
	)

	c.pendingCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "handle",
			Name:      "pending_requests",
			Help:      "Outstanding correlated requests per handle",
		},
		[]string{"module", "instance"},
	)

	c.faultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fault",
			Name:      "total",
			Help:      "Total module faults by kind",
		},
		[]string{"module", "kind"},
	)

	c.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fault",
			Name:      "retries_total",
			Help:      "Total retry actions by result",
		},
		[]string{"module", "result"},
	)

	c.registry.MustRegister(
		c.envelopesTotal,
		c.envelopeDrops,
		c.dispatchLatency,
		c.denialsTotal,
		c.handleState,
		c.pendingCount,
		c.faultsTotal,
		c.retriesTotal,
	)

	return c
}

// Registry returns the prometheus registry for exposition.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordEnvelope counts an accepted envelope.
func (c *Collector) RecordEnvelope(module, kind string) {
	c.envelopesTotal.WithLabelValues(module, kind).Inc()
}

// RecordDrop counts a silently dropped envelope.
func (c *Collector) RecordDrop(module, reason string) {
	c.envelopeDrops.WithLabelValues(module, reason).Inc()
}

// RecordDispatch records the latency of a completed API request.
func (c *Collector) RecordDispatch(module string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.dispatchLatency.WithLabelValues(module, result).Observe(duration.Seconds())
}

// RecordDenial counts a capability denial.
func (c *Collector) RecordDenial(module, cap string) {
	c.denialsTotal.WithLabelValues(module, cap).Inc()
}

// RecordHandleState records a handle's lifecycle state.
func (c *Collector) RecordHandleState(module, instance string, state int) {
	c.handleState.WithLabelValues(module, instance).Set(float64(state))
}

// RecordPending records the outstanding request count for a handle.
func (c *Collector) RecordPending(module, instance string, count int) {
	c.pendingCount.WithLabelValues(module, instance).Set(float64(count))
}

// RecordFault counts a module fault.
func (c *Collector) RecordFault(module, kind string) {
	c.faultsTotal.WithLabelValues(module, kind).Inc()
}

// RecordRetry counts a retry action.
func (c *Collector) RecordRetry(module string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.retriesTotal.WithLabelValues(module, result).Inc()
}

// RemoveHandle drops per-handle series after teardown so gauges do not
// accumulate dead instances.
func (c *Collector) RemoveHandle(module, instance string) {
	c.handleState.DeleteLabelValues(module, instance)
	c.pendingCount.DeleteLabelValues(module, instance)
}

// SandboxCollector is the interface for sandbox metrics collection.
type SandboxCollector interface {
	RecordEnvelope(module, kind string)
	RecordDrop(module, reason string)
	RecordDispatch(module string, duration time.Duration, err error)
	RecordDenial(module, cap string)
	RecordHandleState(module, instance string, state int)
	RecordPending(module, instance string, count int)
	RecordFault(module, kind string)
	RecordRetry(module string, err error)
	RemoveHandle(module, instance string)
}

// NoOpCollector is a metrics collector that does nothing.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op collector.
func NewNoOpCollector() *NoOpCollector { return &NoOpCollector{} }

func (*NoOpCollector) RecordEnvelope(string, string)                {}
func (*NoOpCollector) RecordDrop(string, string)                    {}
func (*NoOpCollector) RecordDispatch(string, time.Duration, error)  {}
func (*NoOpCollector) RecordDenial(string, string)                  {}
func (*NoOpCollector) RecordHandleState(string, string, int)        {}
func (*NoOpCollector) RecordPending(string, string, int)            {}
func (*NoOpCollector) RecordFault(string, string)                   {}
func (*NoOpCollector) RecordRetry(string, error)                    {}
func (*NoOpCollector) RemoveHandle(string, string)                  {}

// Compile-time interface checks.
var (
	_ SandboxCollector = (*Collector)(nil)
	_ SandboxCollector = (*NoOpCollector)(nil)
)
