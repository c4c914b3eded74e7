// Package metrics defines the Prometheus collectors exported by the
// keepalive scheduler and lock coordinator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sweep outcomes recorded by SweepsTotal.
const (
	OutcomeSkipped  = "skipped"
	OutcomeEmpty    = "empty"
	OutcomeStarted  = "started"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// Collectors groups the metrics of one scheduler. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	// Sweeps counts timer firings by outcome.
	Sweeps *prometheus.CounterVec
	// Completions counts completion callbacks by probe result.
	Completions *prometheus.CounterVec
	// Duration observes the time between probe start and completion.
	Duration prometheus.Histogram
	// LockHeld is 1 while this process holds the keepalive lock.
	LockHeld prometheus.Gauge
	// Contended counts failed lock attempts.
	Contended prometheus.Counter
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// New builds the keepalive collectors and registers them on reg. It panics
// when they are already registered there.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keepalive_sweeps_total",
			Help: "Keepalive timer firings by outcome",
		}, []string{"outcome"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keepalive_sweep_completions_total",
			Help: "Keepalive probe completions by result",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keepalive_sweep_duration_seconds",
			Help:    "Time between probe start and completion",
			Buckets: prometheus.DefBuckets,
		}),
		LockHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keepalive_lock_held",
			Help: "Whether this process holds the keepalive lock",
		}),
		Contended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keepalive_lock_contended_total",
			Help: "Lock attempts that found the keepalive lock held",
		}),
	}
	reg.MustRegister(c.Sweeps, c.Completions, c.Duration, c.LockHeld, c.Contended)
	return c
}

// Sweep records one timer firing.
func (c *Collectors) Sweep(outcome string) {
	if c == nil {
		return
	}
	c.Sweeps.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeSkipped:
		c.Contended.Inc()
	case OutcomeStarted:
		c.LockHeld.Set(1)
	}
}

// Completed records the end of a probe.
func (c *Collectors) Completed(failed bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	c.Completions.WithLabelValues(result).Inc()
	c.Duration.Observe(elapsed.Seconds())
	c.LockHeld.Set(0)
}

// Released records a lock release outside the completion path.
func (c *Collectors) Released() {
	if c == nil {
		return
	}
	c.LockHeld.Set(0)
}
