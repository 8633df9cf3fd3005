// Package metrics holds the Prometheus collectors for both node roles. All
// methods are safe on a nil receiver so components can run unmetered.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snyper"

type Controller struct {
	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	targets  prometheus.Gauge
	removed  prometheus.Counter
}

// NewController builds the controller collectors and registers them with
// reg when it is non-nil.
func NewController(reg prometheus.Registerer) *Controller {
	m := &Controller{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_outcomes_total",
			Help:      "Per-target outcomes of fleet operations by operation and transport status.",
		}, []string{"op", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Wall time of a whole fleet operation.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"op"}),
		targets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_targets",
			Help:      "Targets currently in the registry.",
		}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_removed_total",
			Help:      "Targets removed by cleanup after failing a health check.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.latency, m.targets, m.removed)
	}
	return m
}

func (m *Controller) ObserveOutcome(op, status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(op, status).Inc()
}

func (m *Controller) ObserveFanout(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Controller) SetTargets(n int) {
	if m == nil {
		return
	}
	m.targets.Set(float64(n))
}

func (m *Controller) AddRemoved(n int) {
	if m == nil {
		return
	}
	m.removed.Add(float64(n))
}

type Target struct {
	commands   *prometheus.CounterVec
	hits       prometheus.Counter
	activation prometheus.Histogram
	queueDepth prometheus.Gauge
}

// NewTarget builds the target collectors and registers them with reg when
// it is non-nil.
func NewTarget(reg prometheus.Registerer) *Target {
	m := &Target{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_commands_total",
			Help:      "Hardware commands executed by this target.",
		}, []string{"command"}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_hits_total",
			Help:      "Activations that ended with a detected hit.",
		}),
		activation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "target_activation_seconds",
			Help:      "Time from raise to hit or timeout during activation.",
			Buckets:   prometheus.LinearBuckets(0.25, 0.25, 40),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_queue_depth",
			Help:      "Commands waiting behind the one in flight.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.hits, m.activation, m.queueDepth)
	}
	return m
}

func (m *Target) ObserveCommand(command string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command).Inc()
}

func (m *Target) ObserveActivation(d time.Duration, hit bool) {
	if m == nil {
		return
	}
	m.activation.Observe(d.Seconds())
	if hit {
		m.hits.Inc()
	}
}

func (m *Target) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
