// Package metrics holds the Prometheus instrumentation of sync passes.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "offsync"

// Sync instruments the orchestrator and the scheduler. A nil *Sync is valid
// and records nothing.
type Sync struct {
	Passes       *prometheus.CounterVec
	Mutations    *prometheus.CounterVec
	PassDuration *prometheus.HistogramVec
	Coalesced    prometheus.Counter
	Triggers     *prometheus.CounterVec
}

// New creates the sync metrics under namespace. An empty namespace uses
// DefaultNamespace.
func New(namespace string) *Sync {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Sync{
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes by resource type and outcome",
		}, []string{"resource_type", "outcome"}),

		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_mutations_total",
			Help:      "Pending mutations processed by resource type and result",
		}, []string{"resource_type", "result"}),

		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of sync passes that reached the remote system",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"resource_type"}),

		Coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_coalesced_total",
			Help:      "Sync requests that joined a pass already in flight",
		}),

		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_triggers_total",
			Help:      "Scheduler triggers by kind",
		}, []string{"trigger"}),
	}
}

// Register registers the metrics on reg (or the default registerer if nil).
// Metrics that are already registered are not an error.
func (m *Sync) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.Passes, m.Mutations, m.PassDuration, m.Coalesced, m.Triggers} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

// ObservePass records one finished pass.
func (m *Sync) ObservePass(resourceType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Passes.WithLabelValues(resourceType, outcome).Inc()
	if d > 0 {
		m.PassDuration.WithLabelValues(resourceType).Observe(d.Seconds())
	}
}

// ObserveMutation records the result of one pending mutation.
func (m *Sync) ObserveMutation(resourceType, result string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(resourceType, result).Inc()
}

// ObserveCoalesced records a request served by a pass already in flight.
func (m *Sync) ObserveCoalesced() {
	if m == nil {
		return
	}
	m.Coalesced.Inc()
}

// ObserveTrigger records a scheduler trigger.
func (m *Sync) ObserveTrigger(trigger string) {
	if m == nil {
		return
	}
	m.Triggers.WithLabelValues(trigger).Inc()
}
