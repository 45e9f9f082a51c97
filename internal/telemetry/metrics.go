// Package telemetry exposes prometheus collectors for the sync loop and lease manager.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultBusy    = "contention"
)

// Metrics groups the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	SaveTotal      *prometheus.CounterVec
	SaveDuration   prometheus.Histogram
	LeaseAcquire   *prometheus.CounterVec
	MutationTotal  *prometheus.CounterVec
	DirtyProjects  prometheus.Gauge
	EventPublished *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SaveTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waypoint_saves_total",
				Help: "Project saves attempted against the persistence gateway",
			},
			[]string{"result"},
		),
		SaveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "waypoint_save_duration_seconds",
				Help:    "Persistence gateway save latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		LeaseAcquire: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waypoint_lease_acquire_total",
				Help: "Edit lease acquire attempts",
			},
			[]string{"result"},
		),
		MutationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waypoint_mutations_total",
				Help: "Committed project mutations",
			},
			[]string{"kind"},
		),
		DirtyProjects: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "waypoint_dirty_projects",
				Help: "Open projects with unsaved local changes",
			},
		),
		EventPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waypoint_change_events_published_total",
				Help: "Change events handed to the change feed",
			},
			[]string{"result"},
		),
	}
}

// RecordSave records one save attempt.
func (m *Metrics) RecordSave(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.SaveTotal.WithLabelValues(resultLabel(err)).Inc()
	m.SaveDuration.Observe(duration.Seconds())
}

// RecordLeaseAcquire records one acquire attempt with an explicit result label.
func (m *Metrics) RecordLeaseAcquire(result string) {
	if m == nil {
		return
	}
	m.LeaseAcquire.WithLabelValues(result).Inc()
}

// RecordMutation records one committed mutation.
func (m *Metrics) RecordMutation(kind string) {
	if m == nil {
		return
	}
	m.MutationTotal.WithLabelValues(kind).Inc()
}

// MarkDirty moves the dirty-project gauge when a project changes dirty state.
func (m *Metrics) MarkDirty(dirty bool) {
	if m == nil {
		return
	}
	if dirty {
		m.DirtyProjects.Inc()
		return
	}
	m.DirtyProjects.Dec()
}

// RecordEventPublished records one change-feed publish.
func (m *Metrics) RecordEventPublished(err error) {
	if m == nil {
		return
	}
	m.EventPublished.WithLabelValues(resultLabel(err)).Inc()
}

// resultLabel maps an error onto the result label.
func resultLabel(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
