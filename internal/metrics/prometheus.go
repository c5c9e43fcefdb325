// Package metrics provides Prometheus metrics for mounts, sync runs and the
// scheduler.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rclonegui"

// PrometheusMetrics holds the registered collectors. A nil *PrometheusMetrics
// is valid and records nothing.
type PrometheusMetrics struct {
	MountTransitions *prometheus.CounterVec
	MountGauge       *prometheus.GaugeVec
	RunCounter       *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunBytes         *prometheus.CounterVec
	ScheduleFires    *prometheus.CounterVec
	ScheduleMissed   *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		MountTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mount_transitions_total",
			Help:      "Mount state transitions by target status.",
		}, []string{"status"}),
		MountGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mounts",
			Help:      "Current number of mounts by status.",
		}, []string{"status"}),
		RunCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Finished sync runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_run_duration_seconds",
			Help:      "Duration of finished sync runs.",
			Buckets:   []float64{1, 10, 60, 300, 600, 1800, 3600, 7200, 14400},
		}, []string{"task"}),
		RunBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_transferred_bytes_total",
			Help:      "Bytes transferred by finished sync runs.",
		}, []string{"task"}),
		ScheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Scheduled runs started.",
		}, []string{"task"}),
		ScheduleMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_missed_total",
			Help:      "Scheduled fires skipped because the previous run was still active.",
		}, []string{"task"}),
	}

	for _, c := range []prometheus.Collector{
		m.MountTransitions,
		m.MountGauge,
		m.RunCounter,
		m.RunDuration,
		m.RunBytes,
		m.ScheduleFires,
		m.ScheduleMissed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return m, nil
}

// RecordMountTransition counts a mount entering status.
func (m *PrometheusMetrics) RecordMountTransition(status string) {
	if m == nil {
		return
	}
	m.MountTransitions.WithLabelValues(status).Inc()
}

// SetMountCounts replaces the per-status mount gauge.
func (m *PrometheusMetrics) SetMountCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.MountGauge.Reset()
	for status, n := range counts {
		m.MountGauge.WithLabelValues(status).Set(float64(n))
	}
}

// RecordRun counts a finished sync run.
func (m *PrometheusMetrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(outcome).Inc()
}

// RecordRunDuration observes the duration of a finished run.
func (m *PrometheusMetrics) RecordRunDuration(task string, seconds float64) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(task).Observe(seconds)
}

// AddRunBytes adds transferred bytes for a task.
func (m *PrometheusMetrics) AddRunBytes(task string, bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.RunBytes.WithLabelValues(task).Add(float64(bytes))
}

// RecordScheduleFire counts a scheduled start.
func (m *PrometheusMetrics) RecordScheduleFire(task string) {
	if m == nil {
		return
	}
	m.ScheduleFires.WithLabelValues(task).Inc()
}

// RecordScheduleMissed counts a skipped scheduled start.
func (m *PrometheusMetrics) RecordScheduleMissed(task string) {
	if m == nil {
		return
	}
	m.ScheduleMissed.WithLabelValues(task).Inc()
}
