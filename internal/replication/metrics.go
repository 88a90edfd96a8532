package replication

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
	"gitlab.com/gitlab-org/shardrepl/internal/shard/permits"
)

// HistogramVec is the subset of *prometheus.HistogramVec used for phase
// durations.
type HistogramVec interface {
	prometheus.Collector
	WithLabelValues(lvs ...string) prometheus.Observer
}

// Metrics collects outcomes and phase durations of both pipelines.
type Metrics struct {
	operations    *prometheus.CounterVec
	phaseDuration HistogramVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithPhaseDurationVec replaces the phase duration histogram.
func WithPhaseDurationVec(vec HistogramVec) MetricsOption {
	return func(m *Metrics) {
		m.phaseDuration = vec
	}
}

// NewMetrics creates the replication metrics. buckets configures the phase
// duration histogram; nil selects prometheus.DefBuckets.
func NewMetrics(buckets []float64, opts ...MetricsOption) *Metrics {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shardrepl",
				Subsystem: "replication",
				Name:      "operations_total",
				Help:      "Total number of replicated operations by action, role and outcome",
			},
			[]string{"action", "role", "outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shardrepl",
				Subsystem: "replication",
				Name:      "phase_duration_seconds",
				Help:      "Time spent in each phase of the primary pipeline",
				Buckets:   buckets,
			},
			[]string{"action", "phase"},
		),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.operations.Collect(metrics)
	m.phaseDuration.Collect(metrics)
}

func (m *Metrics) observePhase(action string, phase Phase, start time.Time) {
	m.phaseDuration.WithLabelValues(action, phase.String()).Observe(time.Since(start).Seconds())
}

func (m *Metrics) countOperation(action, role string, err error) {
	m.operations.WithLabelValues(action, role, outcome(err)).Inc()
}

func outcome(err error) string {
	var blocked *cluster.BlockedError
	switch {
	case err == nil:
		return "succeeded"
	case errors.As(err, &blocked):
		return "blocked"
	case errors.Is(err, permits.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}
