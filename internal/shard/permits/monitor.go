package permits

import (
	"context"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const acquireDurationLogThreshold = 10 * time.Millisecond

// Monitor allows permit activity of a gate to be observed.
type Monitor interface {
	Queued(ctx context.Context, mode Mode)
	Dequeued(ctx context.Context, mode Mode)
	Enter(ctx context.Context, mode Mode, acquireTime time.Duration)
	Exit(ctx context.Context, mode Mode)
}

type nullMonitor struct{}

func (nullMonitor) Queued(context.Context, Mode)               {}
func (nullMonitor) Dequeued(context.Context, Mode)             {}
func (nullMonitor) Enter(context.Context, Mode, time.Duration) {}
func (nullMonitor) Exit(context.Context, Mode)                 {}

var (
	histogramVec *prometheus.HistogramVec

	heldGaugeVec = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardrepl",
			Subsystem: "permits",
			Name:      "held",
			Help:      "Gauge of number of operation permits currently held",
		},
		[]string{"shard", "mode"},
	)

	queuedGaugeVec = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardrepl",
			Subsystem: "permits",
			Name:      "queued",
			Help:      "Gauge of number of operation permit requests waiting to be granted",
		},
		[]string{"shard", "mode"},
	)
)

// EnableAcquireTimeHistogram enables histograms for acquisition times
func EnableAcquireTimeHistogram(buckets []float64) {
	histogramOpts := prometheus.HistogramOpts{
		Namespace: "shardrepl",
		Subsystem: "permits",
		Name:      "acquiring_seconds",
		Help:      "Histogram of time taken to acquire an operation permit",
		Buckets:   buckets,
	}

	histogramVec = promauto.NewHistogramVec(
		histogramOpts,
		[]string{"shard", "mode"},
	)
}

type promMonitor struct {
	shard string
}

// NewPromMonitor creates a new Monitor that tracks permit activity of the
// given shard copy in Prometheus.
func NewPromMonitor(shard string) Monitor {
	return &promMonitor{shard: shard}
}

func (c *promMonitor) Queued(ctx context.Context, mode Mode) {
	queuedGaugeVec.WithLabelValues(c.shard, mode.String()).Inc()
}

func (c *promMonitor) Dequeued(ctx context.Context, mode Mode) {
	queuedGaugeVec.WithLabelValues(c.shard, mode.String()).Dec()
}

func (c *promMonitor) Enter(ctx context.Context, mode Mode, acquireTime time.Duration) {
	heldGaugeVec.WithLabelValues(c.shard, mode.String()).Inc()

	if acquireTime > acquireDurationLogThreshold {
		ctxlogrus.Extract(ctx).WithFields(map[string]interface{}{
			"shard":      c.shard,
			"mode":       mode.String(),
			"acquire_ms": acquireTime.Seconds() * 1000,
		}).Info("operation permit acquire wait")
	}

	if histogramVec != nil {
		histogramVec.WithLabelValues(c.shard, mode.String()).Observe(acquireTime.Seconds())
	}
}

func (c *promMonitor) Exit(ctx context.Context, mode Mode) {
	heldGaugeVec.WithLabelValues(c.shard, mode.String()).Dec()
}
