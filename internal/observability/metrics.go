// Package observability exposes the sidecar's own delivery metrics to
// Prometheus.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/selivandex/loadmetrics/pkg/metrics"
	"github.com/selivandex/loadmetrics/pkg/sink"
)

// Metrics holds all Prometheus metrics and implements metrics.Observer.
type Metrics struct {
	PointsIngested prometheus.Counter
	PointsWritten  prometheus.Counter
	DroppedPoints  *prometheus.CounterVec
	Flushes        *prometheus.CounterVec
	FlushDuration  prometheus.Histogram
	FlushBatchSize prometheus.Histogram
	PendingPoints  prometheus.Gauge
}

var _ metrics.Observer = (*Metrics)(nil)

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		PointsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "loadmetrics_points_ingested_total",
			Help: "Total number of points accepted into the buffer",
		}),
		PointsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "loadmetrics_points_written_total",
			Help: "Total number of points delivered to the sink",
		}),
		DroppedPoints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loadmetrics_points_dropped_total",
			Help: "Total number of points given up without delivery",
		}, []string{"reason"}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loadmetrics_flushes_total",
			Help: "Total number of write attempts by outcome",
		}, []string{"status"}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loadmetrics_flush_duration_seconds",
			Help:    "Duration of successful batch writes",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		FlushBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loadmetrics_flush_batch_points",
			Help:    "Number of points per write attempt",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		PendingPoints: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loadmetrics_pending_points",
			Help: "Points currently buffered",
		}),
	}
}

func (m *Metrics) PointIngested() {
	m.PointsIngested.Inc()
}

func (m *Metrics) FlushSucceeded(points int, elapsed time.Duration) {
	m.Flushes.WithLabelValues("success").Inc()
	m.PointsWritten.Add(float64(points))
	m.FlushDuration.Observe(elapsed.Seconds())
	m.FlushBatchSize.Observe(float64(points))
}

func (m *Metrics) FlushFailed(points int, err error) {
	m.Flushes.WithLabelValues(failureStatus(err)).Inc()
	m.FlushBatchSize.Observe(float64(points))
}

func (m *Metrics) PointsDropped(points int, reason string) {
	m.DroppedPoints.WithLabelValues(reason).Add(float64(points))
}

func (m *Metrics) PendingChanged(pending int) {
	m.PendingPoints.Set(float64(pending))
}

func failureStatus(err error) string {
	var writeErr *sink.WriteError
	switch {
	case sink.IsConnectionError(err):
		return "connection_error"
	case errors.As(err, &writeErr):
		return "write_error"
	default:
		return "error"
	}
}
