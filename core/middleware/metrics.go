package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miladsoleymani/batchmux/core"
)

// MetricsCollector is the interface that metrics backends must implement.
// This keeps the middleware decoupled from any specific metrics library.
type MetricsCollector interface {
	// MessageProcessed records that a message was processed.
	// queue is the source queue, duration is processing time,
	// and err is nil on success.
	MessageProcessed(queue string, duration time.Duration, err error)
}

// Metrics returns middleware that reports processing metrics to the given collector.
func Metrics(collector MetricsCollector) core.Middleware {
	return func(next core.Handler) core.Handler {
		return func(ctx context.Context, m *core.Message) error {
			start := time.Now()
			err := next(ctx, m)
			collector.MessageProcessed(m.Queue(), time.Since(start), err)
			return err
		}
	}
}

// PrometheusCollector is a MetricsCollector backed by Prometheus. It exposes
//   - <namespace>_messages_processed_total           {queue, status}
//   - <namespace>_message_processing_duration_seconds {queue}
type PrometheusCollector struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewPrometheusCollector creates the collector and registers its metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Messages handled, by queue and status (success or error).",
		}, []string{"queue", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_duration_seconds",
			Help:      "Time spent in the message handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}
	for _, col := range []prometheus.Collector{c.processed, c.duration} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) MessageProcessed(queue string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.processed.WithLabelValues(queue, status).Inc()
	c.duration.WithLabelValues(queue).Observe(duration.Seconds())
}
