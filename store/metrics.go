package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "jsondoc"
	subsystem = "store"
)

// Metrics represents store metrics. Register it with a prometheus registry
// and pass it to Open with WithMetrics.
type Metrics struct {
	Operations *prometheus.CounterVec
	Rewrites   *prometheus.HistogramVec
	Documents  *prometheus.GaugeVec
}

// NewMetrics creates new store metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Total number of collection operations.",
		}, []string{"collection", "op", "result"}),
		Rewrites: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rewrite_seconds",
			Help:      "Duration of atomic file rewrites.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
		Documents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "documents",
			Help:      "The current number of documents per loaded collection.",
		}, []string{"collection"}),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Operations.Describe(ch)
	m.Rewrites.Describe(ch)
	m.Documents.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Operations.Collect(ch)
	m.Rewrites.Collect(ch)
	m.Documents.Collect(ch)
}

func (m *Metrics) op(collection, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(collection, op, result).Inc()
}

func (m *Metrics) rewrite(kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Rewrites.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) documents(collection string, n int) {
	if m == nil {
		return
	}
	if n < 0 {
		m.Documents.DeleteLabelValues(collection)
		return
	}
	m.Documents.WithLabelValues(collection).Set(float64(n))
}

// check interfaces
var (
	_ prometheus.Collector = (*Metrics)(nil)
)
