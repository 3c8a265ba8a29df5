package binder

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observer is the pluggable metrics-collection surface an Endpoint
// reports through: transaction latency and outcome, buffer-pool
// occupancy, reference-count churn, and death-notification delivery.
// Endpoint reports transactions, reference-count events and death
// notifications; nothing in this package calls ObserveBufferPool.
// This is the binder-domain equivalent of go-ublk's read/write/flush/
// discard Observer.
type Observer interface {
	ObserveTransaction(oneway bool, latencyNs uint64, success bool)
	ObserveBufferPool(bytesInUse uint32, freeAsyncSpace int64)
	ObserveRefCountEvent(kind string)
	ObserveDeathNotification()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTransaction(bool, uint64, bool) {}
func (NoOpObserver) ObserveBufferPool(uint32, int64)       {}
func (NoOpObserver) ObserveRefCountEvent(string)           {}
func (NoOpObserver) ObserveDeathNotification()             {}

// Metrics holds the Prometheus collectors backing PrometheusObserver.
// Unlike go-ublk's hand-rolled atomic counters and manually-interpolated
// percentile histogram, these are real client_golang collectors scraped
// over HTTP the usual way.
type Metrics struct {
	transactionsTotal  *prometheus.CounterVec
	transactionLatency prometheus.Histogram
	bufferBytesInUse   prometheus.Gauge
	bufferFreeAsync    prometheus.Gauge
	refCountEvents     *prometheus.CounterVec
	deathNotifications prometheus.Counter
}

// NewMetrics registers a fresh set of collectors against reg. Pass
// prometheus.DefaultRegisterer to expose them on the process-wide
// /metrics endpoint, or a private *prometheus.Registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "binder",
			Name:      "transactions_total",
			Help:      "Transactions processed, by outcome.",
		}, []string{"oneway", "outcome"}),
		transactionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "binder",
			Name:      "transaction_latency_seconds",
			Help:      "Duration of the reader's WRITE_READ call that delivered a BR_TRANSACTION/BR_REPLY.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8), // 1us .. 10s
		}),
		bufferBytesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "binder",
			Name:      "buffer_bytes_in_use",
			Help:      "Bytes currently allocated out of the shared mapping.",
		}),
		bufferFreeAsync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "binder",
			Name:      "buffer_free_async_space",
			Help:      "Remaining free_async_space budget for oneway transactions.",
		}),
		refCountEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "binder",
			Name:      "refcount_events_total",
			Help:      "Reference-count state transitions, by kind.",
		}, []string{"kind"}),
		deathNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "binder",
			Name:      "death_notifications_total",
			Help:      "BR_DEAD_BINDER notifications delivered.",
		}),
	}
	reg.MustRegister(
		m.transactionsTotal,
		m.transactionLatency,
		m.bufferBytesInUse,
		m.bufferFreeAsync,
		m.refCountEvents,
		m.deathNotifications,
	)
	return m
}

// PrometheusObserver implements Observer over a Metrics collector set.
type PrometheusObserver struct {
	m *Metrics
}

// NewPrometheusObserver wraps m as an Observer.
func NewPrometheusObserver(m *Metrics) *PrometheusObserver {
	return &PrometheusObserver{m: m}
}

func (o *PrometheusObserver) ObserveTransaction(oneway bool, latencyNs uint64, success bool) {
	outcome := "ok"
	if !success {
		outcome = "failed"
	}
	onewayLabel := "false"
	if oneway {
		onewayLabel = "true"
	}
	o.m.transactionsTotal.WithLabelValues(onewayLabel, outcome).Inc()
	o.m.transactionLatency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveBufferPool(bytesInUse uint32, freeAsyncSpace int64) {
	o.m.bufferBytesInUse.Set(float64(bytesInUse))
	o.m.bufferFreeAsync.Set(float64(freeAsyncSpace))
}

func (o *PrometheusObserver) ObserveRefCountEvent(kind string) {
	o.m.refCountEvents.WithLabelValues(kind).Inc()
}

func (o *PrometheusObserver) ObserveDeathNotification() {
	o.m.deathNotifications.Inc()
}

var _ Observer = (*PrometheusObserver)(nil)
var _ Observer = NoOpObserver{}

// MetricsHandler returns the promhttp handler for reg, for wiring into
// an HTTP mux at /metrics (cmd/binderctl does this for manual scrape
// testing).
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
