// Package observability exposes the event loop's counters as prometheus
// metrics on a registry owned by one engine.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sehttpd"

// Latency buckets in seconds: 1ms .. 10s
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

// Metrics holds the loop counters. All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	accepted      prometheus.Counter
	dropped       prometheus.Counter
	closed        prometheus.Counter
	timeouts      prometheus.Counter
	partialWrites prometheus.Counter
	bytesSent     prometheus.Counter
	providerRetry prometheus.Counter
	parseErrors   *prometheus.CounterVec
	responses     *prometheus.CounterVec
	duration      prometheus.Histogram

	byStatus map[int]prometheus.Counter
}

// NewMetrics creates the loop metrics on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "accepted_total",
			Help:      "Connections accepted and bound to a slot",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "dropped_total",
			Help:      "Connections closed at accept because the slot pool was exhausted",
		}),
		closed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "closed_total",
			Help:      "Connections closed",
		}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "timeouts_total",
			Help:      "Reads or writes cancelled by their linked timeout",
		}),
		partialWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "io",
			Name:      "partial_writes_total",
			Help:      "Sends that completed short and were resubmitted",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "io",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to clients",
		}),
		providerRetry: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffers",
			Name:      "provide_deferred_total",
			Help:      "Buffer returns deferred to the next loop iteration",
		}),
		parseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "parse_errors_total",
			Help:      "Requests rejected by the parsers",
		}, []string{"reason"}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "responses_total",
			Help:      "Responses sent by status code",
		}, []string{"code"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time from complete request head to last response byte",
			Buckets:   latencyBuckets,
		}),
		byStatus: make(map[int]prometheus.Counter),
	}

	for _, code := range []int{200, 304, 400, 403, 404, 414, 431, 500} {
		m.byStatus[code] = m.responses.WithLabelValues(strconv.Itoa(code))
	}
	return m
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GaugeFunc registers a gauge read from fn at scrape time; fn runs on the
// scraping goroutine
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// Accepted counts a connection bound to a slot
func (m *Metrics) Accepted() {
	if m != nil {
		m.accepted.Inc()
	}
}

// Dropped counts a connection refused for lack of slots
func (m *Metrics) Dropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

// Closed counts a closed connection
func (m *Metrics) Closed() {
	if m != nil {
		m.closed.Inc()
	}
}

// Timeout counts an I/O operation cancelled by its link timeout
func (m *Metrics) Timeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}

// PartialWrite counts a short send
func (m *Metrics) PartialWrite() {
	if m != nil {
		m.partialWrites.Inc()
	}
}

// ProvideDeferred counts a buffer return queued for the next iteration
func (m *Metrics) ProvideDeferred() {
	if m != nil {
		m.providerRetry.Inc()
	}
}

// BytesSent adds n written bytes
func (m *Metrics) BytesSent(n int) {
	if m != nil && n > 0 {
		m.bytesSent.Add(float64(n))
	}
}

// ParseError counts a rejected request
func (m *Metrics) ParseError(reason string) {
	if m != nil {
		m.parseErrors.WithLabelValues(reason).Inc()
	}
}

// Response counts a response with its status code and, when start is set,
// observes its latency
func (m *Metrics) Response(code int, start time.Time) {
	if m == nil {
		return
	}
	c, ok := m.byStatus[code]
	if !ok {
		c = m.responses.WithLabelValues(strconv.Itoa(code))
	}
	c.Inc()
	if !start.IsZero() {
		m.duration.Observe(time.Since(start).Seconds())
	}
}
