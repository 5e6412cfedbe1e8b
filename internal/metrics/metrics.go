// Package metrics exposes process counters on a dedicated Prometheus
// registry, keeping the default registry's Go runtime collectors out of
// the scrape surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pository/pository/internal/storage"
)

const namespace = "pository"

// Metrics bundles all instruments. Counters are safe for concurrent
// use.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    prometheus.Counter
	requestsByMethod *prometheus.CounterVec
	requestsByStatus *prometheus.CounterVec
	errorsTotal      prometheus.Counter
	uploadBytes      prometheus.Counter
	downloadBytes    prometheus.Counter
	latency          prometheus.Histogram
}

// New creates the registry and registers all instruments. The storage
// gauges sample engine stats at scrape time.
func New(engine *storage.Engine) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto{registry}

	m := &Metrics{
		registry: registry,
		requestsTotal: factory.counter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total HTTP requests served.",
		}),
		requestsByMethod: factory.counterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_by_method_total",
			Help:      "HTTP requests by method.",
		}, []string{"method"}),
		requestsByStatus: factory.counterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_by_status_total",
			Help:      "HTTP requests by response status code.",
		}, []string{"status"}),
		errorsTotal: factory.counter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Responses with a 4xx or 5xx status.",
		}),
		uploadBytes: factory.counter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes received in package uploads.",
		}),
		downloadBytes: factory.counter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes served in package downloads.",
		}),
		latency: factory.histogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_ms",
			Help:      "Request latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
	}

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pository_storage_bytes_total",
		Help: "Total bytes of stored package artifacts.",
	}, func() float64 {
		stats, err := engine.GetStorageStats()
		if err != nil {
			return 0
		}
		return float64(stats.TotalSize)
	}))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pository_packages_total",
		Help: "Number of stored packages.",
	}, func() float64 {
		stats, err := engine.GetStorageStats()
		if err != nil {
			return 0
		}
		return float64(stats.PackageCount)
	}))

	return m
}

// promauto is a tiny registration helper bound to one registry.
type promauto struct {
	registry *prometheus.Registry
}

func (f promauto) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.registry.MustRegister(c)
	return c
}

func (f promauto) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.registry.MustRegister(c)
	return c
}

func (f promauto) histogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	f.registry.MustRegister(h)
	return h
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(method string, status int, latency time.Duration) {
	m.requestsTotal.Inc()
	m.requestsByMethod.WithLabelValues(method).Inc()
	m.requestsByStatus.WithLabelValues(strconv.Itoa(status)).Inc()
	if status >= 400 {
		m.errorsTotal.Inc()
	}
	m.latency.Observe(float64(latency.Milliseconds()))
}

// AddUploadBytes records bytes received in an upload.
func (m *Metrics) AddUploadBytes(n int64) {
	m.uploadBytes.Add(float64(n))
}

// AddDownloadBytes records bytes served in a download.
func (m *Metrics) AddDownloadBytes(n int64) {
	m.downloadBytes.Add(float64(n))
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
