package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the scraper.
type Metrics struct {
	PagesTotal         *prometheus.CounterVec
	RetriesTotal       prometheus.Counter
	ValidationWarnings prometheus.Counter
	ImagesTotal        *prometheus.CounterVec
	FetchDuration      prometheus.Histogram
	FrontierQueued     prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the metrics on reg. A nil reg yields unregistered
// metrics, which is what tests and library callers without a registry get.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docscraper_pages_total",
			Help: "The total number of pages processed, by outcome",
		}, []string{"status"}), // succeeded, failed, skipped
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "docscraper_fetch_retries_total",
			Help: "The total number of fetch retries",
		}),
		ValidationWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "docscraper_validation_warnings_total",
			Help: "Pages saved although content validation failed",
		}),
		ImagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docscraper_images_total",
			Help: "Image references handled, by result",
		}, []string{"result"}), // downloaded, cached, failed, skipped
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docscraper_fetch_duration_seconds",
			Help:    "Duration of browser fetches",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
		}),
		FrontierQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docscraper_frontier_queued",
			Help: "URLs waiting in the crawl frontier",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docscraper_http_requests_total",
			Help: "Requests served by the status server",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docscraper_http_request_duration_seconds",
			Help:    "Duration of status server requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) IncPages(status string) {
	m.PagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncImages(result string) {
	m.ImagesTotal.WithLabelValues(result).Inc()
}
