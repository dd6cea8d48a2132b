package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "msuadmin",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msuadmin",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "msuadmin",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	packageChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msuadmin",
			Subsystem: "packages",
			Name:      "changes_total",
			Help:      "Package info changes by action and result.",
		},
		[]string{"action", "result"},
	)

	packageConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msuadmin",
			Subsystem: "packages",
			Name:      "conflicts_total",
			Help:      "Lock contention and revision conflicts on package saves.",
		},
		[]string{"kind"},
	)

	catalogGenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msuadmin",
			Subsystem: "catalogs",
			Name:      "generations_total",
			Help:      "Catalog regenerations by track and outcome.",
		},
		[]string{"track", "success"},
	)

	catalogDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "msuadmin",
			Subsystem: "catalogs",
			Name:      "generation_duration_seconds",
			Help:      "Duration of catalog regenerations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"track"},
	)

	mailDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msuadmin",
			Subsystem: "mail",
			Name:      "deliveries_total",
			Help:      "Admin notification emails by kind and outcome.",
		},
		[]string{"kind", "success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		packageChanges,
		packageConflicts,
		catalogGenerations,
		catalogDuration,
		mailDeliveries,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncInFlight and DecInFlight track concurrent HTTP requests.
func IncInFlight() { httpInFlight.Inc() }

func DecInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one completed request. path should be a route
// template so label cardinality stays bounded.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if path == "" {
		path = "unmatched"
	}
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPackageChange records the outcome of a package mutation.
func RecordPackageChange(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	packageChanges.WithLabelValues(action, result).Inc()
}

// RecordPackageConflict records lock contention ("locked") or a revision
// retry ("revision").
func RecordPackageConflict(kind string) {
	packageConflicts.WithLabelValues(kind).Inc()
}

// RecordCatalogGeneration records metrics for a catalog regeneration.
func RecordCatalogGeneration(track string, duration time.Duration, success bool) {
	if track == "" {
		track = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "false"
	if success {
		result = "true"
	}
	catalogGenerations.WithLabelValues(track, result).Inc()
	catalogDuration.WithLabelValues(track).Observe(duration.Seconds())
}

// RecordMailDelivery records an admin notification attempt.
func RecordMailDelivery(kind string, success bool) {
	result := "false"
	if success {
		result = "true"
	}
	mailDeliveries.WithLabelValues(kind, result).Inc()
}
