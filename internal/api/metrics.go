package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "healthlink_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "healthlink_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	linksCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "healthlink_links_created_total",
		Help: "Total number of links issued.",
	})

	manifestRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "healthlink_manifest_requests_total",
		Help: "Manifest resolutions by outcome.",
	}, []string{"outcome"})

	passcodeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "healthlink_passcode_failures_total",
		Help: "Total failed passcode attempts.",
	})

	activeLinks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "healthlink_active_links",
		Help: "Number of links currently in ACTIVE status.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, linksCreatedTotal,
		manifestRequestsTotal, passcodeFailuresTotal, activeLinks)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics, labelled by chi route
// pattern so manifest IDs do not blow up cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		dur := time.Since(start).Seconds()
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rr.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(dur)
	})
}
