package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedRoute labels requests no route accepted, keeping label values
// bounded by the route table.
const unmatchedRoute = "unmatched"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Admin API requests by route, method and status code.",
		},
		[]string{"route", "method", "code"},
	)

	// A synchronous /dispatch/run lasts a whole cycle.
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatchd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API latency by route and method.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"route", "method"},
	)

	responseBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatchd",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Admin API response body sizes by route.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"route"},
	)

	inflightRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Admin API requests currently being served, by route.",
		},
		[]string{"route"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "http",
			Name:      "rejections_total",
			Help:      "Requests refused by the HTTP layer before reaching the dispatcher.",
		},
		[]string{"reason"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Dispatcher errors returned to clients, by error kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, responseBytes, inflightRequests, rejectionsTotal, errorsTotal)
}

// MetricsMiddleware records count, latency and response size per route.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := routeLabel(r)
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		responseBytes.WithLabelValues(route).Observe(float64(ww.BytesWritten()))
	})
}

// inflight tracks concurrent requests of one admin route.
func inflight(route string, h http.HandlerFunc) http.HandlerFunc {
	g := inflightRequests.WithLabelValues(route)
	return func(w http.ResponseWriter, r *http.Request) {
		g.Inc()
		defer g.Dec()
		h(w, r)
	}
}

// routeLabel is the chi pattern that served r. Only valid after routing.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// IncrementRejection counts a request refused by the HTTP layer itself.
func IncrementRejection(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	rejectionsTotal.WithLabelValues(reason).Inc()
}

func countError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}
