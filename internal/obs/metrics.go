// Package obs holds the process-wide Prometheus collectors.
package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keyward_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyward_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyward_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// VaultDecryptFailures counts stored values that failed to open.
	VaultDecryptFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyward_vault_decrypt_failures_total",
			Help: "Credential values that could not be decrypted.",
		},
		[]string{"tenant"},
	)

	// VaultWrites counts bundle overwrites.
	VaultWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyward_vault_writes_total",
		Help: "Credential bundle writes.",
	})

	// OAuthExchanges counts code exchanges by provider, flow and result.
	OAuthExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyward_oauth_exchanges_total",
			Help: "OAuth code exchanges.",
		},
		[]string{"provider", "flow", "result"},
	)

	// AuthLogins counts login attempts by method and result code.
	AuthLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyward_auth_logins_total",
			Help: "Login attempts.",
		},
		[]string{"method", "result"},
	)

	// RateLimited counts requests rejected by the per-client limiter.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyward_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})
)

var registerOnce sync.Once

// Register adds all collectors to reg once per process.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			VaultDecryptFailures, VaultWrites, OAuthExchanges, AuthLogins, RateLimited,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests. Routes are labelled
// with the chi pattern to keep cardinality bounded.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
