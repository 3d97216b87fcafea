// Package metrics provides Prometheus metrics for the authorization server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authz_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Prompt metrics
	promptAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_prompt_attempts_total",
			Help: "Total number of authorization prompt submissions",
		},
		[]string{"status"}, // "success", "failure", "locked"
	)

	// Token metrics
	tokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"type", "grant_type"}, // type: "access", "refresh", "id"
	)

	grantFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_grant_failures_total",
			Help: "Total number of failed token grants by error code",
		},
		[]string{"grant_type", "code"},
	)

	// Authorization code metrics
	authCodesIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authz_auth_codes_issued_total",
			Help: "Total number of authorization codes issued",
		},
	)

	requestsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authz_requests_purged_total",
			Help: "Total number of stale authorization requests deleted",
		},
	)

	// Rate limiting metrics
	rateLimitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		},
		[]string{"endpoint"},
	)

	// Account lockout metrics
	accountLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authz_account_lockouts_total",
			Help: "Total number of account lockouts",
		},
	)
)

// RecordPromptAttempt records an authorization prompt submission.
func RecordPromptAttempt(status string) {
	promptAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordTokenIssued records a token being issued.
func RecordTokenIssued(tokenType, grantType string) {
	tokensIssuedTotal.WithLabelValues(tokenType, grantType).Inc()
}

// RecordGrantFailure records a failed grant.
func RecordGrantFailure(grantType, code string) {
	grantFailuresTotal.WithLabelValues(grantType, code).Inc()
}

// RecordAuthCodeIssued records an authorization code being issued.
func RecordAuthCodeIssued() {
	authCodesIssuedTotal.Inc()
}

// RecordRequestsPurged records stale requests removed by the janitor.
func RecordRequestsPurged(n int) {
	requestsPurgedTotal.Add(float64(n))
}

// RecordRateLimitExceeded records a rate limit exceeded event.
func RecordRateLimitExceeded(endpoint string) {
	rateLimitExceededTotal.WithLabelValues(endpoint).Inc()
}

// RecordAccountLockout records an account lockout.
func RecordAccountLockout() {
	accountLockoutsTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency labelled by chi route
// pattern. Unmatched paths are grouped under "/other".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "/other"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
