package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nudge_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_dispatch_ticks_total",
			Help: "Dispatch ticks by outcome (completed, skipped, aborted)",
		},
		[]string{"outcome"},
	)

	dispatchTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nudge_dispatch_tick_duration_seconds",
			Help:    "Duration of one due-reminder scan-and-deliver pass",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	remindersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_reminders_processed_total",
			Help: "Reminders processed by resulting status",
		},
		[]string{"status"},
	)

	occurrencesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_occurrences_scheduled_total",
			Help: "Next occurrences inserted for recurring reminders",
		},
	)

	smsSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nudge_sms_send_duration_seconds",
			Help:    "SMS gateway call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 15},
		},
	)

	verificationCodesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_verification_codes_issued_total",
			Help: "Verification codes generated and sent",
		},
	)

	verificationConfirms = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_verification_confirms_total",
			Help: "Verification confirm attempts by result",
		},
		[]string{"result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTick records one dispatch tick and how it ended
func RecordTick(outcome string, duration time.Duration) {
	dispatchTicks.WithLabelValues(outcome).Inc()
	dispatchTickDuration.Observe(duration.Seconds())
}

// RecordReminderProcessed records a reminder's terminal status for this occurrence
func RecordReminderProcessed(status string) {
	remindersProcessed.WithLabelValues(status).Inc()
}

// RecordOccurrenceScheduled records a recurring reminder's next row being inserted
func RecordOccurrenceScheduled() {
	occurrencesScheduled.Inc()
}

// RecordSMSSend records gateway call latency
func RecordSMSSend(duration time.Duration) {
	smsSendDuration.Observe(duration.Seconds())
}

// RecordVerificationCodeIssued records a code being generated and sent
func RecordVerificationCodeIssued() {
	verificationCodesIssued.Inc()
}

// RecordVerificationConfirm records a confirm attempt result
// (verified, invalid, expired, no_code)
func RecordVerificationConfirm(result string) {
	verificationConfirms.WithLabelValues(result).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
