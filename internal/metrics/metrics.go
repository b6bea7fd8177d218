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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postal_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_admissions_total",
			Help: "Admission decisions by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	duplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postal_duplicate_requests_total",
			Help: "Requests rejected because the notification id was already claimed",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postal_rate_limit_rejections_total",
			Help: "Requests rejected by the gateway rate limiter",
		},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_notifications_processed_total",
			Help: "Notifications processed by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_delivery_attempts_total",
			Help: "Provider send attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postal_notification_latency_seconds",
			Help:    "Time from publish to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_dead_letters_total",
			Help: "Messages routed to the failed queue by source queue",
		},
		[]string{"queue"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postal_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	messagesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postal_messages_in_flight",
			Help: "Deliveries currently being handled per queue",
		},
		[]string{"queue"},
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

// RecordAdmission records the outcome of one admission (queued, scheduled,
// skipped_opt_out, failed_no_user, failed_publish).
func RecordAdmission(channel, outcome string) {
	admissions.WithLabelValues(channel, outcome).Inc()
}

func RecordDuplicate() {
	duplicates.Inc()
}

func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// RecordNotificationProcessed records the final outcome of a delivery
func RecordNotificationProcessed(channel, status string) {
	notificationsProcessed.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryAttempt records one provider call
func RecordDeliveryAttempt(channel string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	deliveryAttempts.WithLabelValues(channel, result).Inc()
}

// RecordNotificationLatency records publish-to-delivery time
func RecordNotificationLatency(channel string, latency time.Duration) {
	notificationLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

func RecordDeadLetter(queue string) {
	deadLetters.WithLabelValues(queue).Inc()
}

// SetBreakerState publishes a breaker's state as its numeric value.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// InFlight increments the in-flight gauge for queue and returns its decrement.
func InFlight(queue string) func() {
	g := messagesInFlight.WithLabelValues(queue)
	g.Inc()
	return g.Dec
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

// Middleware returns HTTP middleware that records request metrics. Requests
// routed by chi are labelled with the route pattern instead of the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
