// Package metrics holds SHORA's Prometheus collectors and the HTTP
// instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shora_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shora_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shora_messages_sent_total",
			Help: "Outbound deliveries by modality, lane and result",
		},
		[]string{"modality", "priority", "result"},
	)

	audioFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shora_audio_fallback_total",
			Help: "Audio deliveries that fell back to text",
		},
	)

	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shora_dispatch_queue_depth",
			Help: "Messages waiting in dispatcher lanes",
		},
	)

	inboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shora_inbound_messages_total",
			Help: "Inbound messages by content type",
		},
		[]string{"content_type"},
	)

	inboundDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shora_inbound_duplicates_total",
			Help: "Inbound redeliveries dropped by de-duplication",
		},
	)

	intentsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shora_intents_total",
			Help: "Classified intents of ACTIVE users",
		},
		[]string{"intent"},
	)

	incidentsReported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shora_incidents_reported_total",
			Help: "Incident reports by media type and persistence result",
		},
		[]string{"media", "result"},
	)

	incidentNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shora_incident_notifications_total",
			Help: "Incident notification attempts by notifier and result",
		},
		[]string{"notifier", "result"},
	)

	broadcastsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shora_broadcasts_total",
			Help: "Finished broadcast jobs by terminal status",
		},
		[]string{"status"},
	)

	cohortRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shora_cohort_messages_total",
			Help: "Cohort job deliveries by job and result",
		},
		[]string{"job", "result"},
	)

	usersByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shora_users_by_state",
			Help: "Users per conversation state, refreshed by the cleanup job",
		},
		[]string{"state"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func RecordSend(modality, priority string, ok bool) {
	messagesSent.WithLabelValues(modality, priority, result(ok)).Inc()
}

func RecordAudioFallback() {
	audioFallbacks.Inc()
}

func SetQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}

func RecordInbound(contentType string) {
	inboundMessages.WithLabelValues(contentType).Inc()
}

func RecordDuplicate() {
	inboundDuplicates.Inc()
}

func RecordIntent(intent string) {
	intentsClassified.WithLabelValues(intent).Inc()
}

func RecordIncident(media string, ok bool) {
	incidentsReported.WithLabelValues(media, result(ok)).Inc()
}

func RecordNotification(notifier string, ok bool) {
	incidentNotifications.WithLabelValues(notifier, result(ok)).Inc()
}

func RecordBroadcast(status string) {
	broadcastsFinished.WithLabelValues(status).Inc()
}

func RecordCohortSend(job string, ok bool) {
	cohortRuns.WithLabelValues(job, result(ok)).Inc()
}

// SetUsersByState replaces the users-per-state gauge values.
func SetUsersByState(counts map[string]int) {
	usersByState.Reset()
	for state, n := range counts {
		usersByState.WithLabelValues(state).Set(float64(n))
	}
}
