// Package telemetry provides application-level observability for Conpanion.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and served on the
// side-channel HTTP server started by cmd/server:
//
//	GET http(s)://<host>:<CPN_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Notification engine counters (created, suppressed, channel enqueue failures)
//   - Delivery queue counters (claimed rows, dispatch failures, re-armed rows)
//   - Invitation lifecycle counters
//   - Event handler failures and background job runs
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// Every label is drawn from a closed set (route template, notification type, channel,
// job name). Never label by user, organization or token.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Error rate (%):        sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Notification engine metrics.
//
// NotificationsCreatedTotal counts persisted notifications by type.
// NotificationsSuppressedTotal counts CreateNotification calls that produced no row,
// by reason ("self").
// NotificationChannelFailuresTotal counts email/push enqueue failures. These never
// abort notification creation, so this counter is the only signal that a channel
// is silently dropping work.
//
// Example PromQL queries:
//   - Creation rate by type: sum by (type) (rate(notifications_created_total[15m]))
//   - Alert:                 increase(notification_channel_failures_total[15m]) > 0
var (
	NotificationsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Total number of notifications persisted, by notification type.",
		},
		[]string{"type"},
	)

	NotificationsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_suppressed_total",
			Help: "Total number of notification requests suppressed before persistence, by reason.",
		},
		[]string{"reason"},
	)

	NotificationChannelFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_channel_failures_total",
			Help: "Total number of failed email/push queue insertions, by channel.",
		},
		[]string{"channel"},
	)

	NotificationsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_enqueued_total",
			Help: "Total number of delivery queue entries created, by channel.",
		},
		[]string{"channel"},
	)
)

// Delivery queue metrics, recorded by the drain and retry jobs.
//
// DeliveryClaimedTotal counts rows moved from pending to processing.
// DeliveryDispatchFailuresTotal counts external function calls that failed (non-2xx,
// timeout, or open circuit); each failure marks the claimed batch failed.
// DeliveryRearmedTotal counts failed rows put back to pending by the retry job.
// DeliveryCircuitOpen is 1 while the breaker for a channel is open.
var (
	DeliveryClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_claimed_total",
			Help: "Total number of queue rows claimed for delivery, by channel.",
		},
		[]string{"channel"},
	)

	DeliveryDispatchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_dispatch_failures_total",
			Help: "Total number of failed calls to the external delivery functions, by channel.",
		},
		[]string{"channel"},
	)

	DeliveryRearmedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_rearmed_total",
			Help: "Total number of failed queue rows re-armed for retry, by channel.",
		},
		[]string{"channel"},
	)

	DeliveryCircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_circuit_open",
			Help: "1 when the circuit breaker guarding a delivery function is open, by channel.",
		},
		[]string{"channel"},
	)
)

// InvitationsTotal counts invitation lifecycle outcomes by scope ("organization",
// "project") and outcome ("created", "resent", "accepted", "declined", "cancelled",
// "rate_limited", "expired").
var InvitationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "invitations_total",
		Help: "Total number of invitation lifecycle events, by scope and outcome.",
	},
	[]string{"scope", "outcome"},
)

// EventHandlerFailuresTotal counts domain event handlers that returned an error or
// panicked. The publishing mutation has already committed when this increments.
var EventHandlerFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "event_handler_failures_total",
		Help: "Total number of failed domain event handler invocations, by event.",
	},
	[]string{"event"},
)

// Background job metrics.
//
// Example PromQL queries:
//   - Stalled drain alert: time() - job_last_success_timestamp_seconds{job="process-email-queue"} > 600
var (
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_runs_total",
			Help: "Total number of scheduled job runs, by job and result.",
		},
		[]string{"job", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of scheduled job runs, by job.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run, by job.",
		},
		[]string{"job"},
	)
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB pool
// statistics every 30 seconds. It exits once the database becomes unreachable,
// which happens when the process closes the pool at shutdown.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
