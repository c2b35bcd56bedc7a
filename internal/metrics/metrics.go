// Package metrics provides Prometheus instrumentation for the vidforge platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidforge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidforge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// JobsSubmittedTotal counts submitted jobs by operation type.
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidforge",
			Name:      "jobs_submitted_total",
			Help:      "Total jobs submitted by operation type.",
		},
		[]string{"type"},
	)

	// JobsCompletedTotal counts finished jobs by operation type and outcome.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidforge",
			Name:      "jobs_completed_total",
			Help:      "Total jobs finished by operation type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// JobDuration observes transcoder wall-clock time by operation type.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidforge",
			Name:      "job_duration_seconds",
			Help:      "Transcode duration from dequeue to finalize in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	// JobRetriesTotal counts queue-level retries by operation type.
	JobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidforge",
			Name:      "job_retries_total",
			Help:      "Total queue-level job retries by operation type.",
		},
		[]string{"type"},
	)

	// LedgerOpsTotal counts ledger mutations by type and result.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidforge",
			Name:      "ledger_ops_total",
			Help:      "Total ledger mutations by entry type and result.",
		},
		[]string{"op", "result"},
	)

	// OutboxPublishedTotal counts outbox events published to the bus.
	OutboxPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vidforge",
		Name:      "outbox_published_total",
		Help:      "Total outbox events successfully published.",
	})

	// OutboxFailedTotal counts failed publish attempts.
	OutboxFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vidforge",
		Name:      "outbox_failed_total",
		Help:      "Total outbox publish failures.",
	})

	// OutboxDeadTotal counts events moved to the dead state.
	OutboxDeadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vidforge",
		Name:      "outbox_dead_total",
		Help:      "Total outbox events exhausted and marked dead.",
	})

	// OutboxPendingGauge tracks the size of the retryable backlog.
	OutboxPendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidforge",
		Name:      "outbox_pending",
		Help:      "Outbox events currently pending or awaiting retry.",
	})

	// JanitorRepairsTotal counts janitor reconciliations by action.
	JanitorRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidforge",
			Name:      "janitor_repairs_total",
			Help:      "Total stale reservations repaired by action taken.",
		},
		[]string{"action"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vidforge",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidforge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidforge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidforge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidforge", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidforge", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidforge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobDuration,
		JobRetriesTotal,
		LedgerOpsTotal,
		OutboxPublishedTotal,
		OutboxFailedTotal,
		OutboxDeadTotal,
		OutboxPendingGauge,
		JanitorRepairsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
