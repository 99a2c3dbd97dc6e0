package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of resolved wallet sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memewars_active_sessions",
		Help: "The number of wallet sessions currently registered",
	})

	// ActiveViews tracks the number of live battle views
	ActiveViews = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memewars_active_views",
		Help: "The number of battle views currently subscribed",
	})

	// DatabaseOperations tracks database operations
	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memewars_database_operations_total",
			Help: "The total number of database operations",
		},
		[]string{"operation", "status"}, // insert/update/select, success/failed
	)

	// RealtimeEventsPublished tracks events published to the realtime bus
	RealtimeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memewars_realtime_events_published_total",
			Help: "The total number of realtime events published",
		},
		[]string{"table", "status"},
	)

	// RealtimeEventsApplied tracks events applied to battle views
	RealtimeEventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memewars_realtime_events_applied_total",
			Help: "The total number of realtime events applied by battle views",
		},
		[]string{"table"},
	)

	// Submissions tracks user submissions by kind and outcome
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memewars_submissions_total",
			Help: "The total number of vote, meme, comment and like submissions",
		},
		[]string{"kind", "status"}, // vote/meme/comment/like, success/invalid/failed
	)

	// OptimisticRollbacks tracks optimistic changes that were undone
	OptimisticRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memewars_optimistic_rollbacks_total",
			Help: "The total number of optimistic updates rolled back after a failed write",
		},
		[]string{"kind"},
	)

	// UploadSeconds tracks time taken to upload meme images
	UploadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memewars_upload_seconds",
		Help:    "Time taken to upload a meme image in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	// HTTPRequestDuration tracks API latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memewars_http_request_duration_seconds",
			Help:    "Time taken to serve API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation string, err error) {
	DatabaseOperations.WithLabelValues(operation, status(err)).Inc()
}

// RecordPublish records a realtime publish attempt
func RecordPublish(table string, err error) {
	RealtimeEventsPublished.WithLabelValues(table, status(err)).Inc()
}

// RecordEventApplied records an event applied by a battle view
func RecordEventApplied(table string) {
	RealtimeEventsApplied.WithLabelValues(table).Inc()
}

// RecordSubmission records the outcome of a user submission
func RecordSubmission(kind, status string) {
	Submissions.WithLabelValues(kind, status).Inc()
}

// RecordRollback records an optimistic rollback
func RecordRollback(kind string) {
	OptimisticRollbacks.WithLabelValues(kind).Inc()
}

// RecordUpload records the time taken to upload an image
func RecordUpload(duration float64) {
	UploadSeconds.Observe(duration)
}

// RecordHTTPRequest records the duration of an API request
func RecordHTTPRequest(method, route, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration)
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
