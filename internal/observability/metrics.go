package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "frames_processed_total",
		Help:      "Total number of camera frames processed by a session",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped because a previous frame was still in flight",
	})

	FacesLocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "faces_located_total",
		Help:      "Frames by number of faces located (0, 1, many)",
	}, []string{"count"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkpoint",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	LivenessResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "liveness_results_total",
		Help:      "Finished liveness challenges by challenge and result",
	}, []string{"challenge", "result"})

	AttendanceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "attendance_events_total",
		Help:      "Attendance events written to the ledger",
	}, []string{"direction", "source"})

	PendingRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "pending_records_total",
		Help:      "Attendance candidates deferred to human review",
	}, []string{"reason"})

	SweepAffected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "sweep_affected_total",
		Help:      "Pending records touched by the review sweep",
	}, []string{"action"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkpoint",
		Name:      "active_sessions",
		Help:      "Number of recognition sessions currently holding model handles",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkpoint",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkpoint",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)

// FaceCountLabel buckets a located-face count for FacesLocated.
func FaceCountLabel(n int) string {
	switch {
	case n == 0:
		return "0"
	case n == 1:
		return "1"
	default:
		return "many"
	}
}
