// Package metrics exposes Prometheus instrumentation for the coordinator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal tracks the number of live jobs by execution-graph state.
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmanager_jobs_total",
			Help: "Number of live jobs by state",
		},
		[]string{"state"},
	)

	ArchivedJobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmanager_archived_jobs_total",
			Help: "Number of jobs currently held in the archive",
		},
	)

	InstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmanager_instances_total",
			Help: "Number of registered task manager instances",
		},
	)

	SlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmanager_slots_total",
			Help: "Total number of execution slots across all instances",
		},
	)

	SlotsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmanager_slots_available",
			Help: "Number of execution slots not currently assigned to a running attempt",
		},
	)

	LeaderStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmanager_is_leader",
			Help: "Whether this coordinator instance currently holds leadership (1) or not (0)",
		},
	)

	JobSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmanager_job_submissions_total",
			Help: "Total number of SubmitJob messages handled, by outcome",
		},
		[]string{"outcome"},
	)

	JobSubmissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobmanager_job_submission_duration_seconds",
			Help:    "Time spent materializing a job graph into an execution graph",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobmanager_scheduling_latency_seconds",
			Help:    "Time spent between a slot request and its fulfillment",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutionsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmanager_executions_failed_total",
			Help: "Total number of execution attempts that transitioned to FAILED",
		},
	)

	CheckpointsTriggeredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmanager_checkpoints_triggered_total",
			Help: "Total number of checkpoints triggered across all jobs",
		},
	)

	CheckpointsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmanager_checkpoints_completed_total",
			Help: "Total number of checkpoints that completed successfully",
		},
	)

	CheckpointsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmanager_checkpoints_expired_total",
			Help: "Total number of checkpoints that timed out or were aborted",
		},
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobmanager_checkpoint_duration_seconds",
			Help:    "Time from checkpoint trigger to completion",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmanager_heartbeat_age_seconds",
			Help: "Seconds since the last heartbeat was received for an instance",
		},
		[]string{"instance_id"},
	)

	CoordinatorMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmanager_coordinator_messages_total",
			Help: "Total number of messages handled by the coordinator loop, by message type",
		},
		[]string{"message_type"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		ArchivedJobsTotal,
		InstancesTotal,
		SlotsTotal,
		SlotsAvailable,
		LeaderStatus,
		JobSubmissionsTotal,
		JobSubmissionDuration,
		SchedulingLatency,
		ExecutionsFailedTotal,
		CheckpointsTriggeredTotal,
		CheckpointsCompletedTotal,
		CheckpointsExpiredTotal,
		CheckpointDuration,
		HeartbeatAge,
		CoordinatorMessagesTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting the clock immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
