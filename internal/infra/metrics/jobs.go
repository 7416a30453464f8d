package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		jobsSubmittedTotal,
		jobsFinishedTotal,
		jobDurationSeconds,
		jobProgressWriteFailuresTotal,
		queueJobs,
	)
}

var (
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of download jobs accepted, labeled by mode.",
		},
		[]string{"mode"}, // 'video', 'audio'
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Total number of job attempts finished, labeled by outcome.",
		},
		[]string{"status"}, // 'completed', 'retried', 'failed'
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall time of a single job attempt.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"status"},
	)

	jobProgressWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_progress_write_failures_total",
			Help: "Progress updates that could not be written to the queue store.",
		},
	)

	queueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_jobs",
			Help: "Current number of jobs in the queue, labeled by state.",
		},
		[]string{"state"},
	)
)

func IncJobSubmitted(mode string) {
	jobsSubmittedTotal.WithLabelValues(norm(mode)).Inc()
}

func ObserveJobFinished(status string, seconds float64) {
	jobsFinishedTotal.WithLabelValues(norm(status)).Inc()
	jobDurationSeconds.WithLabelValues(norm(status)).Observe(seconds)
}

func IncProgressWriteFailure() {
	jobProgressWriteFailuresTotal.Inc()
}

func SetQueueJobs(state string, n int64) {
	queueJobs.WithLabelValues(norm(state)).Set(float64(n))
}
