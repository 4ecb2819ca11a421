package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbharat_rows_persisted_total",
			Help: "Rows written per backend kind, table family and outcome (inserted/updated)",
		},
		[]string{"backend", "family", "outcome"},
	)

	BatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fxbharat_batch_duration_seconds",
			Help:    "Duration of one storage batch operation per backend kind and operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	BatchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbharat_batch_errors_total",
			Help: "Failed storage batch operations per backend kind and operation",
		},
		[]string{"backend", "op"},
	)

	CheckpointAdvancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbharat_checkpoint_advances_total",
			Help: "Checkpoint write attempts per source tag",
		},
		[]string{"source"},
	)
)

// ObserveBatch records the duration and outcome of one storage batch.
func ObserveBatch(backend, op string, startedAt time.Time, err error) {
	BatchDurationSeconds.WithLabelValues(backend, op).Observe(time.Since(startedAt).Seconds())
	if err != nil {
		BatchErrorsTotal.WithLabelValues(backend, op).Inc()
	}
}

// AddRows records how a batched upsert landed.
func AddRows(backend, family string, inserted, updated int) {
	if inserted > 0 {
		RowsPersistedTotal.WithLabelValues(backend, family, "inserted").Add(float64(inserted))
	}
	if updated > 0 {
		RowsPersistedTotal.WithLabelValues(backend, family, "updated").Add(float64(updated))
	}
}

var (
	ScheduledJobLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fxbharat_job_last_run_timestamp",
			Help: "Unix timestamp of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobLastDurationSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fxbharat_job_last_duration_seconds",
			Help: "Duration of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbharat_job_failures_total",
			Help: "Total number of failed executions per job",
		},
		[]string{"job"},
	)
)

// UpdateJobMetrics records the outcome of one scheduled job run.
func UpdateJobMetrics(job string, startedAt time.Time, err error) {
	dur := time.Since(startedAt).Seconds()
	ScheduledJobLastDurationSeconds.WithLabelValues(job).Set(dur)
	ScheduledJobLastRun.WithLabelValues(job).Set(float64(time.Now().Unix()))
	if err != nil {
		ScheduledJobFailuresTotal.WithLabelValues(job).Inc()
	}
}
