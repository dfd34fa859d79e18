package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeLockTimeout      = "db_lock_timeout"
	SchedulerErrorTypeSerialization    = "serialization_failure"
	SchedulerErrorTypeUnknown          = "unknown"
)

// SchedulerMetrics captures background job health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	lockSkipped    *prometheus.CounterVec
	runLoopLag     prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// SchedulerWithConfig returns the process-wide scheduler metrics registry.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// NewSchedulerMetricsForTest builds an isolated registry.
func NewSchedulerMetricsForTest(registerer prometheus.Registerer) *SchedulerMetrics {
	return newSchedulerMetrics(registerer, Config{ServiceName: "test"})
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	constLabels := serviceLabels(cfg)

	m := &SchedulerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railgate_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "railgate_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railgate_scheduler_job_errors_total",
			Help:        "Scheduler job errors by low-cardinality type.",
			ConstLabels: constLabels,
		}, []string{"job", "error_type"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railgate_scheduler_batch_processed_total",
			Help:        "Rows processed by scheduler jobs.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		lockSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railgate_scheduler_lock_skipped_total",
			Help:        "Job runs skipped because another instance held the lock.",
			ConstLabels: constLabels,
		}, []string{"job"}),
	}
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "railgate_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	m.runLoopLag = runLoopLag

	if registerer != nil {
		registerer.MustRegister(m.jobRuns, m.jobDuration, m.jobErrors, m.batchProcessed, m.lockSkipped, runLoopLag)
	}
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerError(err)).Inc()
}

func (m *SchedulerMetrics) AddBatchProcessed(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(n))
}

func (m *SchedulerMetrics) IncLockSkipped(job string) {
	if m == nil {
		return
	}
	m.lockSkipped.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(d.Seconds())
}

// ClassifySchedulerError maps job errors to a bounded label set.
func ClassifySchedulerError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerErrorTypeDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return SchedulerErrorTypeLockTimeout
	case hasPGCode(err, "40001"):
		return SchedulerErrorTypeSerialization
	case errors.Is(err, ErrDatabase):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeUnknown
	}
}

// ErrDatabase marks persistence failures surfaced by scheduler jobs.
var ErrDatabase = errors.New("database_error")

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
