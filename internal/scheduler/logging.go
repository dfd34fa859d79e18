package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/railgate/internal/observability/context"
	obslogger "github.com/smallbiznis/railgate/internal/observability/logger"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) newJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	if s.genID != nil {
		run.runID = s.genID.Generate().String()
	}
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithRequestID(ctx, run.runID)
	return ctx, run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Debug("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := s.logger(ctx)
	switch {
	case run.errorCount > 0:
		log.Warn("scheduler.job.finish", fields...)
	case run.processedCount > 0:
		log.Info("scheduler.job.finish", fields...)
	default:
		log.Debug("scheduler.job.finish", fields...)
	}
}
