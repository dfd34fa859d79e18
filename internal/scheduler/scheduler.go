package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/counter"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/railgate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireEntitlements = "expire_entitlements"

	lockPrefix = "scheduler:lock:"
)

type Params struct {
	fx.In

	Log            *zap.Logger
	Cfg            Config
	GenID          *snowflake.Node
	Clock          clock.Clock
	Store          counter.Store
	EntitlementSvc entitlementdomain.Service
	Metrics        *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	log            *zap.Logger
	cfg            Config
	genID          *snowflake.Node
	clock          clock.Clock
	store          counter.Store
	entitlementSvc entitlementdomain.Service
	metrics        *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.EntitlementSvc == nil {
		return nil, errors.New("scheduler requires the entitlement service")
	}
	return &Scheduler{
		log:            p.Log.Named("scheduler"),
		cfg:            p.Cfg.withDefaults(),
		genID:          p.GenID,
		clock:          p.Clock,
		store:          p.Store,
		entitlementSvc: p.EntitlementSvc,
		metrics:        p.Metrics,
	}, nil
}

// runJob executes fn under a timeout while holding a cross-instance lock.
// A held lock means another instance is running the job; that run is skipped.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	token, ok, err := s.store.TryLock(parent, lockPrefix+name, s.cfg.LockTTL)
	if err != nil {
		s.metrics.IncJobError(name, err)
		return fmt.Errorf("%s: acquire lock: %w", name, err)
	}
	if !ok {
		s.metrics.IncLockSkipped(name)
		s.log.Debug("job locked by another instance", zap.String("job", name))
		return nil
	}
	defer func() {
		if err := s.store.Unlock(context.Background(), lockPrefix+name, token); err != nil {
			s.log.Warn("release job lock failed", zap.String("job", name), zap.Error(err))
		}
	}()

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.newJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err = fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.metrics.AddBatchProcessed(name, run.processedCount)
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, JobExpireEntitlements, s.cfg.BatchSize, s.cfg.JobTimeout, s.ExpireEntitlementsJob)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

// ExpireEntitlementsJob drains expired-but-active entitlements one batch at
// a time until a batch comes back short or the context ends.
func (s *Scheduler) ExpireEntitlementsJob(ctx context.Context, run *jobRun) error {
	for {
		n, err := s.entitlementSvc.SweepExpired(ctx)
		run.AddProcessed(n)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Join(obsmetrics.ErrDatabase, err)
		}
		if n < s.cfg.BatchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
