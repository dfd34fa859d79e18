package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/counter"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/railgate/internal/observability/metrics"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type entitlementMock struct {
	entitlementdomain.Service
	mock.Mock
}

func (m *entitlementMock) SweepExpired(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func newTestScheduler(t *testing.T, svc entitlementdomain.Service, store counter.Store) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	registry := prometheus.NewRegistry()
	m := obsmetrics.NewSchedulerMetricsForTest(registry)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if store == nil {
		store = counter.NewMemoryStore(clk)
	}
	s, err := New(Params{
		Log:            zap.NewNop(),
		Cfg:            Config{BatchSize: 2},
		GenID:          node,
		Clock:          clk,
		Store:          store,
		EntitlementSvc: svc,
		Metrics:        m,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, registry
}

func TestExpireJobDrainsFullBatches(t *testing.T) {
	svc := &entitlementMock{}
	svc.On("SweepExpired", mock.Anything).Return(2, nil).Twice()
	svc.On("SweepExpired", mock.Anything).Return(1, nil).Once()

	s, _ := newTestScheduler(t, svc, nil)
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	svc.AssertNumberOfCalls(t, "SweepExpired", 3)
}

func TestExpireJobWrapsDatabaseErrors(t *testing.T) {
	svc := &entitlementMock{}
	svc.On("SweepExpired", mock.Anything).Return(0, errors.New("connection reset"))

	s, _ := newTestScheduler(t, svc, nil)
	err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, obsmetrics.ErrDatabase) {
		t.Fatalf("expected database classification, got %v", err)
	}
}

func TestRunJobSkipsWhenLocked(t *testing.T) {
	svc := &entitlementMock{}
	store := counter.NewMemoryStore(clock.SystemClock{})
	if _, ok, _ := store.TryLock(context.Background(), lockPrefix+JobExpireEntitlements, time.Minute); !ok {
		t.Fatalf("expected to take lock")
	}

	s, _ := newTestScheduler(t, svc, store)
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	svc.AssertNotCalled(t, "SweepExpired", mock.Anything)
}

func TestRunJobReleasesLock(t *testing.T) {
	svc := &entitlementMock{}
	svc.On("SweepExpired", mock.Anything).Return(0, nil)

	s, _ := newTestScheduler(t, svc, nil)
	for i := 0; i < 2; i++ {
		if err := s.RunOnce(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	svc.AssertNumberOfCalls(t, "SweepExpired", 2)
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	s, registry := newTestScheduler(t, &entitlementMock{}, nil)
	err := s.runJob(context.Background(), "slow_job", 1, 5*time.Millisecond, func(ctx context.Context, run *jobRun) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected soft timeout, got %v", err)
	}
	if got := testutil.CollectAndCount(registry, "railgate_scheduler_job_errors_total"); got != 1 {
		t.Fatalf("expected one job error series, got %d", got)
	}
}
