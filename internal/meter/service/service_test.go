package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/config"
	"github.com/smallbiznis/railgate/internal/counter"
	meterdomain "github.com/smallbiznis/railgate/internal/meter/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 4, 28, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T, store counter.Store, clk clock.Clock) meterdomain.Service {
	t.Helper()
	return New(Params{
		Store: store,
		Clock: clk,
		Cfg: config.Config{Meter: config.MeterConfig{
			HistorySize:    3,
			WarningPercent: 80,
		}},
		Tiers: config.NewStaticTierLimits(config.DefaultTierLimits()),
		Log:   zap.NewNop(),
	})
}

func TestRecordUsageStatuses(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(now)
	svc := newService(t, counter.NewMemoryStore(clk), clk)

	m, err := svc.RecordUsage(ctx, meterdomain.RecordRequest{UserID: "u1", Feature: "rpc", Units: 500})
	require.NoError(t, err)
	assert.Equal(t, "free", m.Tier)
	assert.Equal(t, 1000.0, m.Limit)
	assert.Equal(t, 50.0, m.Percentage)
	assert.Equal(t, meterdomain.StatusOK, m.Status)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), m.ResetDate)

	m, err = svc.RecordUsage(ctx, meterdomain.RecordRequest{UserID: "u1", Feature: "rpc", Units: 350})
	require.NoError(t, err)
	assert.Equal(t, meterdomain.StatusWarning, m.Status)

	m, err = svc.RecordUsage(ctx, meterdomain.RecordRequest{UserID: "u1", Feature: "rpc", Units: 150})
	require.NoError(t, err)
	assert.Equal(t, meterdomain.StatusExceeded, m.Status)
}

func TestCounterResetsAtMonthBoundary(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(now)
	svc := newService(t, counter.NewMemoryStore(clk), clk)

	_, err := svc.RecordUsage(ctx, meterdomain.RecordRequest{UserID: "u1", Feature: "rpc", Units: 900})
	require.NoError(t, err)

	clk.Set(time.Date(2026, 5, 1, 0, 0, 1, 0, time.UTC))
	m, err := svc.CheckQuota(ctx, meterdomain.QuotaRequest{UserID: "u1", Feature: "rpc"})
	require.NoError(t, err)
	assert.Zero(t, m.Usage)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), m.ResetDate)
}

func TestEnforceQuotaSkipsWhenExceeded(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clk := clock.NewFakeClock(now)
	svc := newService(t, counter.NewRedisStore(client), clk)
	limits := map[string]float64{"free": 10}

	res, err := svc.EnforceQuota(ctx, meterdomain.RecordRequest{UserID: "u1", Feature: "rpc", Units: 10, TierLimits: limits})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, meterdomain.StatusExceeded, res.Metrics.Status)

	res, err = svc.EnforceQuota(ctx, meterdomain.RecordRequest{UserID: "u1", Feature: "rpc", Units: 1, TierLimits: limits})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 10.0, res.Metrics.Usage)

	check, err := svc.CheckQuota(ctx, meterdomain.QuotaRequest{UserID: "u1", Feature: "rpc", TierLimits: limits})
	require.NoError(t, err)
	assert.Equal(t, 10.0, check.Usage)

	hist, err := svc.History(ctx, meterdomain.HistoryRequest{UserID: "u1", Feature: "rpc", Days: 1})
	require.NoError(t, err)
	assert.Len(t, hist.Entries, 1)
}

func TestTierLookup(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(now)
	svc := newService(t, counter.NewMemoryStore(clk), clk)

	tier, err := svc.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "free", tier)

	require.ErrorIs(t, svc.SetTier(ctx, "u1", "platinum"), meterdomain.ErrInvalidTier)
	require.NoError(t, svc.SetTier(ctx, "u1", "Pro"))

	m, err := svc.CheckQuota(ctx, meterdomain.QuotaRequest{UserID: "u1", Feature: "rpc"})
	require.NoError(t, err)
	assert.Equal(t, "pro", m.Tier)
	assert.Equal(t, 10000.0, m.Limit)

	// A caller-supplied table without the user's tier falls back to free.
	m, err = svc.CheckQuota(ctx, meterdomain.QuotaRequest{UserID: "u1", Feature: "rpc", TierLimits: map[string]float64{"free": 5}})
	require.NoError(t, err)
	assert.Equal(t, 5.0, m.Limit)
}

func TestHistoryWindowAndBound(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(now)
	svc := newService(t, counter.NewMemoryStore(clk), clk)

	for i := 0; i < 4; i++ {
		_, err := svc.RecordUsage(ctx, meterdomain.RecordRequest{UserID: "u1", Feature: "rpc", Units: float64(i + 1)})
		require.NoError(t, err)
		clk.Advance(24 * time.Hour)
	}

	all, err := svc.History(ctx, meterdomain.HistoryRequest{UserID: "u1", Feature: "rpc", Days: 30})
	require.NoError(t, err)
	require.Len(t, all.Entries, 3)
	assert.Equal(t, 4.0, all.Entries[0].Units)
	assert.Equal(t, 9.0, all.Total)

	recent, err := svc.History(ctx, meterdomain.HistoryRequest{UserID: "u1", Feature: "rpc", Days: 2})
	require.NoError(t, err)
	assert.Len(t, recent.Entries, 2)

	_, err = svc.History(ctx, meterdomain.HistoryRequest{UserID: "u1", Feature: "rpc", Days: 0})
	assert.ErrorIs(t, err, meterdomain.ErrInvalidDays)
}

func TestStoreErrorsPropagate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	svc := newService(t, counter.NewRedisStore(client), clock.NewFakeClock(now))
	mr.Close()

	_, err := svc.EnforceQuota(context.Background(), meterdomain.RecordRequest{UserID: "u1", Feature: "rpc", Units: 1})
	assert.ErrorIs(t, err, counter.ErrUnavailable)
}

func TestValidation(t *testing.T) {
	clk := clock.NewFakeClock(now)
	svc := newService(t, counter.NewMemoryStore(clk), clk)
	ctx := context.Background()

	_, err := svc.RecordUsage(ctx, meterdomain.RecordRequest{Feature: "rpc", Units: 1})
	assert.ErrorIs(t, err, meterdomain.ErrInvalidUserID)
	_, err = svc.RecordUsage(ctx, meterdomain.RecordRequest{UserID: "u1", Feature: "a:b", Units: 1})
	assert.ErrorIs(t, err, meterdomain.ErrInvalidFeature)
	_, err = svc.EnforceQuota(ctx, meterdomain.RecordRequest{UserID: "u1", Feature: "rpc", Units: -1})
	assert.ErrorIs(t, err, meterdomain.ErrInvalidUnits)
}
