package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/counter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)

type brokenStore struct {
	counter.Store
}

func (brokenStore) TakeToken(context.Context, string, float64, float64, time.Time, time.Duration) (counter.Bucket, error) {
	return counter.Bucket{}, counter.ErrUnavailable
}

func (brokenStore) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, counter.ErrUnavailable
}

func newLimiters(t *testing.T, clk *clock.FakeClock) map[string]*Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]*Limiter{
		"redis":  NewLimiter(counter.NewRedisStore(client), clk, zap.NewNop(), nil, 0),
		"memory": NewLimiter(counter.NewMemoryStore(clk), clk, zap.NewNop(), nil, 0),
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	for name := range map[string]struct{}{"redis": {}, "memory": {}} {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFakeClock(start)
			l := newLimiters(t, clk)[name]

			for i := 0; i < 5; i++ {
				res, err := l.CheckRateLimit(ctx, "client-a", 5, 1)
				require.NoError(t, err)
				require.True(t, res.Allowed)
				assert.Equal(t, 4-i, res.Remaining)
			}
			res, err := l.CheckRateLimit(ctx, "client-a", 5, 1)
			require.NoError(t, err)
			require.False(t, res.Allowed)
			assert.Equal(t, time.Second, res.RetryAfter)

			clk.Advance(3 * time.Second)
			for i := 0; i < 3; i++ {
				res, err := l.CheckRateLimit(ctx, "client-a", 5, 1)
				require.NoError(t, err)
				assert.True(t, res.Allowed, "request %d after refill", i)
			}
			res, err = l.CheckRateLimit(ctx, "client-a", 5, 1)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, 5, res.Limit)
			assert.Equal(t, start.Add(3*time.Second).Add(5*time.Second), res.ResetAt)
		})
	}
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(start)
	l := newLimiters(t, clk)["memory"]

	res, err := l.CheckRateLimit(ctx, "a", 1, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.CheckRateLimit(ctx, "a", 1, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = l.CheckRateLimit(ctx, "b", 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestFixedWindowReset(t *testing.T) {
	ctx := context.Background()
	for name := range map[string]struct{}{"redis": {}, "memory": {}} {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFakeClock(start)
			l := newLimiters(t, clk)[name]

			for i := 0; i < 3; i++ {
				res, err := l.CheckFixedWindow(ctx, "client-a", 3, 60)
				require.NoError(t, err)
				require.True(t, res.Allowed)
				assert.Equal(t, 2-i, res.Remaining)
			}
			res, err := l.CheckFixedWindow(ctx, "client-a", 3, 60)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)
			assert.Equal(t, 30*time.Second, res.RetryAfter)

			clk.Advance(60 * time.Second)
			res, err = l.CheckFixedWindow(ctx, "client-a", 3, 60)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 2, res.Remaining)
		})
	}
}

func TestFailOpen(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(brokenStore{}, clock.NewFakeClock(start), zap.NewNop(), nil, 0)

	res, err := l.CheckRateLimit(ctx, "client-a", 5, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)

	res, err = l.CheckFixedWindow(ctx, "client-a", 3, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Remaining)
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(counter.NewMemoryStore(nil), clock.SystemClock{}, zap.NewNop(), nil, 0)

	_, err := l.CheckRateLimit(ctx, " ", 5, 1)
	assert.True(t, errors.Is(err, ErrInvalidKey))
	_, err = l.CheckRateLimit(ctx, "k", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = l.CheckRateLimit(ctx, "k", 5, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = l.CheckFixedWindow(ctx, "k", 3, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestScopeFromContext(t *testing.T) {
	assert.Equal(t, "direct", ScopeFromContext(context.Background()))
	assert.Equal(t, "global", ScopeFromContext(WithScope(context.Background(), "global")))
}
