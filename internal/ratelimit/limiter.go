package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/counter"
	"github.com/smallbiznis/railgate/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	AlgorithmTokenBucket = "token_bucket"
	AlgorithmFixedWindow = "fixed_window"

	DefaultBucketTTL = time.Hour

	keyTokenBucket = "ratelimit:tb:"
	keyFixedWindow = "ratelimit:fw:"
)

var (
	ErrInvalidKey   = errors.New("invalid_rate_limit_key")
	ErrInvalidLimit = errors.New("invalid_rate_limit")
)

type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	Limit      int           `json:"limit"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"-"`
}

// Limiter throttles callers independently of quota. When the counter store
// cannot be reached every check is allowed.
type Limiter struct {
	store     counter.Store
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
	bucketTTL time.Duration
}

func NewLimiter(store counter.Store, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, bucketTTL time.Duration) *Limiter {
	if bucketTTL <= 0 {
		bucketTTL = DefaultBucketTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		store:     store,
		clock:     clk,
		log:       log.Named("ratelimit"),
		metrics:   m,
		bucketTTL: bucketTTL,
	}
}

func (l *Limiter) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRatePerSecond float64) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}, ErrInvalidKey
	}
	if maxTokens <= 0 || refillRatePerSecond <= 0 || math.IsNaN(refillRatePerSecond) || math.IsInf(refillRatePerSecond, 0) {
		return Result{}, ErrInvalidLimit
	}

	now := l.clock.Now()
	bucket, err := l.store.TakeToken(ctx, keyTokenBucket+key, float64(maxTokens), refillRatePerSecond, now, l.bucketTTL)
	if err != nil {
		return l.failOpen(ctx, AlgorithmTokenBucket, key, maxTokens, now, err), nil
	}

	missing := float64(maxTokens) - bucket.Tokens
	res := Result{
		Allowed:   bucket.Allowed,
		Remaining: int(math.Floor(bucket.Tokens)),
		Limit:     maxTokens,
		ResetAt:   now.Add(secondsToDuration(missing / refillRatePerSecond)),
	}
	if !bucket.Allowed {
		res.RetryAfter = secondsToDuration((1 - bucket.Tokens) / refillRatePerSecond)
	}
	l.record(ctx, AlgorithmTokenBucket, res.Allowed)
	return res, nil
}

func (l *Limiter) CheckFixedWindow(ctx context.Context, key string, limit int, windowSeconds int) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}, ErrInvalidKey
	}
	if limit <= 0 || windowSeconds <= 0 {
		return Result{}, ErrInvalidLimit
	}

	now := l.clock.Now()
	window := int64(windowSeconds)
	index := now.Unix() / window
	resetAt := time.Unix((index+1)*window, 0).UTC()

	windowKey := keyFixedWindow + key + ":" + strconv.FormatInt(index, 10)
	count, err := l.store.IncrWindow(ctx, windowKey, time.Duration(windowSeconds)*time.Second)
	if err != nil {
		return l.failOpen(ctx, AlgorithmFixedWindow, key, limit, now, err), nil
	}

	res := Result{
		Allowed:   count <= int64(limit),
		Remaining: int(max(0, int64(limit)-count)),
		Limit:     limit,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(now)
	}
	l.record(ctx, AlgorithmFixedWindow, res.Allowed)
	return res, nil
}

func (l *Limiter) failOpen(ctx context.Context, algorithm, key string, limit int, now time.Time, err error) Result {
	l.log.Warn("counter store unavailable, allowing request",
		zap.String("algorithm", algorithm),
		zap.String("key", key),
		zap.Error(err),
	)
	l.metrics.RecordRateLimitFailOpen(ctx, algorithm)
	return Result{
		Allowed:   true,
		Remaining: limit,
		Limit:     limit,
		ResetAt:   now,
	}
}

func (l *Limiter) record(ctx context.Context, algorithm string, allowed bool) {
	scope := ScopeFromContext(ctx)
	if allowed {
		l.metrics.RecordRateLimitAllowed(ctx, algorithm, scope)
		return
	}
	l.metrics.RecordRateLimitDenied(ctx, algorithm, scope)
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}

type scopeKey struct{}

// WithScope labels limiter metrics for checks made with ctx.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

func ScopeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(scopeKey{}).(string); ok && v != "" {
		return v
	}
	return "direct"
}
