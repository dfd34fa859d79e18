package counter

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps every failure to reach the shared store. Callers pick
// their own policy: the rate limiter fails open, the meter surfaces it.
var ErrUnavailable = errors.New("counter_store_unavailable")

// Bucket is the token-bucket state after a TakeToken call.
type Bucket struct {
	Allowed    bool
	Tokens     float64
	LastRefill time.Time
}

// Store is the counter capability shared by the rate limiter, the usage
// meter and the expiry sweeper lock. All mutations are atomic per key.
type Store interface {
	// TakeToken refills the bucket for the time elapsed since its last
	// refill, consumes one token when at least one is available and
	// persists the new state whether or not a token was taken.
	TakeToken(ctx context.Context, key string, maxTokens, refillPerSecond float64, now time.Time, ttl time.Duration) (Bucket, error)
	// IncrWindow increments a counter and sets ttl on first increment.
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
	IncrFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
	// IncrFloatBelow adds delta only when the current value is below ceiling.
	IncrFloatBelow(ctx context.Context, key string, delta, ceiling float64, ttl time.Duration) (float64, bool, error)
	// GetFloat returns 0 for a missing key.
	GetFloat(ctx context.Context, key string) (float64, error)
	// PushHistory prepends entry and keeps at most max entries.
	PushHistory(ctx context.Context, key, entry string, max int, ttl time.Duration) error
	// History returns entries newest first.
	History(ctx context.Context, key string) ([]string, error)
	GetString(ctx context.Context, key string) (string, bool, error)
	// SetString stores value; ttl 0 keeps it forever.
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
	Ping(ctx context.Context) error
}
