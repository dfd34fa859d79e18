package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lua numbers are truncated to integers on return, so fractional values
// travel back as strings.
const tokenBucketScript = `
local max = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil or ts == nil then
  tokens = max
  ts = now
end

local delta = now - ts
if delta < 0 then
  delta = 0
end
tokens = math.min(max, tokens + (delta / 1000) * rate)
ts = math.max(ts, now)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
if ARGV[4] ~= "0" then
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
end

return {allowed, tostring(tokens), tostring(ts)}
`

const incrWindowScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 and ARGV[1] ~= "0" then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`

const incrFloatScript = `
local v = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
if ARGV[2] ~= "0" then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`

const incrFloatBelowScript = `
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur >= tonumber(ARGV[2]) then
  return {0, tostring(cur)}
end
local v = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
if ARGV[3] ~= "0" then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return {1, v}
`

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type RedisStore struct {
	client         redis.UniversalClient
	tokenBucket    *redis.Script
	incrWindow     *redis.Script
	incrFloat      *redis.Script
	incrFloatBelow *redis.Script
	unlock         *redis.Script
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:         client,
		tokenBucket:    redis.NewScript(tokenBucketScript),
		incrWindow:     redis.NewScript(incrWindowScript),
		incrFloat:      redis.NewScript(incrFloatScript),
		incrFloatBelow: redis.NewScript(incrFloatBelowScript),
		unlock:         redis.NewScript(unlockScript),
	}
}

func (s *RedisStore) TakeToken(ctx context.Context, key string, maxTokens, refillPerSecond float64, now time.Time, ttl time.Duration) (Bucket, error) {
	res, err := s.tokenBucket.Run(ctx, s.client, []string{key},
		strconv.FormatFloat(maxTokens, 'f', -1, 64),
		strconv.FormatFloat(refillPerSecond, 'f', -1, 64),
		now.UnixMilli(),
		ttlMillis(ttl),
	).Slice()
	if err != nil {
		return Bucket{}, unavailable(err)
	}
	if len(res) < 3 {
		return Bucket{}, unavailable(errors.New("unexpected token bucket reply"))
	}

	tokens, err := parseFloat(res[1])
	if err != nil {
		return Bucket{}, unavailable(err)
	}
	ts, err := parseFloat(res[2])
	if err != nil {
		return Bucket{}, unavailable(err)
	}
	allowed, _ := res[0].(int64)
	return Bucket{
		Allowed:    allowed == 1,
		Tokens:     tokens,
		LastRefill: time.UnixMilli(int64(ts)).UTC(),
	}, nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.incrWindow.Run(ctx, s.client, []string{key}, ttlMillis(ttl)).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *RedisStore) IncrFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	res, err := s.incrFloat.Run(ctx, s.client, []string{key},
		strconv.FormatFloat(delta, 'f', -1, 64),
		ttlMillis(ttl),
	).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	v, err := parseFloat(res)
	if err != nil {
		return 0, unavailable(err)
	}
	return v, nil
}

func (s *RedisStore) IncrFloatBelow(ctx context.Context, key string, delta, ceiling float64, ttl time.Duration) (float64, bool, error) {
	res, err := s.incrFloatBelow.Run(ctx, s.client, []string{key},
		strconv.FormatFloat(delta, 'f', -1, 64),
		strconv.FormatFloat(ceiling, 'f', -1, 64),
		ttlMillis(ttl),
	).Slice()
	if err != nil {
		return 0, false, unavailable(err)
	}
	if len(res) < 2 {
		return 0, false, unavailable(errors.New("unexpected increment reply"))
	}
	v, err := parseFloat(res[1])
	if err != nil {
		return 0, false, unavailable(err)
	}
	applied, _ := res[0].(int64)
	return v, applied == 1, nil
}

func (s *RedisStore) GetFloat(ctx context.Context, key string) (float64, error) {
	v, err := s.client.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return v, nil
}

func (s *RedisStore) PushHistory(ctx context.Context, key, entry string, max int, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, int64(max-1))
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, key string) ([]string, error) {
	items, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return items, nil
}

func (s *RedisStore) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return v, true, nil
}

func (s *RedisStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, unavailable(err)
	}
	return token, ok, nil
}

func (s *RedisStore) Unlock(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	if err := s.unlock.Run(ctx, s.client, []string{key}, token).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func parseFloat(v any) (float64, error) {
	switch val := v.(type) {
	case string:
		return strconv.ParseFloat(val, 64)
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}
