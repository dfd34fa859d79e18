package counter

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/railgate/internal/clock"
)

const memorySweepEvery = 1024

type entry struct {
	num     float64
	str     string
	list    []string
	tokens  float64
	ts      time.Time
	expires time.Time
}

// MemoryStore keeps counters in process memory. It gives no consistency
// across instances: each replica enforces its own limits.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	items  map[string]*entry
	writes int
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryStore{clock: clk, items: make(map[string]*entry)}
}

func (s *MemoryStore) TakeToken(_ context.Context, key string, maxTokens, refillPerSecond float64, now time.Time, ttl time.Duration) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	if e == nil {
		e = &entry{tokens: maxTokens, ts: now}
		s.put(key, e)
	}

	elapsed := now.Sub(e.ts).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	e.tokens = math.Min(maxTokens, e.tokens+elapsed*refillPerSecond)
	if now.After(e.ts) {
		e.ts = now
	}

	allowed := false
	if e.tokens >= 1 {
		allowed = true
		e.tokens--
	}
	s.touch(e, ttl)

	return Bucket{Allowed: allowed, Tokens: e.tokens, LastRefill: e.ts}, nil
}

func (s *MemoryStore) IncrWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	if e == nil {
		e = &entry{}
		s.put(key, e)
		s.touch(e, ttl)
	}
	e.num++
	return int64(e.num), nil
}

func (s *MemoryStore) IncrFloat(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	if e == nil {
		e = &entry{}
		s.put(key, e)
	}
	e.num += delta
	s.touch(e, ttl)
	return e.num, nil
}

func (s *MemoryStore) IncrFloatBelow(_ context.Context, key string, delta, ceiling float64, ttl time.Duration) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	if e != nil && e.num >= ceiling {
		return e.num, false, nil
	}
	if e == nil {
		if ceiling <= 0 {
			return 0, false, nil
		}
		e = &entry{}
		s.put(key, e)
	}
	e.num += delta
	s.touch(e, ttl)
	return e.num, true, nil
}

func (s *MemoryStore) GetFloat(_ context.Context, key string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.get(key); e != nil {
		return e.num, nil
	}
	return 0, nil
}

func (s *MemoryStore) PushHistory(_ context.Context, key, entryValue string, max int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	if e == nil {
		e = &entry{}
		s.put(key, e)
	}
	e.list = append([]string{entryValue}, e.list...)
	if max > 0 && len(e.list) > max {
		e.list = e.list[:max]
	}
	s.touch(e, ttl)
	return nil
}

func (s *MemoryStore) History(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	if e == nil {
		return nil, nil
	}
	out := make([]string, len(e.list))
	copy(out, e.list)
	return out, nil
}

func (s *MemoryStore) GetString(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.get(key); e != nil {
		return e.str, true, nil
	}
	return "", false, nil
}

func (s *MemoryStore) SetString(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{str: value}
	s.put(key, e)
	s.touch(e, ttl)
	return nil
}

func (s *MemoryStore) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.get(key) != nil {
		return "", false, nil
	}
	token := uuid.NewString()
	e := &entry{str: token}
	s.put(key, e)
	s.touch(e, ttl)
	return token, true, nil
}

func (s *MemoryStore) Unlock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.get(key); e != nil && e.str == token {
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// get must be called with mu held. Expired entries are dropped on access.
func (s *MemoryStore) get(key string) *entry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if s.expired(e, s.clock.Now()) {
		delete(s.items, key)
		return nil
	}
	return e
}

func (s *MemoryStore) put(key string, e *entry) {
	s.items[key] = e
	s.writes++
	if s.writes%memorySweepEvery == 0 {
		now := s.clock.Now()
		for k, v := range s.items {
			if s.expired(v, now) {
				delete(s.items, k)
			}
		}
	}
}

func (s *MemoryStore) touch(e *entry, ttl time.Duration) {
	if ttl > 0 {
		e.expires = s.clock.Now().Add(ttl)
	}
}

func (s *MemoryStore) expired(e *entry, now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}
