package counter

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("counter",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lc    fx.Lifecycle
	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
}

// New picks the backend once at startup. Nothing downstream branches on it.
func New(p Params) Store {
	log := p.Log.Named("counter")
	if p.Cfg.Redis.Addr == "" {
		log.Warn("REDIS_ADDR not set, using process-local counter store; rate limits and meters are enforced per instance")
		return NewMemoryStore(p.Clock)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         p.Cfg.Redis.Addr,
		Password:     p.Cfg.Redis.Password,
		DB:           p.Cfg.Redis.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	store := NewRedisStore(client)

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				log.Warn("redis unreachable at startup", zap.String("addr", p.Cfg.Redis.Addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return store
}
