package ratelimit

import (
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/config"
	"github.com/smallbiznis/railgate/internal/counter"
	"github.com/smallbiznis/railgate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(Provide),
)

type Params struct {
	fx.In

	Store   counter.Store
	Clock   clock.Clock
	Cfg     config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

func Provide(p Params) *Limiter {
	return NewLimiter(p.Store, p.Clock, p.Log, p.Metrics, p.Cfg.RateLimit.BucketTTL)
}
