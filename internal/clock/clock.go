package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the current time. Services take it as a dependency so that
// window and expiry checks can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
