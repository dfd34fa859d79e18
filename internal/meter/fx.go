package meter

import (
	"github.com/smallbiznis/railgate/internal/meter/service"
	"go.uber.org/fx"
)

var Module = fx.Module("meter.service",
	fx.Provide(service.New),
)
