package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/config"
	"github.com/smallbiznis/railgate/internal/counter"
	"github.com/smallbiznis/railgate/internal/entitlement"
	"github.com/smallbiznis/railgate/internal/events"
	"github.com/smallbiznis/railgate/internal/observability"
	"github.com/smallbiznis/railgate/internal/scheduler"
	"github.com/smallbiznis/railgate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by scheduler
		counter.Module,
		events.Module,
		entitlement.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
