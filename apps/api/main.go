package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/config"
	"github.com/smallbiznis/railgate/internal/migration"
	"github.com/smallbiznis/railgate/internal/observability"
	"github.com/smallbiznis/railgate/internal/server"
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
		migration.Module,

		// HTTP only; expiry sweeps run in apps/scheduler.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
