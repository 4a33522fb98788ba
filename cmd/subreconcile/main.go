package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subreconcile/internal/audit"
	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	"github.com/smallbiznis/subreconcile/internal/events"
	"github.com/smallbiznis/subreconcile/internal/migration"
	"github.com/smallbiznis/subreconcile/internal/observability"
	"github.com/smallbiznis/subreconcile/internal/payment"
	"github.com/smallbiznis/subreconcile/internal/processor"
	"github.com/smallbiznis/subreconcile/internal/ratelimit"
	"github.com/smallbiznis/subreconcile/internal/reconcile"
	"github.com/smallbiznis/subreconcile/internal/retryqueue"
	"github.com/smallbiznis/subreconcile/internal/server"
	"github.com/smallbiznis/subreconcile/internal/subscription"
	"github.com/smallbiznis/subreconcile/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		retryqueue.Module,
		events.Module,

		// Functional Domains
		processor.Module,
		audit.Module,
		subscription.Module,
		reconcile.Module,
		payment.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
