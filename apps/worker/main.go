package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	"github.com/smallbiznis/subreconcile/internal/events"
	"github.com/smallbiznis/subreconcile/internal/observability"
	"github.com/smallbiznis/subreconcile/internal/payment"
	"github.com/smallbiznis/subreconcile/internal/processor"
	"github.com/smallbiznis/subreconcile/internal/ratelimit"
	"github.com/smallbiznis/subreconcile/internal/reconcile"
	"github.com/smallbiznis/subreconcile/internal/retryqueue"
	"github.com/smallbiznis/subreconcile/internal/subscription"
	"github.com/smallbiznis/subreconcile/pkg/db"
	"go.uber.org/fx"
)

// The worker drains the retry queue and the event outbox without serving HTTP.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		retryqueue.Module,
		events.Module,

		// Retry handlers are registered by these modules.
		processor.Module,
		subscription.Module,
		reconcile.Module,
		payment.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	// Offset so worker ids never collide with the API node.
	return snowflake.NewNode((cfg.SnowflakeNode + 512) % 1024)
}
