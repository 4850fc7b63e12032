package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/openmall/pointspay/internal/clock"
	"github.com/openmall/pointspay/internal/config"
	"github.com/openmall/pointspay/internal/logger"
	"github.com/openmall/pointspay/internal/order"
	"github.com/openmall/pointspay/internal/payment"
	"github.com/openmall/pointspay/internal/points"
	"github.com/openmall/pointspay/internal/reconcile"
	"github.com/openmall/pointspay/internal/scheduler"
	"github.com/openmall/pointspay/internal/sweeper"
	"github.com/openmall/pointspay/internal/vip"
	"github.com/openmall/pointspay/pkg/db"
	"go.uber.org/fx"
)

// Scheduler-only binary for running the background jobs separately from the
// API. The redis lock keeps a replicated deployment from double-running a
// job.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		points.Module,
		vip.Module,
		order.Module,
		payment.Module,
		reconcile.Module,
		sweeper.Module,

		// No server module.
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
