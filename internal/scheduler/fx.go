package scheduler

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, host *Host) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			host.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			host.Stop()
			return nil
		},
	})
}
