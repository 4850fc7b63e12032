package vip

import (
	"github.com/openmall/pointspay/internal/vip/service"
	"go.uber.org/fx"
)

var Module = fx.Module("vip",
	fx.Provide(service.NewService),
)
