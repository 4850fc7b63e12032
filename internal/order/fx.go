package order

import (
	"github.com/openmall/pointspay/internal/order/service"
	"go.uber.org/fx"
)

var Module = fx.Module("order",
	fx.Provide(service.NewService),
)
