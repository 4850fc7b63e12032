package reconcile

import (
	paymentservice "github.com/openmall/pointspay/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(func(hub *paymentservice.Hub) AdapterSource { return hub }),
	fx.Provide(NewEngine),
)
