package payment

import (
	"github.com/openmall/pointspay/internal/payment/adapters"
	"github.com/openmall/pointspay/internal/payment/adapters/alipay"
	"github.com/openmall/pointspay/internal/payment/adapters/wechat"
	"github.com/openmall/pointspay/internal/payment/service"
	"github.com/openmall/pointspay/internal/payment/webhook"
	"go.uber.org/fx"
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		wechat.NewFactory(),
		alipay.NewFactory(),
	)
}

var Module = fx.Module("payment",
	fx.Provide(newRegistry),
	fx.Provide(service.NewHub),
	fx.Provide(webhook.NewService),
)
