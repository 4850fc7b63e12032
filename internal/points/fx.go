package points

import (
	"github.com/openmall/pointspay/internal/points/service"
	"go.uber.org/fx"
)

var Module = fx.Module("points",
	fx.Provide(service.NewService),
)
