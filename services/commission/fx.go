package commission

import (
	"referral-engine/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("commission.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("commission.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)
