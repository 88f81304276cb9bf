package rate

import (
	"referral-engine/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("rate.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("rate.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)
