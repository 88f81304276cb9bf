package referral

import (
	"referral-engine/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("referral.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("referral.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)
