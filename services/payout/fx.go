package payout

import (
	"referral-engine/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("payout.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("payout.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)
