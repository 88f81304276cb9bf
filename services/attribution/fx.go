package attribution

import (
	"referral-engine/pkg/httpapi"
	"referral-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("attribution.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("attribution.http",
	fx.Provide(
		NewDispatcher,
		httpapi.AsRoute(NewHandler),
	),
)

var Worker = fx.Module("attribution.worker",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.CommissionAttribute, svc.HandleAttributeTask)
}
