package holdback

import (
	"referral-engine/pkg/httpapi"
	"referral-engine/pkg/taskname"

	"github.com/go-co-op/gocron/v2"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("holdback.scheduler",
	fx.Provide(NewScheduler),
)

// Cron runs the scheduler on its cron expression.
var Cron = fx.Module("holdback.cron",
	fx.Provide(NewCron),
	fx.Invoke(func(gocron.Scheduler) {}),
)

var HTTP = fx.Module("holdback.http",
	fx.Provide(
		NewTrigger,
		httpapi.AsRoute(NewHandler),
	),
)

var Worker = fx.Module("holdback.worker",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, s *Scheduler) {
	mux.HandleFunc(taskname.HoldbackTick, s.HandleTickTask)
}
