package main

import (
	"log"
	"os"
	"strconv"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"referral-engine/pkg/config"
	"referral-engine/pkg/db"
	"referral-engine/pkg/gen"
	"referral-engine/pkg/hashistack/secretmanager"
	"referral-engine/pkg/health"
	"referral-engine/pkg/httpapi"
	"referral-engine/pkg/logger"
	"referral-engine/pkg/otelcol"
	"referral-engine/pkg/profiling"
	"referral-engine/pkg/redis"
	"referral-engine/pkg/sequence"
	"referral-engine/pkg/server"
	"referral-engine/pkg/task"
	"referral-engine/services/attribution"
	"referral-engine/services/bootstrap"
	"referral-engine/services/commission"
	"referral-engine/services/holdback"
	"referral-engine/services/payout"
	"referral-engine/services/rate"
	"referral-engine/services/referral"
)

// engine serves the HTTP API and runs the asynq worker for attribution
// and manual holdback ticks.
func main() {
	vaultEnabled, _ := strconv.ParseBool(os.Getenv("VAULT_ENABLE"))

	opts := []fx.Option{
		secretmanager.Optional(vaultEnabled),
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.Client,
		task.Server,
		health.Module,
		fx.Provide(provideClock),

		bootstrap.Module,
		rate.Module,
		referral.Module,
		commission.Module,
		attribution.Module,
		holdback.Module,
		payout.Module,

		rate.HTTP,
		referral.HTTP,
		commission.HTTP,
		attribution.HTTP,
		holdback.HTTP,
		payout.HTTP,

		attribution.Worker,
		holdback.Worker,

		httpapi.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}
