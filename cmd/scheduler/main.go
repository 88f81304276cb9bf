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
	"referral-engine/pkg/logger"
	"referral-engine/pkg/otelcol"
	"referral-engine/pkg/redis"
	"referral-engine/services/commission"
	"referral-engine/services/holdback"
	"referral-engine/services/referral"
)

// scheduler runs the holdback cron. Several replicas may run; the redis
// locker lets one of them execute each tick.
func main() {
	vaultEnabled, _ := strconv.ParseBool(os.Getenv("VAULT_ENABLE"))

	opts := []fx.Option{
		secretmanager.Optional(vaultEnabled),
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		fx.Provide(func() clockwork.Clock { return clockwork.NewRealClock() }),

		referral.Module,
		commission.Module,
		holdback.Module,
		holdback.Cron,
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}
