package holdback

import (
	"context"
	"fmt"
	"time"

	"referral-engine/pkg/config"
	pkgredis "referral-engine/pkg/redis"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type CronParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Clock     clockwork.Clock
	Scheduler *Scheduler
	Redis     *redis.Client `optional:"true"`
}

// NewCron schedules Tick on HOLDBACK.SCHEDULE. With HOLDBACK.USE_LOCKER and
// redis available, only the process holding the lock runs a tick.
func NewCron(p CronParams) (gocron.Scheduler, error) {
	opts := []gocron.SchedulerOption{
		gocron.WithClock(p.Clock),
		gocron.WithLocation(time.UTC),
	}
	if p.Config.Holdback.UseLocker {
		if p.Redis == nil {
			zap.L().Warn("[Holdback] distributed locker requested but redis is not configured")
		} else {
			opts = append(opts, gocron.WithDistributedLocker(pkgredis.NewLocker(p.Redis, p.Config.Holdback.LockTTL)))
		}
	}

	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job, err := sched.NewJob(
		gocron.CronJob(p.Config.Holdback.Schedule, false),
		gocron.NewTask(func() {
			if _, err := p.Scheduler.Tick(ctx); err != nil {
				zap.L().Error("[Holdback] tick finished with errors", zap.Error(err))
			}
		}),
		gocron.WithName(JobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("schedule %q: %w", p.Config.Holdback.Schedule, err)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sched.Start()
			next, _ := job.NextRun()
			zap.L().Info("[Holdback] scheduler started",
				zap.String("schedule", p.Config.Holdback.Schedule),
				zap.Time("next_run", next),
			)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			zap.L().Warn("[Holdback] scheduler stopped")
			return sched.Shutdown()
		},
	})
	return sched, nil
}
