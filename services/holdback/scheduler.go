package holdback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"referral-engine/pkg/config"
	"referral-engine/pkg/db/option"
	"referral-engine/pkg/metrics"
	"referral-engine/pkg/repository"
	"referral-engine/services/commission"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Ledger is the part of the commission ledger the scheduler drives.
type Ledger interface {
	AdvancePendingToHoldback(ctx context.Context, batch int) (int64, error)
	AdvanceHoldbackToApproved(ctx context.Context, now time.Time, batch int) (int64, error)
}

type Scheduler struct {
	node   *snowflake.Node
	clock  clockwork.Clock
	ledger Ledger
	batch  int

	runs repository.Repository[JobRun]
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clockwork.Clock
	Config *config.Config
	Ledger *commission.Service
}

func NewScheduler(p Params) *Scheduler {
	return New(p.DB, p.Node, p.Clock, p.Ledger, p.Config.Holdback.BatchSize)
}

func New(db *gorm.DB, node *snowflake.Node, clock clockwork.Clock, ledger Ledger, batch int) *Scheduler {
	if batch <= 0 {
		batch = commission.DefaultBatchSize
	}
	return &Scheduler{
		node:   node,
		clock:  clock,
		ledger: ledger,
		batch:  batch,
		runs:   repository.ProvideStore[JobRun](db),
	}
}

// Tick runs both phases once. Phase B runs even when phase A failed, and
// pages committed before a failure stay committed. The returned error
// joins the phase failures.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	now := s.clock.Now().UTC()
	log := zap.L().With(zap.String("job", JobName), zap.Time("tick_at", now))
	log.Info("[Holdback] tick started", zap.Int("batch_size", s.batch))

	var res TickResult
	var errA, errB error

	res.Holdback, errA = s.runPhase(ctx, PhasePendingToHoldback, func(ctx context.Context) (int64, error) {
		return s.ledger.AdvancePendingToHoldback(ctx, s.batch)
	})
	res.Approved, errB = s.runPhase(ctx, PhaseHoldbackToApproved, func(ctx context.Context) (int64, error) {
		return s.ledger.AdvanceHoldbackToApproved(ctx, now, s.batch)
	})

	log.Info("[Holdback] tick finished",
		zap.Int64("moved_to_holdback", res.Holdback),
		zap.Int64("moved_to_approved", res.Approved),
		zap.Duration("duration", s.clock.Since(now)),
	)
	return res, errors.Join(errA, errB)
}

// runPhase pages step until a page moves fewer than batch rows or fails.
func (s *Scheduler) runPhase(ctx context.Context, phase Phase, step func(context.Context) (int64, error)) (int64, error) {
	log := zap.L().With(zap.String("job", JobName), zap.String("phase", string(phase)))

	run := &JobRun{
		ID:        s.node.Generate().String(),
		JobName:   JobName,
		Phase:     phase,
		Status:    RunStatusRunning,
		StartedAt: s.clock.Now().UTC(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		// the run log is best effort, the phase itself still runs
		log.Error("[Holdback] failed to record job run", zap.Error(err))
		run = nil
	}

	var total int64
	var pages int
	var phaseErr error
	for {
		if err := ctx.Err(); err != nil {
			phaseErr = err
			break
		}

		n, err := step(ctx)
		if err != nil {
			phaseErr = fmt.Errorf("page %d: %w", pages+1, err)
			log.Error("[Holdback] page failed, stopping phase", zap.Int("page", pages+1), zap.Error(err))
			break
		}
		pages++
		total += n
		if n < int64(s.batch) {
			break
		}
	}

	status := RunStatusSuccess
	if phaseErr != nil {
		status = RunStatusFailed
	}
	metrics.SchedulerRuns.WithLabelValues(string(phase), string(status)).Inc()
	log.Info("[Holdback] phase finished",
		zap.String("status", string(status)),
		zap.Int("pages", pages),
		zap.Int64("rows_affected", total),
	)

	if run != nil {
		s.finishRun(ctx, run, status, total, pages, phaseErr)
	}
	return total, phaseErr
}

func (s *Scheduler) finishRun(ctx context.Context, run *JobRun, status RunStatus, total int64, pages int, phaseErr error) {
	meta, _ := json.Marshal(map[string]any{
		"pages":      pages,
		"batch_size": s.batch,
	})

	errMsg := ""
	if phaseErr != nil {
		errMsg = phaseErr.Error()
	}

	// the tick context may already be cancelled
	ctx = context.WithoutCancel(ctx)
	if err := s.runs.Update(ctx, run.ID, map[string]any{
		"status":        status,
		"rows_affected": total,
		"error_msg":     errMsg,
		"completed_at":  s.clock.Now().UTC(),
		"metadata":      datatypes.JSON(meta),
	}); err != nil {
		zap.L().Error("[Holdback] failed to finish job run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Runs returns the most recent job runs, newest first.
func (s *Scheduler) Runs(ctx context.Context, limit int) ([]*JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.runs.Find(ctx, &JobRun{JobName: JobName},
		option.WithSortBy(option.QuerySortBy{SortBy: "started_at", OrderBy: "desc"}),
		option.WithLimit(limit),
	)
}
