package holdback

import (
	"context"
	"errors"
	"time"

	"referral-engine/pkg/errutil"
	"referral-engine/pkg/task"
	"referral-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// NewTickTask builds a manual tick. Ticks queued within the same minute
// collapse into one.
func NewTickTask() *asynq.Task {
	return asynq.NewTask(taskname.HoldbackTick, nil,
		asynq.Queue(taskname.Queue),
		asynq.MaxRetry(3),
		asynq.Unique(time.Minute),
	)
}

// Trigger queues manual ticks for the worker.
type Trigger struct {
	enqueuer task.Enqueuer
}

func NewTrigger(enqueuer task.Enqueuer) *Trigger {
	return &Trigger{enqueuer: enqueuer}
}

func (t *Trigger) Enqueue(ctx context.Context) (string, error) {
	info, err := t.enqueuer.Enqueue(ctx, NewTickTask())
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return "", errutil.Conflict("a holdback tick is already queued", err)
		}
		return "", errutil.New(errutil.StatusServiceUnavailable, "failed to queue holdback tick", errutil.WithErr(err))
	}
	zap.L().Info("[Holdback] manual tick queued", zap.String("task_id", info.ID))
	return info.ID, nil
}

// HandleTickTask is the asynq handler for taskname.HoldbackTick.
func (s *Scheduler) HandleTickTask(ctx context.Context, _ *asynq.Task) error {
	_, err := s.Tick(ctx)
	return err
}
