package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"referral-engine/pkg/errutil"
	"referral-engine/pkg/logger"
	"referral-engine/pkg/task"
	"referral-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const maxAttributeRetries = 10

// NewAttributeTask builds the asynq task for ev. Events carrying an
// EventID are deduplicated by asynq on that id.
func NewAttributeTask(ev BillableEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal billable event: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(taskname.Queue),
		asynq.MaxRetry(maxAttributeRetries),
	}
	if ev.EventID != "" {
		opts = append(opts, asynq.TaskID(taskname.CommissionAttribute+":"+ev.EventID))
	}
	return asynq.NewTask(taskname.CommissionAttribute, payload, opts...), nil
}

// Dispatcher hands billable events to the worker instead of attributing inline.
type Dispatcher struct {
	enqueuer task.Enqueuer
}

func NewDispatcher(enqueuer task.Enqueuer) *Dispatcher {
	return &Dispatcher{enqueuer: enqueuer}
}

// Enqueue returns the queued task id. An event already queued under the
// same EventID is not queued again.
func (d *Dispatcher) Enqueue(ctx context.Context, ev BillableEvent) (string, error) {
	ev.normalize()
	if err := ev.validate(); err != nil {
		return "", err
	}

	t, err := NewAttributeTask(ev)
	if err != nil {
		return "", errutil.Internal("failed to build attribution task", err)
	}

	info, err := d.enqueuer.Enqueue(ctx, t)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			logger.FromContext(ctx).Info("attribution task already queued", zap.String("event_id", ev.EventID))
			return taskname.CommissionAttribute + ":" + ev.EventID, nil
		}
		return "", errutil.New(errutil.StatusServiceUnavailable, "failed to queue attribution", errutil.WithErr(err))
	}
	return info.ID, nil
}

// HandleAttributeTask is the asynq handler for taskname.CommissionAttribute.
// Validation failures are not retried.
func (s *Service) HandleAttributeTask(ctx context.Context, t *asynq.Task) error {
	var ev BillableEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		zap.L().Error("invalid attribution payload", zap.Error(err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	c, err := s.OnBillableEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, errutil.BaseError{Code: errutil.StatusValidationFailed}) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if c != nil {
		logger.FromContext(ctx).Info("attribution task processed",
			zap.String("commission_id", c.ID),
			zap.String("event_id", ev.EventID),
		)
	}
	return nil
}
