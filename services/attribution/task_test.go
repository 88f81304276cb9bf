package attribution

import (
	"context"
	"errors"
	"testing"

	"referral-engine/pkg/errutil"
	"referral-engine/pkg/task/mock"
	"referral-engine/pkg/taskname"
	"referral-engine/services/rate"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func isAttributeTask() gomock.Matcher {
	return gomock.Cond(func(x any) bool {
		t, ok := x.(*asynq.Task)
		return ok && t.Type() == taskname.CommissionAttribute
	})
}

func TestDispatcherEnqueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	enqueuer := mock.NewMockEnqueuer(ctrl)
	d := NewDispatcher(enqueuer)
	ev := BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 1000, EventID: "e-1"}

	enqueuer.EXPECT().Enqueue(gomock.Any(), isAttributeTask()).Return(&asynq.TaskInfo{ID: "commission:attribute:e-1"}, nil)
	id, err := d.Enqueue(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, "commission:attribute:e-1", id)

	enqueuer.EXPECT().Enqueue(gomock.Any(), isAttributeTask()).Return(nil, asynq.ErrTaskIDConflict)
	id, err = d.Enqueue(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, "commission:attribute:e-1", id)

	enqueuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil, errors.New("dial tcp: connection refused"))
	_, err = d.Enqueue(context.Background(), ev)
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusServiceUnavailable})
}

func TestDispatcherRejectsInvalidEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := NewDispatcher(mock.NewMockEnqueuer(ctrl))

	_, err := d.Enqueue(context.Background(), BillableEvent{ReferredUserID: "U2", EventType: "REFUND"})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusValidationFailed})
}
