package attribution

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"referral-engine/pkg/config"
	"referral-engine/pkg/errutil"
	"referral-engine/pkg/taskname"
	"referral-engine/services/commission"
	"referral-engine/services/rate"
	"referral-engine/services/referral"
	"referral-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db          *gorm.DB
	clock       *clockwork.FakeClock
	svc         *Service
	rates       *rate.Service
	referrals   *referral.Service
	commissions *commission.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&rate.CommissionRate{},
		&referral.Referral{},
		&referral.ReferralCode{},
		&commission.Commission{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(t0)
	cfg := config.Default()

	rates := rate.NewService(rate.ServiceParams{DB: db, Node: node, Clock: clock, Config: cfg})
	referrals := referral.NewService(referral.ServiceParams{DB: db, Node: node, Clock: clock})
	commissions := commission.NewService(commission.ServiceParams{DB: db, Node: node, Clock: clock, Config: cfg, Referral: referrals})
	svc := NewService(ServiceParams{DB: db, Clock: clock, Rates: rates, Referrals: referrals, Commissions: commissions})

	return &fixture{db: db, clock: clock, svc: svc, rates: rates, referrals: referrals, commissions: commissions}
}

func (f *fixture) refer(t *testing.T, referrer, referred string) *referral.Referral {
	t.Helper()
	code, err := f.referrals.IssueCode(context.Background(), referrer)
	require.NoError(t, err)
	r, err := f.referrals.Create(context.Background(), referred, code.Code)
	require.NoError(t, err)
	return r
}

func (f *fixture) rate(t *testing.T, eventType rate.EventType, pct int64) *rate.CommissionRate {
	t.Helper()
	from := t0.Add(-24 * time.Hour)
	r, err := f.rates.CreateRate(context.Background(), rate.CreateRateParams{
		EventType:      eventType,
		RatePercentage: decimal.NewFromInt(pct),
		ValidFrom:      &from,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) referral(t *testing.T, id string) *referral.Referral {
	t.Helper()
	r, err := f.referrals.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&commission.Commission{}).Count(&n).Error)
	return n
}

func TestSignupActivatesAndCreatesCommission(t *testing.T) {
	f := newFixture(t)
	ref := f.refer(t, "U1", "U2")
	signupRate := f.rate(t, rate.EventSignup, 10)

	c, err := f.svc.OnBillableEvent(context.Background(), BillableEvent{
		ReferredUserID: "U2",
		EventType:      rate.EventSignup,
		BaseAmount:     99000,
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, int64(9900), c.Amount)
	require.Equal(t, commission.StatusPending, c.Status)
	require.Equal(t, "U1", c.UserID)
	require.Equal(t, ref.ID, c.ReferralID)
	require.NotNil(t, c.CommissionRateID)
	require.Equal(t, signupRate.ID, *c.CommissionRateID)

	activated := f.referral(t, ref.ID)
	require.Equal(t, referral.StatusActive, activated.Status)
	require.NotNil(t, activated.ActivatedAt)
}

func TestDefaultRateWhenNoRateMatches(t *testing.T) {
	f := newFixture(t)
	f.refer(t, "U1", "U2")

	c, err := f.svc.OnBillableEvent(context.Background(), BillableEvent{
		ReferredUserID: "U2",
		EventType:      rate.EventSignup,
		BaseAmount:     12345,
	})
	require.NoError(t, err)
	require.Nil(t, c.CommissionRateID)
	// 10% default, half-up
	require.Equal(t, int64(1235), c.Amount)
}

func TestRateResolvedAtOccurrence(t *testing.T) {
	f := newFixture(t)
	f.refer(t, "U1", "U2")
	f.rate(t, rate.EventSignup, 10)

	// before the only rate became valid
	at := t0.Add(-48 * time.Hour)
	c, err := f.svc.OnBillableEvent(context.Background(), BillableEvent{
		ReferredUserID: "U2",
		EventType:      rate.EventSignup,
		BaseAmount:     1000,
		OccurredAt:     &at,
	})
	require.NoError(t, err)
	require.Nil(t, c.CommissionRateID)
}

func TestEventsWithoutEligibleReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.refer(t, "U1", "U2")

	// unknown user
	c, err := f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U9", EventType: rate.EventSignup, BaseAmount: 1000})
	require.NoError(t, err)
	require.Nil(t, c)

	// renewal before activation
	c, err = f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventRenewal, BaseAmount: 1000})
	require.NoError(t, err)
	require.Nil(t, c)
	require.Equal(t, referral.StatusPending, f.referral(t, ref.ID).Status)

	_, err = f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 1000})
	require.NoError(t, err)

	// second signup on an ACTIVE referral
	c, err = f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 1000})
	require.NoError(t, err)
	require.Nil(t, c)

	c, err = f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventUpgrade, BaseAmount: 1000})
	require.NoError(t, err)
	require.NotNil(t, c)

	require.Equal(t, int64(2), f.count(t))
}

func TestZeroAmountRollsBackActivation(t *testing.T) {
	f := newFixture(t)
	ref := f.refer(t, "U1", "U2")

	_, err := f.svc.OnBillableEvent(context.Background(), BillableEvent{
		ReferredUserID: "U2",
		EventType:      rate.EventSignup,
		BaseAmount:     4,
	})
	require.ErrorIs(t, err, ErrZeroAmount)
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusValidationFailed})

	require.Equal(t, referral.StatusPending, f.referral(t, ref.ID).Status)
	require.Zero(t, f.count(t))
}

func TestInvalidEvent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.OnBillableEvent(context.Background(), BillableEvent{ReferredUserID: "U2", EventType: "REFUND", BaseAmount: 10})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusValidationFailed})

	_, err = f.svc.OnBillableEvent(context.Background(), BillableEvent{EventType: rate.EventSignup, BaseAmount: 10})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusValidationFailed})

	_, err = f.svc.OnBillableEvent(context.Background(), BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: -1})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusValidationFailed})
}

func TestReplayedEventReturnsFirstCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.refer(t, "U1", "U2")

	ev := BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 5000, EventID: "sub-evt-1"}
	first, err := f.svc.OnBillableEvent(ctx, ev)
	require.NoError(t, err)

	again, err := f.svc.OnBillableEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, int64(1), f.count(t))

	renewal := BillableEvent{ReferredUserID: "U2", EventType: rate.EventRenewal, BaseAmount: 5000, EventID: "sub-evt-2"}
	_, err = f.svc.OnBillableEvent(ctx, renewal)
	require.NoError(t, err)
	_, err = f.svc.OnBillableEvent(ctx, renewal)
	require.NoError(t, err)
	require.Equal(t, int64(2), f.count(t))
}

func TestReversalBeforeApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.refer(t, "U1", "U2")
	f.rate(t, rate.EventSignup, 10)

	c, err := f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 99000})
	require.NoError(t, err)

	_, err = f.commissions.AdvancePendingToHoldback(ctx, 10)
	require.NoError(t, err)

	cancelled, err := f.svc.OnEventReversed(ctx, ref.ID, rate.EventSignup)
	require.NoError(t, err)
	require.Equal(t, c.ID, cancelled.ID)
	require.Equal(t, commission.StatusCancelled, cancelled.Status)

	stored, err := f.commissions.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, commission.StatusCancelled, stored.Status)
	require.Equal(t, int64(9900), stored.Amount)

	expired := f.referral(t, ref.ID)
	require.Equal(t, referral.StatusExpired, expired.Status)
	require.NotNil(t, expired.ExpiredAt)

	// nothing open any more
	again, err := f.svc.OnEventReversed(ctx, ref.ID, rate.EventSignup)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestReversalAfterPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.refer(t, "U1", "U2")

	c, err := f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 99000})
	require.NoError(t, err)

	_, err = f.commissions.AdvancePendingToHoldback(ctx, 10)
	require.NoError(t, err)
	_, err = f.commissions.AdvanceHoldbackToApproved(ctx, c.HoldbackUntil, 10)
	require.NoError(t, err)
	n, err := f.commissions.MarkPaid(ctx, []string{c.ID}, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = f.svc.OnEventReversed(ctx, ref.ID, rate.EventSignup)
	require.ErrorIs(t, err, commission.ErrPaidImmutable)
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusInvalidState})

	stored, err := f.commissions.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, commission.StatusPaid, stored.Status)
	require.Equal(t, c.Description, stored.Description)
	require.Equal(t, referral.StatusActive, f.referral(t, ref.ID).Status)
}

func TestReversalOfRenewalKeepsReferralActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.refer(t, "U1", "U2")

	_, err := f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 1000})
	require.NoError(t, err)
	older, err := f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventRenewal, BaseAmount: 1000})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	newer, err := f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventRenewal, BaseAmount: 2000})
	require.NoError(t, err)

	cancelled, err := f.svc.OnEventReversed(ctx, ref.ID, rate.EventRenewal)
	require.NoError(t, err)
	require.Equal(t, newer.ID, cancelled.ID)

	stored, err := f.commissions.Get(ctx, older.ID)
	require.NoError(t, err)
	require.Equal(t, commission.StatusPending, stored.Status)
	require.Equal(t, referral.StatusActive, f.referral(t, ref.ID).Status)
}

func TestReversalErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.refer(t, "U1", "U2")

	_, err := f.svc.OnEventReversed(ctx, "missing", rate.EventSignup)
	require.ErrorIs(t, err, referral.ErrNotFound)

	_, err = f.svc.OnEventReversed(ctx, ref.ID, "REFUND")
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusValidationFailed})

	c, err := f.svc.OnEventReversed(ctx, ref.ID, rate.EventUpgrade)
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestSubscriptionEnded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.refer(t, "U1", "U2")

	r, err := f.svc.OnSubscriptionEnded(ctx, "U2")
	require.NoError(t, err)
	require.Nil(t, r)

	_, err = f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 1000})
	require.NoError(t, err)

	r, err = f.svc.OnSubscriptionEnded(ctx, "U2")
	require.NoError(t, err)
	require.Equal(t, referral.StatusExpired, r.Status)
	require.Equal(t, referral.StatusExpired, f.referral(t, ref.ID).Status)

	// expired referrals earn nothing
	c, err := f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventRenewal, BaseAmount: 1000})
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestConcurrentSignupCreatesOneCommission(t *testing.T) {
	f := newFixture(t)
	ref := f.refer(t, "U1", "U2")

	results := make([]*commission.Commission, 8)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range results {
		g.Go(func() error {
			c, err := f.svc.OnBillableEvent(ctx, BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 99000})
			results[i] = c
			return err
		})
	}
	require.NoError(t, g.Wait())

	created := 0
	for _, c := range results {
		if c != nil {
			created++
		}
	}
	require.Equal(t, 1, created)
	require.Equal(t, int64(1), f.count(t))
	require.Equal(t, referral.StatusActive, f.referral(t, ref.ID).Status)
}

func TestHandleAttributeTask(t *testing.T) {
	f := newFixture(t)
	f.refer(t, "U1", "U2")

	ev := BillableEvent{ReferredUserID: "U2", EventType: rate.EventSignup, BaseAmount: 99000, EventID: "evt-9"}
	task, err := NewAttributeTask(ev)
	require.NoError(t, err)
	require.Equal(t, taskname.CommissionAttribute, task.Type())

	require.NoError(t, f.svc.HandleAttributeTask(context.Background(), task))
	require.NoError(t, f.svc.HandleAttributeTask(context.Background(), task))
	require.Equal(t, int64(1), f.count(t))

	bad, err := json.Marshal(BillableEvent{ReferredUserID: "U2", EventType: "REFUND", BaseAmount: 1})
	require.NoError(t, err)
	err = f.svc.HandleAttributeTask(context.Background(), asynq.NewTask(taskname.CommissionAttribute, bad))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = f.svc.HandleAttributeTask(context.Background(), asynq.NewTask(taskname.CommissionAttribute, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
