package holdback

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"referral-engine/pkg/config"
	"referral-engine/services/commission"
	"referral-engine/services/rate"
	"referral-engine/services/referral"
	"referral-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db          *gorm.DB
	node        *snowflake.Node
	clock       *clockwork.FakeClock
	commissions *commission.Service
	referralID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &referral.Referral{}, &referral.ReferralCode{}, &commission.Commission{}, &JobRun{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(t0)

	referrals := referral.NewService(referral.ServiceParams{DB: db, Node: node, Clock: clock})
	commissions := commission.NewService(commission.ServiceParams{
		DB: db, Node: node, Clock: clock, Config: config.Default(), Referral: referrals,
	})

	ctx := context.Background()
	code, err := referrals.IssueCode(ctx, "U1")
	require.NoError(t, err)
	ref, err := referrals.Create(ctx, "U2", code.Code)
	require.NoError(t, err)

	return &fixture{db: db, node: node, clock: clock, commissions: commissions, referralID: ref.ID}
}

func (f *fixture) seed(t *testing.T, n int) []*commission.Commission {
	t.Helper()
	out := make([]*commission.Commission, 0, n)
	for i := 0; i < n; i++ {
		c, err := f.commissions.Create(context.Background(), commission.CreateParams{
			ReferralID: f.referralID,
			EventType:  rate.EventSignup,
			Amount:     9900,
		})
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func (f *fixture) status(t *testing.T, id string) commission.Status {
	t.Helper()
	c, err := f.commissions.Get(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestTickAdvancesThroughHoldback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.seed(t, 1)[0]
	s := New(f.db, f.node, f.clock, f.commissions, 500)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, TickResult{Holdback: 1}, res)
	require.Equal(t, commission.StatusHoldback, f.status(t, c.ID))

	f.clock.Advance(29 * 24 * time.Hour)
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, TickResult{}, res)
	require.Equal(t, commission.StatusHoldback, f.status(t, c.ID))

	f.clock.Advance(24 * time.Hour)
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, TickResult{Approved: 1}, res)

	approved, err := f.commissions.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, commission.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.True(t, approved.ApprovedAt.Equal(t0.Add(30*24*time.Hour)))
	require.Equal(t, int64(9900), approved.Amount)
}

func TestTickPagesAndRecordsRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 5)
	s := New(f.db, f.node, f.clock, f.commissions, 2)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Holdback)

	var runs []JobRun
	require.NoError(t, f.db.Order("phase ASC").Find(&runs).Error)
	require.Len(t, runs, 2)

	approve, pending := runs[0], runs[1]
	require.Equal(t, PhaseHoldbackToApproved, approve.Phase)
	require.Equal(t, RunStatusSuccess, approve.Status)
	require.Zero(t, approve.RowsAffected)

	require.Equal(t, PhasePendingToHoldback, pending.Phase)
	require.Equal(t, RunStatusSuccess, pending.Status)
	require.Equal(t, int64(5), pending.RowsAffected)
	require.Equal(t, JobName, pending.JobName)
	require.NotNil(t, pending.CompletedAt)
	require.Empty(t, pending.ErrorMsg)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(pending.Metadata, &meta))
	require.EqualValues(t, 3, meta["pages"])
	require.EqualValues(t, 2, meta["batch_size"])
}

func TestTickIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 3)
	s := New(f.db, f.node, f.clock, f.commissions, 500)

	_, err := s.Tick(ctx)
	require.NoError(t, err)
	res, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, TickResult{}, res)
}

type step struct {
	n   int64
	err error
}

type fakeLedger struct {
	pending  []step
	approved []step
	nows     []time.Time
}

func next(steps *[]step) (int64, error) {
	if len(*steps) == 0 {
		return 0, nil
	}
	s := (*steps)[0]
	*steps = (*steps)[1:]
	return s.n, s.err
}

func (l *fakeLedger) AdvancePendingToHoldback(context.Context, int) (int64, error) {
	return next(&l.pending)
}

func (l *fakeLedger) AdvanceHoldbackToApproved(_ context.Context, now time.Time, _ int) (int64, error) {
	l.nows = append(l.nows, now)
	return next(&l.approved)
}

func TestFailedPageStopsOnlyItsPhase(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("deadlock detected")
	ledger := &fakeLedger{
		pending:  []step{{n: 2}, {err: boom}, {n: 2}},
		approved: []step{{n: 2}, {n: 1}},
	}
	s := New(f.db, f.node, f.clock, ledger, 2)

	res, err := s.Tick(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, TickResult{Holdback: 2, Approved: 3}, res)

	// the page after the failure never ran
	require.Len(t, ledger.pending, 1)
	require.Len(t, ledger.nows, 2)
	require.True(t, ledger.nows[0].Equal(t0))

	var failed JobRun
	require.NoError(t, f.db.Where("phase = ?", PhasePendingToHoldback).First(&failed).Error)
	require.Equal(t, RunStatusFailed, failed.Status)
	require.Equal(t, int64(2), failed.RowsAffected)
	require.Contains(t, failed.ErrorMsg, "deadlock detected")

	var ok JobRun
	require.NoError(t, f.db.Where("phase = ?", PhaseHoldbackToApproved).First(&ok).Error)
	require.Equal(t, RunStatusSuccess, ok.Status)
	require.Equal(t, int64(3), ok.RowsAffected)
}

func TestApprovalRunsAfterFirstPageFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection reset")
	ledger := &fakeLedger{
		pending:  []step{{err: boom}},
		approved: []step{{n: 1}},
	}
	s := New(f.db, f.node, f.clock, ledger, 2)

	res, err := s.Tick(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, TickResult{Approved: 1}, res)
}

func TestRunsNewestFirst(t *testing.T) {
	f := newFixture(t)
	s := New(f.db, f.node, f.clock, &fakeLedger{}, 2)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = s.Tick(context.Background())
	require.NoError(t, err)

	runs, err := s.Runs(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.True(t, runs[0].StartedAt.Equal(t0.Add(time.Hour)))
	require.True(t, runs[2].StartedAt.Equal(t0))
}

func TestNewCron(t *testing.T) {
	f := newFixture(t)
	s := New(f.db, f.node, f.clock, &fakeLedger{}, 2)

	cfg := config.Default()
	cfg.Holdback.UseLocker = false

	lc := fxtest.NewLifecycle(t)
	sched, err := NewCron(CronParams{Lifecycle: lc, Config: cfg, Clock: f.clock, Scheduler: s})
	require.NoError(t, err)
	require.Len(t, sched.Jobs(), 1)
	require.Equal(t, JobName, sched.Jobs()[0].Name())

	lc.RequireStart()
	lc.RequireStop()

	cfg.Holdback.Schedule = "every now and then"
	_, err = NewCron(CronParams{Lifecycle: fxtest.NewLifecycle(t), Config: cfg, Clock: f.clock, Scheduler: s})
	require.Error(t, err)
}
