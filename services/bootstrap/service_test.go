package bootstrap

import (
	"context"
	"testing"

	"referral-engine/pkg/config"
	"referral-engine/services/rate"
	"referral-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *rate.Service, clockwork.Clock) {
	t.Helper()
	db := testutil.NewTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := config.Default()
	clock := clockwork.NewFakeClock()

	rates := rate.NewService(rate.ServiceParams{DB: db, Node: node, Clock: clock, Config: cfg})
	return NewService(ServiceParams{DB: db, Config: cfg, Rates: rates}), rates, clock
}

func TestMigrate(t *testing.T) {
	svc, _, _ := newService(t)
	require.NoError(t, svc.Migrate(context.Background()))

	for _, table := range []string{"referral_codes", "referrals", "commission_rates", "commissions", "job_runs"} {
		require.True(t, svc.db.Migrator().HasTable(table), table)
	}

	// idempotent
	require.NoError(t, svc.Migrate(context.Background()))
}

func TestSeedRates(t *testing.T) {
	svc, rates, clock := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Migrate(ctx))

	n, err := svc.SeedRates(ctx, DefaultRates())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = svc.SeedRates(ctx, DefaultRates())
	require.NoError(t, err)
	require.Zero(t, n)

	res, err := rates.Resolve(ctx, rate.EventRenewal, nil, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, res.RateID)
	require.True(t, res.Percentage.Equal(decimal.NewFromInt(3)))
}

func TestParseRates(t *testing.T) {
	got, err := ParseRates(nil)
	require.NoError(t, err)
	require.Len(t, got, 3)

	got, err = ParseRates([]string{"signup=5", "RENEWAL=2.5"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, rate.EventSignup, got[0].EventType)
	require.True(t, got[0].RatePercentage.Equal(decimal.NewFromInt(5)))
	require.True(t, got[1].RatePercentage.Equal(decimal.RequireFromString("2.5")))

	for _, bad := range [][]string{
		{"SIGNUP"},
		{"REFUND=3"},
		{"SIGNUP=abc"},
		{"SIGNUP=101"},
		{"SIGNUP=4", "signup=5"},
	} {
		_, err := ParseRates(bad)
		require.Error(t, err, bad)
	}
}
