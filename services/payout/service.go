package payout

import (
	"context"

	"referral-engine/pkg/config"
	"referral-engine/pkg/errutil"
	"referral-engine/pkg/logger"
	"referral-engine/pkg/metrics"
	"referral-engine/pkg/sequence"
	"referral-engine/services/commission"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNothingToPay = errutil.New(errutil.StatusNothingToPay, "no approved commissions to pay out")
	ErrPayoutRace   = errutil.New(errutil.StatusInvalidState, "approved commissions changed during payout")
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    clockwork.Clock
	currency string

	commissions *commission.Service
	sequence    sequence.Generator
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       clockwork.Clock
	Config      *config.Config
	Commissions *commission.Service
	Sequence    sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		clock:       p.Clock,
		currency:    p.Config.Commission.Currency,
		commissions: p.Commissions,
		sequence:    p.Sequence,
	}
}

// RequestPayout pays every APPROVED commission of userID in one
// transaction. Fails with ErrNothingToPay when there is none.
func (s *Service) RequestPayout(ctx context.Context, userID string) (Summary, error) {
	if userID == "" {
		return Summary{}, errutil.ValidationFailed("user_id is required", nil)
	}
	log := logger.FromContext(ctx, zap.String("user_id", userID))

	var out Summary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := s.commissions.WithTrx(tx)

		rows, err := ledger.ApprovedForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrNothingToPay
		}

		out = Summary{
			Reference:     s.reference(ctx),
			UserID:        userID,
			Currency:      s.currency,
			CommissionIDs: make([]string, 0, len(rows)),
			PaidAt:        s.clock.Now().UTC(),
		}
		for _, c := range rows {
			out.TotalAmount += c.Amount
			out.CommissionIDs = append(out.CommissionIDs, c.ID)
			if c.Currency != "" {
				out.Currency = c.Currency
			}
		}
		out.Count = len(rows)

		paid, err := ledger.MarkPaid(ctx, out.CommissionIDs, out.Reference)
		if err != nil {
			return err
		}
		if paid != int64(len(rows)) {
			log.Warn("payout lost a race, rolling back", zap.Int64("paid", paid), zap.Int("expected", len(rows)))
			return ErrPayoutRace
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	metrics.PayoutsProcessed.Inc()
	metrics.PayoutAmount.Add(float64(out.TotalAmount))
	log.Info("payout completed",
		zap.String("reference", out.Reference),
		zap.Int64("total_amount", out.TotalAmount),
		zap.Int("count", out.Count),
	)
	return out, nil
}

// reference prefers the daily redis sequence and falls back to a snowflake id.
func (s *Service) reference(ctx context.Context) string {
	if s.sequence != nil {
		ref, err := s.sequence.NextPayoutCode(ctx)
		if err == nil {
			return ref
		}
		logger.FromContext(ctx).Warn("payout sequence unavailable, using snowflake reference", zap.Error(err))
	}
	return "PAY-" + s.node.Generate().String()
}
