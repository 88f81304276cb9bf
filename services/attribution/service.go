package attribution

import (
	"context"
	"errors"
	"time"

	"referral-engine/pkg/errutil"
	"referral-engine/pkg/logger"
	"referral-engine/pkg/metrics"
	"referral-engine/services/commission"
	"referral-engine/services/rate"
	"referral-engine/services/referral"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reversalReason = "source event reversed"

var ErrZeroAmount = errutil.New(errutil.StatusValidationFailed, "computed commission amount is zero")

// Service turns subscription events into referral transitions and
// commission entries. Every operation runs in one transaction.
type Service struct {
	db    *gorm.DB
	clock clockwork.Clock

	rates       *rate.Service
	referrals   *referral.Service
	commissions *commission.Service
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Clock       clockwork.Clock
	Rates       *rate.Service
	Referrals   *referral.Service
	Commissions *commission.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		clock:       p.Clock,
		rates:       p.Rates,
		referrals:   p.Referrals,
		commissions: p.Commissions,
	}
}

type outcome struct {
	commission *commission.Commission
	replayed   bool
	skipped    string
	source     string
}

// OnBillableEvent attributes ev to the referral of the paying user.
// It returns (nil, nil) when the user has no referral in the state the
// event requires. A replayed EventID returns the commission recorded the
// first time without writing anything.
func (s *Service) OnBillableEvent(ctx context.Context, ev BillableEvent) (*commission.Commission, error) {
	ev.normalize()
	if err := ev.validate(); err != nil {
		return nil, err
	}

	at := s.clock.Now().UTC()
	if ev.OccurredAt != nil {
		at = ev.OccurredAt.UTC()
	}

	log := logger.FromContext(ctx,
		zap.String("referred_user_id", ev.ReferredUserID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("event_id", ev.EventID),
	)

	var out outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.attribute(ctx, tx, ev, at)
		return err
	})
	if err != nil {
		if ev.EventID != "" && errors.Is(err, commission.ErrDuplicateEvent) {
			// lost a race against the same event delivered twice
			existing, ferr := s.commissions.FindBySourceEvent(ctx, ev.EventID)
			if ferr == nil && existing != nil {
				log.Info("billable event already attributed", zap.String("commission_id", existing.ID))
				return existing, nil
			}
		}
		log.Warn("attribution failed", zap.Error(err))
		return nil, err
	}

	switch {
	case out.replayed:
		log.Info("billable event already attributed", zap.String("commission_id", out.commission.ID))
	case out.skipped != "":
		metrics.AttributionSkipped.WithLabelValues(out.skipped).Inc()
		log.Info("billable event not attributed", zap.String("reason", out.skipped))
	default:
		metrics.CommissionsCreated.WithLabelValues(string(ev.EventType), out.source).Inc()
	}
	return out.commission, nil
}

func (s *Service) attribute(ctx context.Context, tx *gorm.DB, ev BillableEvent, at time.Time) (outcome, error) {
	rates := s.rates.WithTrx(tx)
	referrals := s.referrals.WithTrx(tx)
	ledger := s.commissions.WithTrx(tx)

	if ev.EventID != "" {
		existing, err := ledger.FindBySourceEvent(ctx, ev.EventID)
		if err != nil {
			return outcome{}, err
		}
		if existing != nil {
			return outcome{commission: existing, replayed: true}, nil
		}
	}

	ref, err := referrals.FindForUpdate(ctx, ev.ReferredUserID)
	if err != nil {
		return outcome{}, err
	}
	if ref == nil {
		return outcome{skipped: skipNoReferral}, nil
	}

	if ev.EventType == rate.EventSignup {
		if ref.Status != referral.StatusPending {
			return outcome{skipped: skipNotPending}, nil
		}
		activated, err := referrals.Activate(ctx, ev.ReferredUserID)
		if err != nil {
			return outcome{}, err
		}
		if activated == nil {
			return outcome{}, errutil.Conflict("referral changed during activation", nil)
		}
	} else if ref.Status != referral.StatusActive {
		return outcome{skipped: skipNotActive}, nil
	}

	res, err := rates.Resolve(ctx, ev.EventType, ev.PlanID, at)
	if err != nil {
		return outcome{}, err
	}

	amount := rate.CalculateAmount(ev.BaseAmount, res.Percentage)
	if amount <= 0 {
		return outcome{}, ErrZeroAmount
	}

	var sourceEventID *string
	if ev.EventID != "" {
		id := ev.EventID
		sourceEventID = &id
	}

	c, err := ledger.Create(ctx, commission.CreateParams{
		ReferralID:    ref.ID,
		EventType:     ev.EventType,
		Amount:        amount,
		RateID:        res.RateID,
		SourceEventID: sourceEventID,
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{commission: c, source: res.Source()}, nil
}

// OnEventReversed cancels the newest open commission of referralID for
// eventType. A reversed SIGNUP also expires an ACTIVE referral. When the
// newest commission is already PAID it fails with
// commission.ErrPaidImmutable and nothing changes.
func (s *Service) OnEventReversed(ctx context.Context, referralID string, eventType rate.EventType) (*commission.Commission, error) {
	if !eventType.Valid() {
		return nil, errutil.ValidationFailed("invalid event type", nil)
	}

	log := logger.FromContext(ctx,
		zap.String("referral_id", referralID),
		zap.String("event_type", string(eventType)),
	)

	var cancelled *commission.Commission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		referrals := s.referrals.WithTrx(tx)
		ledger := s.commissions.WithTrx(tx)

		ref, err := referrals.GetForUpdate(ctx, referralID)
		if err != nil {
			return err
		}

		open, err := ledger.LatestForReferralEvent(ctx, ref.ID, eventType,
			commission.StatusPending, commission.StatusHoldback, commission.StatusApproved)
		if err != nil {
			return err
		}
		if open == nil {
			latest, err := ledger.LatestForReferralEvent(ctx, ref.ID, eventType)
			if err != nil {
				return err
			}
			if latest != nil && latest.Status == commission.StatusPaid {
				return commission.ErrPaidImmutable
			}
			return nil
		}

		cancelled, err = ledger.Cancel(ctx, open.ID, reversalReason)
		if err != nil {
			return err
		}

		if eventType == rate.EventSignup && ref.Status == referral.StatusActive {
			if _, err := referrals.Expire(ctx, ref.ReferredID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Warn("reversal failed", zap.Error(err))
		return nil, err
	}

	if cancelled == nil {
		log.Info("reversal matched no open commission")
	}
	return cancelled, nil
}

// OnSubscriptionEnded expires the ACTIVE referral of referredUserID.
// Returns (nil, nil) when there is none.
func (s *Service) OnSubscriptionEnded(ctx context.Context, referredUserID string) (*referral.Referral, error) {
	if referredUserID == "" {
		return nil, errutil.ValidationFailed("referred_user_id is required", nil)
	}
	return s.referrals.Expire(ctx, referredUserID)
}
