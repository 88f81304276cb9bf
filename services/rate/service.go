package rate

import (
	"context"
	"time"

	"referral-engine/pkg/config"
	"referral-engine/pkg/db/option"
	"referral-engine/pkg/errutil"
	"referral-engine/pkg/logger"
	"referral-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock clockwork.Clock

	defaultRate decimal.Decimal
	rates       repository.Repository[CommissionRate]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clockwork.Clock
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		clock:       p.Clock,
		defaultRate: p.Config.Commission.DefaultRatePercentage(),
		rates:       repository.ProvideStore[CommissionRate](p.DB),
	}
}

// WithTrx returns a copy of the service bound to tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.rates = s.rates.WithTrx(tx)
	return &cp
}

// Resolve picks the latest-created active rate valid at `at` for the event type.
// Global rows (plan_id IS NULL) always compete; plan rows only when planID
// matches. Precedence is recency only, plan-specific rows get no priority.
// With no match the configured default is returned with a nil RateID.
func (s *Service) Resolve(ctx context.Context, eventType EventType, planID *string, at time.Time) (Resolution, error) {
	at = at.UTC()

	q := s.db.WithContext(ctx).
		Where("event_type = ? AND is_active = ?", eventType, true).
		Where("valid_from <= ?", at).
		Where("valid_until IS NULL OR valid_until >= ?", at)
	if planID != nil && *planID != "" {
		q = q.Where("plan_id IS NULL OR plan_id = ?", *planID)
	} else {
		q = q.Where("plan_id IS NULL")
	}

	var rows []CommissionRate
	if err := q.Order("created_at DESC").Order("id DESC").Limit(1).Find(&rows).Error; err != nil {
		return Resolution{}, err
	}

	if len(rows) == 0 {
		fields := []zap.Field{
			zap.String("event_type", string(eventType)),
			zap.Time("at", at),
			zap.String("default_rate", s.defaultRate.String()),
		}
		if planID != nil {
			fields = append(fields, zap.String("plan_id", *planID))
		}
		logger.FromContext(ctx).Warn("no active commission rate, using default rate", fields...)
		return Resolution{Percentage: s.defaultRate}, nil
	}

	id := rows[0].ID
	return Resolution{RateID: &id, Percentage: rows[0].RatePercentage}, nil
}

// CalculateAmount returns base * pct / 100 rounded half-up to whole minor units.
func CalculateAmount(base int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(base).Mul(pct).Div(hundred).Round(0).IntPart()
}

func validatePercentage(pct decimal.Decimal) error {
	if !pct.IsPositive() || pct.GreaterThan(hundred) {
		return errutil.ValidationFailed("invalid rate percentage", nil, errutil.WithDetails(errutil.Detail{
			Field:   "rate_percentage",
			Message: "must be greater than 0 and at most 100",
		}))
	}
	return nil
}

func validateWindow(from time.Time, until *time.Time) error {
	if until != nil && !until.After(from) {
		return errutil.ValidationFailed("invalid validity window", nil, errutil.WithDetails(errutil.Detail{
			Field:   "valid_until",
			Message: "must be after valid_from",
		}))
	}
	return nil
}

func (s *Service) CreateRate(ctx context.Context, p CreateRateParams) (*CommissionRate, error) {
	if !p.EventType.Valid() {
		return nil, errutil.ValidationFailed("invalid event type", nil, errutil.WithDetails(errutil.Detail{
			Field:   "event_type",
			Message: "must be one of SIGNUP, RENEWAL, UPGRADE",
		}))
	}
	if err := validatePercentage(p.RatePercentage); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	validFrom := now
	if p.ValidFrom != nil {
		validFrom = p.ValidFrom.UTC()
	}
	var validUntil *time.Time
	if p.ValidUntil != nil {
		u := p.ValidUntil.UTC()
		validUntil = &u
	}
	if err := validateWindow(validFrom, validUntil); err != nil {
		return nil, err
	}

	planID := p.PlanID
	if planID != nil && *planID == "" {
		planID = nil
	}

	r := &CommissionRate{
		ID:             s.node.Generate().String(),
		PlanID:         planID,
		EventType:      p.EventType,
		RatePercentage: p.RatePercentage,
		ValidFrom:      validFrom,
		ValidUntil:     validUntil,
		IsActive:       true,
		Description:    p.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.rates.Create(ctx, r); err != nil {
		logger.FromContext(ctx).Error("failed to create commission rate", zap.Error(err))
		return nil, errutil.Internal("failed to create commission rate", err)
	}

	logger.FromContext(ctx).Info("commission rate created",
		zap.String("rate_id", r.ID),
		zap.String("event_type", string(r.EventType)),
		zap.String("rate_percentage", r.RatePercentage.String()),
	)
	return r, nil
}

func (s *Service) GetRate(ctx context.Context, id string) (*CommissionRate, error) {
	r, err := s.rates.FindOne(ctx, &CommissionRate{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to get commission rate", err)
	}
	if r == nil {
		return nil, errutil.NotFound("commission rate not found", nil)
	}
	return r, nil
}

func (s *Service) ListRates(ctx context.Context, p ListRatesParams) ([]*CommissionRate, error) {
	var conds []option.Condition
	if p.EventType != "" {
		conds = append(conds, option.Condition{Field: "event_type", Operator: option.EQ, Value: p.EventType})
	}
	if !p.IncludeInactive {
		conds = append(conds, option.Condition{Field: "is_active", Operator: option.EQ, Value: true})
	}

	rates, err := s.rates.Find(ctx, nil,
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
	)
	if err != nil {
		return nil, errutil.Internal("failed to list commission rates", err)
	}
	return rates, nil
}

// UpdateRate edits an existing rate in place. Commissions keep referencing
// the row, so the rate is never deleted.
func (s *Service) UpdateRate(ctx context.Context, id string, p UpdateRateParams) (*CommissionRate, error) {
	var out *CommissionRate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.rates.WithTrx(tx.Scopes(option.LockingUpdate)).FindOne(ctx, &CommissionRate{ID: id})
		if err != nil {
			return errutil.Internal("failed to get commission rate", err)
		}
		if current == nil {
			return errutil.NotFound("commission rate not found", nil)
		}

		updates := map[string]any{"updated_at": s.clock.Now().UTC()}
		if p.RatePercentage != nil {
			if err := validatePercentage(*p.RatePercentage); err != nil {
				return err
			}
			updates["rate_percentage"] = *p.RatePercentage
			current.RatePercentage = *p.RatePercentage
		}
		if p.ValidFrom != nil {
			current.ValidFrom = p.ValidFrom.UTC()
			updates["valid_from"] = current.ValidFrom
		}
		if p.ValidUntil != nil {
			u := p.ValidUntil.UTC()
			current.ValidUntil = &u
			updates["valid_until"] = u
		}
		if err := validateWindow(current.ValidFrom, current.ValidUntil); err != nil {
			return err
		}
		if p.Description != nil {
			updates["description"] = *p.Description
			current.Description = *p.Description
		}
		if p.PlanID != nil {
			if *p.PlanID == "" {
				updates["plan_id"] = nil
				current.PlanID = nil
			} else {
				updates["plan_id"] = *p.PlanID
				current.PlanID = p.PlanID
			}
		}

		if err := s.rates.WithTrx(tx).Update(ctx, id, updates); err != nil {
			return errutil.Internal("failed to update commission rate", err)
		}
		current.UpdatedAt = updates["updated_at"].(time.Time)
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DisableRate soft-disables a rate. Disabling twice is a no-op.
func (s *Service) DisableRate(ctx context.Context, id string) (*CommissionRate, error) {
	r, err := s.GetRate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.IsActive {
		return r, nil
	}

	now := s.clock.Now().UTC()
	if err := s.rates.Update(ctx, id, map[string]any{"is_active": false, "updated_at": now}); err != nil {
		return nil, errutil.Internal("failed to disable commission rate", err)
	}
	r.IsActive = false
	r.UpdatedAt = now

	logger.FromContext(ctx).Info("commission rate disabled", zap.String("rate_id", id))
	return r, nil
}
