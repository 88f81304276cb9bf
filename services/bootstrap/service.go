package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"referral-engine/pkg/config"
	"referral-engine/services/commission"
	"referral-engine/services/holdback"
	"referral-engine/services/rate"
	"referral-engine/services/referral"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the engine owns.
func Models() []any {
	return []any{
		&referral.ReferralCode{},
		&referral.Referral{},
		&rate.CommissionRate{},
		&commission.Commission{},
		&holdback.JobRun{},
	}
}

// DefaultRates are the global rates a fresh installation starts with.
func DefaultRates() []rate.CreateRateParams {
	return []rate.CreateRateParams{
		{EventType: rate.EventSignup, RatePercentage: decimal.NewFromInt(4), Description: "Default signup commission"},
		{EventType: rate.EventRenewal, RatePercentage: decimal.NewFromInt(3), Description: "Default renewal commission"},
		{EventType: rate.EventUpgrade, RatePercentage: decimal.NewFromInt(4), Description: "Default upgrade commission"},
	}
}

// ParseRates reads "EVENT=PERCENT" pairs such as "SIGNUP=4". An empty
// input yields DefaultRates.
func ParseRates(pairs []string) ([]rate.CreateRateParams, error) {
	if len(pairs) == 0 {
		return DefaultRates(), nil
	}

	out := make([]rate.CreateRateParams, 0, len(pairs))
	seen := make(map[rate.EventType]bool, len(pairs))
	for _, pair := range pairs {
		name, pct, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("rate %q: expected EVENT=PERCENT", pair)
		}
		eventType, ok := rate.ParseEventType(name)
		if !ok {
			return nil, fmt.Errorf("rate %q: unknown event type %q", pair, name)
		}
		if seen[eventType] {
			return nil, fmt.Errorf("rate %q: %s given twice", pair, eventType)
		}
		seen[eventType] = true

		d, err := decimal.NewFromString(strings.TrimSpace(pct))
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", pair, err)
		}
		if d.LessThan(decimal.Zero) || d.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("rate %q: percentage must be within [0, 100]", pair)
		}

		out = append(out, rate.CreateRateParams{
			EventType:      eventType,
			RatePercentage: d,
			Description:    fmt.Sprintf("Seeded %s commission", strings.ToLower(string(eventType))),
		})
	}
	return out, nil
}

type Service struct {
	db     *gorm.DB
	config *config.Config
	rates  *rate.Service
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
	Rates  *rate.Service `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		config: p.Config,
		rates:  p.Rates,
	}
}

// Migrate creates or updates the engine tables.
func (s *Service) Migrate(ctx context.Context) error {
	zap.L().Info("[bootstrap] running auto migration", zap.String("dialect", s.db.Dialector.Name()))
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		zap.L().Error("[bootstrap] auto migration failed", zap.Error(err))
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// SeedRates creates each given rate unless an active global rate for its
// event type already exists. Returns how many rates were created.
func (s *Service) SeedRates(ctx context.Context, rates []rate.CreateRateParams) (int, error) {
	if s.rates == nil {
		return 0, fmt.Errorf("rate service not available")
	}

	created := 0
	for _, p := range rates {
		existing, err := s.rates.ListRates(ctx, rate.ListRatesParams{EventType: p.EventType})
		if err != nil {
			return created, err
		}
		if hasGlobal(existing) {
			zap.L().Info("[bootstrap] rate already present", zap.String("event_type", string(p.EventType)))
			continue
		}

		r, err := s.rates.CreateRate(ctx, p)
		if err != nil {
			return created, err
		}
		created++
		zap.L().Info("[bootstrap] rate seeded",
			zap.String("rate_id", r.ID),
			zap.String("event_type", string(r.EventType)),
			zap.String("rate_percentage", r.RatePercentage.String()),
		)
	}
	return created, nil
}

func hasGlobal(rates []*rate.CommissionRate) bool {
	for _, r := range rates {
		if r.PlanID == nil {
			return true
		}
	}
	return false
}
