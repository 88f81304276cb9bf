package referral

import (
	"context"
	"errors"
	"strings"

	"referral-engine/pkg/db/option"
	"referral-engine/pkg/db/pagination"
	"referral-engine/pkg/errutil"
	"referral-engine/pkg/logger"
	"referral-engine/pkg/repository"
	"referral-engine/pkg/util"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxCodeAttempts = 5

var (
	ErrUnknownCode     = errutil.New(errutil.StatusValidationFailed, "unknown referral code")
	ErrSelfReferral    = errutil.New(errutil.StatusValidationFailed, "users cannot refer themselves")
	ErrAlreadyReferred = errutil.New(errutil.StatusConflict, "user has already been referred")
	ErrNotFound        = errutil.New(errutil.StatusNotFound, "referral not found")
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock clockwork.Clock

	referrals repository.Repository[Referral]
	codes     repository.Repository[ReferralCode]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock clockwork.Clock
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		clock:     p.Clock,
		referrals: repository.ProvideStore[Referral](p.DB),
		codes:     repository.ProvideStore[ReferralCode](p.DB),
	}
}

// WithTrx returns a copy of the service bound to tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.referrals = s.referrals.WithTrx(tx)
	cp.codes = s.codes.WithTrx(tx)
	return &cp
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Create registers referredUserID as referred by the owner of code.
func (s *Service) Create(ctx context.Context, referredUserID, code string) (*Referral, error) {
	log := logger.FromContext(ctx, zap.String("referred_id", referredUserID))

	referredUserID = strings.TrimSpace(referredUserID)
	if referredUserID == "" {
		return nil, errutil.ValidationFailed("referred_user_id is required", nil)
	}

	code = normalizeCode(code)
	if code == "" {
		return nil, ErrUnknownCode
	}

	owner, err := s.codes.FindOne(ctx, &ReferralCode{Code: code})
	if err != nil {
		return nil, errutil.Internal("failed to look up referral code", err)
	}
	if owner == nil {
		return nil, ErrUnknownCode
	}
	if owner.UserID == referredUserID {
		return nil, ErrSelfReferral
	}

	existing, err := s.referrals.FindOne(ctx, &Referral{ReferredID: referredUserID})
	if err != nil {
		return nil, errutil.Internal("failed to look up referral", err)
	}
	if existing != nil {
		return nil, ErrAlreadyReferred
	}

	r := &Referral{
		ID:         s.node.Generate().String(),
		ReferrerID: owner.UserID,
		ReferredID: referredUserID,
		Status:     StatusPending,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.referrals.Create(ctx, r); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyReferred
		}
		log.Error("failed to create referral", zap.Error(err))
		return nil, errutil.Internal("failed to create referral", err)
	}

	log.Info("referral created", zap.String("referral_id", r.ID), zap.String("referrer_id", r.ReferrerID))
	return r, nil
}

// IssueCode returns the user's referral code, generating one on first use.
func (s *Service) IssueCode(ctx context.Context, userID string) (*ReferralCode, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errutil.ValidationFailed("user_id is required", nil)
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		existing, err := s.codes.FindOne(ctx, &ReferralCode{UserID: userID})
		if err != nil {
			return nil, errutil.Internal("failed to look up referral code", err)
		}
		if existing != nil {
			return existing, nil
		}

		code, err := util.RandomString(CodeLength, util.AlphabetUpperNumeric)
		if err != nil {
			return nil, errutil.Internal("failed to generate referral code", err)
		}

		rc := &ReferralCode{Code: code, UserID: userID, CreatedAt: s.clock.Now().UTC()}
		err = s.codes.Create(ctx, rc)
		if err == nil {
			logger.FromContext(ctx).Info("referral code issued", zap.String("user_id", userID))
			return rc, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Internal("failed to store referral code", err)
		}
		// collision on code, or a concurrent issue for the same user: look again
	}

	return nil, errutil.Conflict("could not allocate a unique referral code", nil)
}

// Activate moves the PENDING referral of referredUserID to ACTIVE.
// Returns (nil, nil) when there is no PENDING referral.
func (s *Service) Activate(ctx context.Context, referredUserID string) (*Referral, error) {
	now := s.clock.Now().UTC()
	return s.transition(ctx, referredUserID, StatusPending, StatusActive, map[string]any{
		"status":       StatusActive,
		"activated_at": now,
	})
}

// Expire moves the ACTIVE referral of referredUserID to EXPIRED.
// Returns (nil, nil) when there is no ACTIVE referral.
func (s *Service) Expire(ctx context.Context, referredUserID string) (*Referral, error) {
	now := s.clock.Now().UTC()
	return s.transition(ctx, referredUserID, StatusActive, StatusExpired, map[string]any{
		"status":     StatusExpired,
		"expired_at": now,
	})
}

func (s *Service) transition(ctx context.Context, referredUserID string, from, to Status, updates map[string]any) (*Referral, error) {
	res := s.db.WithContext(ctx).Model(&Referral{}).
		Where("referred_id = ? AND status = ?", referredUserID, from).
		Updates(updates)
	if res.Error != nil {
		return nil, errutil.Internal("failed to update referral", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	r, err := s.referrals.FindOne(ctx, &Referral{ReferredID: referredUserID})
	if err != nil {
		return nil, errutil.Internal("failed to reload referral", err)
	}

	logger.FromContext(ctx).Info("referral transitioned",
		zap.String("referral_id", r.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return r, nil
}

// FindForUpdate reads the referral of referredUserID with a row lock.
// Must be called on a service bound to a transaction.
func (s *Service) FindForUpdate(ctx context.Context, referredUserID string) (*Referral, error) {
	r, err := s.referrals.FindOne(ctx, &Referral{ReferredID: referredUserID}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Internal("failed to lock referral", err)
	}
	return r, nil
}

// GetForUpdate is FindForUpdate by referral id; missing rows are ErrNotFound.
func (s *Service) GetForUpdate(ctx context.Context, id string) (*Referral, error) {
	r, err := s.referrals.FindOne(ctx, &Referral{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Internal("failed to lock referral", err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Referral, error) {
	r, err := s.referrals.FindOne(ctx, &Referral{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to get referral", err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *Service) Counts(ctx context.Context, referrerID string) (Counts, error) {
	var c Counts
	var err error

	c.Total, err = s.referrals.Count(ctx, &Referral{ReferrerID: referrerID})
	if err != nil {
		return Counts{}, errutil.Internal("failed to count referrals", err)
	}
	c.Active, err = s.referrals.Count(ctx, &Referral{ReferrerID: referrerID, Status: StatusActive})
	if err != nil {
		return Counts{}, errutil.Internal("failed to count referrals", err)
	}
	return c, nil
}

func (s *Service) ListByReferrer(ctx context.Context, referrerID string, page pagination.Pagination) ([]*Referral, *pagination.PageInfo, error) {
	rows, err := s.referrals.Find(ctx, &Referral{ReferrerID: referrerID}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list referrals", err)
	}

	rows, info := pagination.BuildCursorPage(rows, page.Normalize(), func(r *Referral) pagination.Cursor {
		return pagination.NewCursor(r.CreatedAt, r.ID)
	})
	return rows, info, nil
}
