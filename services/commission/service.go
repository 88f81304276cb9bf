package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"referral-engine/pkg/config"
	"referral-engine/pkg/db/option"
	"referral-engine/pkg/db/pagination"
	"referral-engine/pkg/errutil"
	"referral-engine/pkg/logger"
	"referral-engine/pkg/metrics"
	"referral-engine/pkg/repository"
	"referral-engine/services/rate"
	"referral-engine/services/referral"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	DefaultBatchSize = 500
	maxCancelRetries = 3
)

var (
	ErrNotFound        = errutil.New(errutil.StatusNotFound, "commission not found")
	ErrPaidImmutable   = errutil.New(errutil.StatusInvalidState, "commission is paid and cannot be changed")
	ErrInvalidAmount   = errutil.New(errutil.StatusValidationFailed, "commission amount must be positive")
	ErrUnknownReferral = errutil.New(errutil.StatusValidationFailed, "referral does not exist")
	ErrPayeeMismatch   = errutil.New(errutil.StatusValidationFailed, "payee must be the referrer")
	ErrDuplicateEvent  = errutil.New(errutil.StatusConflict, "commission already recorded for this event")
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock clockwork.Clock
	cfg   config.Commission

	commissions repository.Repository[Commission]
	referrals   *referral.Service
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Clock    clockwork.Clock
	Config   *config.Config
	Referral *referral.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		clock:       p.Clock,
		cfg:         p.Config.Commission,
		commissions: repository.ProvideStore[Commission](p.DB),
		referrals:   p.Referral,
	}
}

// WithTrx returns a copy of the service bound to tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.commissions = s.commissions.WithTrx(tx)
	cp.referrals = s.referrals.WithTrx(tx)
	return &cp
}

// Create records a PENDING commission whose holdback ends HoldbackDays from now.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Commission, error) {
	log := logger.FromContext(ctx, zap.String("referral_id", p.ReferralID))

	if p.Amount <= 0 {
		log.Warn("rejecting non-positive commission amount", zap.Int64("amount", p.Amount))
		return nil, ErrInvalidAmount
	}
	if !p.EventType.Valid() {
		return nil, errutil.ValidationFailed("invalid event type", nil)
	}

	ref, err := s.referrals.Get(ctx, p.ReferralID)
	if err != nil {
		if errors.Is(err, referral.ErrNotFound) {
			return nil, ErrUnknownReferral
		}
		return nil, err
	}

	payee := p.UserID
	if payee == "" {
		payee = ref.ReferrerID
	}
	if payee != ref.ReferrerID {
		return nil, ErrPayeeMismatch
	}

	currency := p.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	description := p.Description
	if description == "" {
		description = fmt.Sprintf("%s commission for referral #%s", p.EventType, ref.ID)
	}

	now := s.clock.Now().UTC()
	c := &Commission{
		ID:               s.node.Generate().String(),
		UserID:           payee,
		ReferralID:       ref.ID,
		EventType:        p.EventType,
		SourceEventID:    p.SourceEventID,
		Amount:           p.Amount,
		Currency:         currency,
		Status:           StatusPending,
		HoldbackUntil:    now.Add(s.cfg.HoldbackWindow()),
		CreatedAt:        now,
		UpdatedAt:        now,
		Description:      description,
		CommissionRateID: p.RateID,
	}
	if err := s.commissions.Create(ctx, c); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateEvent
		}
		log.Error("failed to create commission", zap.Error(err))
		return nil, errutil.Internal("failed to create commission", err)
	}

	log.Info("commission created",
		zap.String("commission_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int64("amount", c.Amount),
		zap.Time("holdback_until", c.HoldbackUntil),
	)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Commission, error) {
	c, err := s.commissions.FindOne(ctx, &Commission{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to get commission", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// FindBySourceEvent returns the commission recorded for eventID, or nil.
func (s *Service) FindBySourceEvent(ctx context.Context, eventID string) (*Commission, error) {
	c, err := s.commissions.FindOne(ctx, &Commission{SourceEventID: &eventID})
	if err != nil {
		return nil, errutil.Internal("failed to look up commission by event", err)
	}
	return c, nil
}

// LatestForReferralEvent returns the newest commission of referralID for
// eventType, restricted to statuses when given. The row is locked.
func (s *Service) LatestForReferralEvent(ctx context.Context, referralID string, eventType rate.EventType, statuses ...Status) (*Commission, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.WithLockingUpdate(),
	}
	if len(statuses) > 0 {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: statuses}))
	}

	c, err := s.commissions.FindOne(ctx, &Commission{ReferralID: referralID, EventType: eventType}, opts...)
	if err != nil {
		return nil, errutil.Internal("failed to look up commission", err)
	}
	return c, nil
}

func appendReason(description, reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	if description == "" {
		return "CANCELLED: " + reason
	}
	return description + " | CANCELLED: " + reason
}

// Cancel moves a non-terminal commission to CANCELLED. Cancelling a PAID
// commission fails with ErrPaidImmutable; cancelling twice is a no-op.
// Each write is conditional on the status just read, so a concurrent
// scheduler advance only causes a re-read.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Commission, error) {
	log := logger.FromContext(ctx, zap.String("commission_id", id))

	for attempt := 0; attempt < maxCancelRetries; attempt++ {
		c, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		switch c.Status {
		case StatusPaid:
			return nil, ErrPaidImmutable
		case StatusCancelled:
			return c, nil
		}

		now := s.clock.Now().UTC()
		description := appendReason(c.Description, reason)
		res := s.db.WithContext(ctx).Model(&Commission{}).
			Where("id = ? AND status = ?", id, c.Status).
			Updates(map[string]any{
				"status":       StatusCancelled,
				"cancelled_at": now,
				"updated_at":   now,
				"description":  description,
			})
		if res.Error != nil {
			log.Error("failed to cancel commission", zap.Error(res.Error))
			return nil, errutil.Internal("failed to cancel commission", res.Error)
		}

		if res.RowsAffected == 1 {
			metrics.CommissionTransitions.WithLabelValues(string(StatusCancelled)).Inc()
			log.Info("commission cancelled", zap.String("from", string(c.Status)), zap.String("reason", reason))

			c.Status = StatusCancelled
			c.CancelledAt = &now
			c.UpdatedAt = now
			c.Description = description
			return c, nil
		}

		log.Warn("commission changed while cancelling, re-reading", zap.Int("attempt", attempt+1))
	}

	return nil, errutil.Conflict("commission kept changing while cancelling", nil)
}

// AdvancePendingToHoldback moves one page of PENDING commissions to HOLDBACK.
func (s *Service) AdvancePendingToHoldback(ctx context.Context, batch int) (int64, error) {
	now := s.clock.Now().UTC()
	return s.advance(ctx, StatusPending, StatusHoldback, batch, nil, map[string]any{
		"status":     StatusHoldback,
		"updated_at": now,
	})
}

// AdvanceHoldbackToApproved moves one page of HOLDBACK commissions whose
// holdback ended at or before now to APPROVED.
func (s *Service) AdvanceHoldbackToApproved(ctx context.Context, now time.Time, batch int) (int64, error) {
	now = now.UTC()
	return s.advance(ctx, StatusHoldback, StatusApproved, batch,
		func(q *gorm.DB) *gorm.DB { return q.Where("holdback_until <= ?", now) },
		map[string]any{
			"status":      StatusApproved,
			"approved_at": now,
			"updated_at":  now,
		})
}

// advance selects a page of ids in `from` and updates them, again
// filtered on `from`, so re-running a page changes nothing.
func (s *Service) advance(ctx context.Context, from, to Status, batch int, filter func(*gorm.DB) *gorm.DB, updates map[string]any) (int64, error) {
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&Commission{}).Where("status = ?", from)
		if filter != nil {
			q = filter(q)
		}

		var ids []string
		if err := q.Order("created_at ASC").Order("id ASC").Limit(batch).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res := tx.Model(&Commission{}).Where("id IN ? AND status = ?", ids, from).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("advance %s -> %s: %w", from, to, err)
	}

	if affected > 0 {
		metrics.CommissionTransitions.WithLabelValues(string(to)).Add(float64(affected))
	}
	return affected, nil
}

// ApprovedForUpdate locks every APPROVED commission of userID.
func (s *Service) ApprovedForUpdate(ctx context.Context, userID string) ([]*Commission, error) {
	rows, err := s.commissions.Find(ctx, &Commission{UserID: userID, Status: StatusApproved},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
		option.WithLockingUpdate(),
	)
	if err != nil {
		return nil, errutil.Internal("failed to load approved commissions", err)
	}
	return rows, nil
}

// MarkPaid moves the given APPROVED commissions to PAID. Rows that are no
// longer APPROVED are skipped; the caller compares the returned count.
func (s *Service) MarkPaid(ctx context.Context, ids []string, payoutRef string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	now := s.clock.Now().UTC()
	updates := map[string]any{
		"status":     StatusPaid,
		"paid_at":    now,
		"updated_at": now,
	}
	if payoutRef != "" {
		updates["payout_ref"] = payoutRef
	}

	res := s.db.WithContext(ctx).Model(&Commission{}).
		Where("id IN ? AND status = ?", ids, StatusApproved).
		Updates(updates)
	if res.Error != nil {
		return 0, errutil.Internal("failed to mark commissions paid", res.Error)
	}

	metrics.CommissionTransitions.WithLabelValues(string(StatusPaid)).Add(float64(res.RowsAffected))
	return res.RowsAffected, nil
}

// ListByUser pages the user's commissions newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, p ListParams) ([]*Commission, *pagination.PageInfo, error) {
	query := &Commission{UserID: userID}
	if p.Status != "" {
		if !p.Status.Valid() {
			return nil, nil, errutil.ValidationFailed("invalid status filter", nil)
		}
		query.Status = p.Status
	}

	rows, err := s.commissions.Find(ctx, query, option.ApplyPagination(p.Pagination))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list commissions", err)
	}

	rows, info := pagination.BuildCursorPage(rows, p.Pagination.Normalize(), func(c *Commission) pagination.Cursor {
		return pagination.NewCursor(c.CreatedAt, c.ID)
	})
	return rows, info, nil
}

// Stats sums the user's commission amounts per status and adds referral counts.
func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	out := Stats{Currency: s.cfg.Currency}

	var totals []struct {
		Status Status
		Total  int64
	}
	var counts referral.Counts

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&Commission{}).
			Select("status, COALESCE(SUM(amount), 0) AS total").
			Where("user_id = ?", userID).
			Group("status").
			Scan(&totals).Error
	})
	g.Go(func() error {
		var err error
		counts, err = s.referrals.Counts(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Stats{}, errutil.Internal("failed to compute commission stats", err)
	}

	for _, t := range totals {
		switch t.Status {
		case StatusPending:
			out.TotalPending = t.Total
		case StatusHoldback:
			out.TotalHoldback = t.Total
		case StatusApproved:
			out.TotalApproved = t.Total
		case StatusPaid:
			out.TotalPaid = t.Total
		case StatusCancelled:
			out.TotalCancelled = t.Total
		}
	}
	out.TotalReferrals = counts.Total
	out.ActiveReferrals = counts.Active
	return out, nil
}
