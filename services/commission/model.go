package commission

import (
	"time"

	"referral-engine/pkg/db/pagination"
	"referral-engine/services/rate"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusHoldback  Status = "HOLDBACK"
	StatusApproved  Status = "APPROVED"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusHoldback, StatusApproved, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

// Terminal states never change again.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// Commission is a ledger entry. Amount is written once on insert and is
// excluded from every update; a PAID row is frozen.
type Commission struct {
	ID               string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	UserID           string         `gorm:"column:user_id;type:varchar(64);not null;index:idx_commissions_user_status,priority:1" json:"user_id"`
	ReferralID       string         `gorm:"column:referral_id;type:varchar(32);not null;index:idx_commissions_referral_event,priority:1" json:"referral_id"`
	EventType        rate.EventType `gorm:"column:event_type;type:varchar(16);not null;index:idx_commissions_referral_event,priority:2" json:"event_type"`
	SourceEventID    *string        `gorm:"column:source_event_id;type:varchar(128);uniqueIndex" json:"source_event_id,omitempty"`
	Amount           int64          `gorm:"column:amount;not null;<-:create" json:"amount"`
	Currency         string         `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	Status           Status         `gorm:"column:status;type:varchar(16);not null;index:idx_commissions_user_status,priority:2;index:idx_commissions_status_created,priority:1" json:"status"`
	HoldbackUntil    time.Time      `gorm:"column:holdback_until;not null" json:"holdback_until"`
	CreatedAt        time.Time      `gorm:"column:created_at;not null;index:idx_commissions_status_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
	ApprovedAt       *time.Time     `gorm:"column:approved_at" json:"approved_at,omitempty"`
	PaidAt           *time.Time     `gorm:"column:paid_at" json:"paid_at,omitempty"`
	CancelledAt      *time.Time     `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	Description      string         `gorm:"column:description;type:text" json:"description,omitempty"`
	CommissionRateID *string        `gorm:"column:commission_rate_id;type:varchar(32)" json:"commission_rate_id,omitempty"`
	PayoutRef        *string        `gorm:"column:payout_ref;type:varchar(64);index" json:"payout_ref,omitempty"`
}

func (Commission) TableName() string {
	return "commissions"
}

type CreateParams struct {
	// UserID is the payee. Empty means the referrer of ReferralID.
	UserID        string
	ReferralID    string
	EventType     rate.EventType
	Amount        int64
	Currency      string
	RateID        *string
	Description   string
	SourceEventID *string
}

type ListParams struct {
	Status Status `form:"status"`
	pagination.Pagination
}

type Stats struct {
	Currency        string `json:"currency"`
	TotalPending    int64  `json:"total_pending"`
	TotalHoldback   int64  `json:"total_holdback"`
	TotalApproved   int64  `json:"total_approved"`
	TotalPaid       int64  `json:"total_paid"`
	TotalCancelled  int64  `json:"total_cancelled"`
	TotalReferrals  int64  `json:"total_referrals"`
	ActiveReferrals int64  `json:"active_referrals"`
}
