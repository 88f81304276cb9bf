package referral

import (
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
)

// CodeLength is the length of a referral code drawn from A-Z0-9.
const CodeLength = 8

// Referral links a referrer to the user they referred. A user is referred
// at most once, and status only moves PENDING -> ACTIVE -> EXPIRED.
type Referral struct {
	ID          string     `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	ReferrerID  string     `gorm:"column:referrer_id;type:varchar(64);not null;uniqueIndex:uq_referrals_pair,priority:1;check:chk_referrals_not_self,referrer_id <> referred_id" json:"referrer_id"`
	ReferredID  string     `gorm:"column:referred_id;type:varchar(64);not null;uniqueIndex:uq_referrals_pair,priority:2;uniqueIndex:uq_referrals_referred" json:"referred_id"`
	Status      Status     `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	ActivatedAt *time.Time `gorm:"column:activated_at" json:"activated_at,omitempty"`
	ExpiredAt   *time.Time `gorm:"column:expired_at" json:"expired_at,omitempty"`
}

func (Referral) TableName() string {
	return "referrals"
}

// ReferralCode is the code a user hands out; new users present it at signup.
type ReferralCode struct {
	Code      string    `gorm:"column:code;primaryKey;type:varchar(16)" json:"code"`
	UserID    string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (ReferralCode) TableName() string {
	return "referral_codes"
}

type Counts struct {
	Total  int64 `json:"total_referrals"`
	Active int64 `json:"active_referrals"`
}

type CreateParams struct {
	ReferredUserID string `json:"referred_user_id" binding:"required"`
	ReferralCode   string `json:"referral_code" binding:"required"`
}
