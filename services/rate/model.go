package rate

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventSignup  EventType = "SIGNUP"
	EventRenewal EventType = "RENEWAL"
	EventUpgrade EventType = "UPGRADE"
)

var EventTypes = []EventType{EventSignup, EventRenewal, EventUpgrade}

func (e EventType) Valid() bool {
	switch e {
	case EventSignup, EventRenewal, EventUpgrade:
		return true
	}
	return false
}

// ParseEventType is case-insensitive.
func ParseEventType(s string) (EventType, bool) {
	e := EventType(strings.ToUpper(strings.TrimSpace(s)))
	return e, e.Valid()
}

// CommissionRate is a versioned rule: pay RatePercentage of the base amount
// for EventType (and optionally PlanID) while it is valid.
type CommissionRate struct {
	ID             string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	PlanID         *string         `gorm:"column:plan_id;type:varchar(64);index" json:"plan_id,omitempty"`
	EventType      EventType       `gorm:"column:event_type;type:varchar(16);not null;index:idx_commission_rates_lookup,priority:1" json:"event_type"`
	RatePercentage decimal.Decimal `gorm:"column:rate_percentage;type:decimal(7,4);not null" json:"rate_percentage"`
	ValidFrom      time.Time       `gorm:"column:valid_from;not null;index:idx_commission_rates_lookup,priority:3" json:"valid_from"`
	ValidUntil     *time.Time      `gorm:"column:valid_until" json:"valid_until,omitempty"`
	IsActive       bool            `gorm:"column:is_active;not null;index:idx_commission_rates_lookup,priority:2" json:"is_active"`
	Description    string          `gorm:"column:description;type:text" json:"description,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (CommissionRate) TableName() string {
	return "commission_rates"
}

// Resolution is the outcome of resolving a rate. RateID is nil when the
// configured default was used.
type Resolution struct {
	RateID     *string
	Percentage decimal.Decimal
}

func (r Resolution) Degraded() bool {
	return r.RateID == nil
}

// Source labels where the percentage came from.
func (r Resolution) Source() string {
	if r.Degraded() {
		return "default"
	}
	return "table"
}

type CreateRateParams struct {
	PlanID         *string         `json:"plan_id"`
	EventType      EventType       `json:"event_type"`
	RatePercentage decimal.Decimal `json:"rate_percentage"`
	ValidFrom      *time.Time      `json:"valid_from"`
	ValidUntil     *time.Time      `json:"valid_until"`
	Description    string          `json:"description"`
}

type UpdateRateParams struct {
	PlanID         *string          `json:"plan_id"`
	RatePercentage *decimal.Decimal `json:"rate_percentage"`
	ValidFrom      *time.Time       `json:"valid_from"`
	ValidUntil     *time.Time       `json:"valid_until"`
	Description    *string          `json:"description"`
}

type ListRatesParams struct {
	EventType       EventType `form:"event_type"`
	IncludeInactive bool      `form:"include_inactive"`
}
