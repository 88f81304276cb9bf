package attribution

import (
	"strings"
	"time"

	"referral-engine/pkg/errutil"
	"referral-engine/services/rate"
)

// BillableEvent is a successful subscription payment of a referred user.
type BillableEvent struct {
	ReferredUserID string         `json:"referred_user_id"`
	EventType      rate.EventType `json:"event_type"`
	BaseAmount     int64          `json:"base_amount"`
	PlanID         *string        `json:"plan_id,omitempty"`
	// EventID is the subscription system's idempotency key.
	EventID    string     `json:"event_id,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

func (e *BillableEvent) normalize() {
	e.ReferredUserID = strings.TrimSpace(e.ReferredUserID)
	e.EventType = rate.EventType(strings.ToUpper(strings.TrimSpace(string(e.EventType))))
	e.EventID = strings.TrimSpace(e.EventID)
	if e.PlanID != nil && strings.TrimSpace(*e.PlanID) == "" {
		e.PlanID = nil
	}
}

func (e BillableEvent) validate() error {
	var details []errutil.Detail
	if e.ReferredUserID == "" {
		details = append(details, errutil.Detail{Field: "referred_user_id", Message: "is required"})
	}
	if !e.EventType.Valid() {
		details = append(details, errutil.Detail{Field: "event_type", Message: "must be SIGNUP, RENEWAL or UPGRADE"})
	}
	if e.BaseAmount < 0 {
		details = append(details, errutil.Detail{Field: "base_amount", Message: "must not be negative"})
	}
	if len(details) > 0 {
		return errutil.New(errutil.StatusValidationFailed, "invalid billable event", errutil.WithDetails(details...))
	}
	return nil
}

type Reversal struct {
	ReferralID string         `json:"referral_id"`
	EventType  rate.EventType `json:"event_type"`
}

type SubscriptionEnded struct {
	ReferredUserID string `json:"referred_user_id"`
}

const (
	skipNoReferral = "no_referral"
	skipNotPending = "referral_not_pending"
	skipNotActive  = "referral_not_active"
)
