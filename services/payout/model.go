package payout

import "time"

// Summary describes one completed payout.
type Summary struct {
	Reference     string    `json:"reference"`
	UserID        string    `json:"user_id"`
	TotalAmount   int64     `json:"total_amount"`
	Count         int       `json:"count"`
	Currency      string    `json:"currency"`
	CommissionIDs []string  `json:"commission_ids"`
	PaidAt        time.Time `json:"paid_at"`
}
