package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommissionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_commissions_created_total",
		Help: "Commissions created by event type and rate source (table or default)",
	}, []string{"event_type", "rate_source"})

	CommissionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_commission_transitions_total",
		Help: "Commission status transitions by target status",
	}, []string{"to"})

	AttributionSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_attribution_skipped_total",
		Help: "Billable events that produced no commission, by reason",
	}, []string{"reason"})

	PayoutsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_payouts_total",
		Help: "Successful payout requests",
	})

	PayoutAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_payout_amount_total",
		Help: "Sum of paid commission amounts in minor units",
	})

	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_holdback_phase_runs_total",
		Help: "Holdback scheduler phase runs by phase and status",
	}, []string{"phase", "status"})
)
