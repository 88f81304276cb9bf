package holdback

import (
	"time"

	"gorm.io/datatypes"
)

const JobName = "commission_holdback"

type Phase string

const (
	PhasePendingToHoldback  Phase = "pending_to_holdback"
	PhaseHoldbackToApproved Phase = "holdback_to_approved"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// JobRun is the execution record of one scheduler phase.
type JobRun struct {
	ID           string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	JobName      string         `gorm:"column:job_name;type:varchar(100);not null;index" json:"job_name"`
	Phase        Phase          `gorm:"column:phase;type:varchar(32);not null" json:"phase"`
	Status       RunStatus      `gorm:"column:status;type:varchar(20);not null" json:"status"` // running|success|failed
	RowsAffected int64          `gorm:"column:rows_affected;not null;default:0" json:"rows_affected"`
	ErrorMsg     string         `gorm:"column:error_msg;type:text" json:"error_msg,omitempty"`
	StartedAt    time.Time      `gorm:"column:started_at;not null;index" json:"started_at"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
}

func (JobRun) TableName() string {
	return "job_runs"
}

// TickResult is what one scheduler tick moved.
type TickResult struct {
	Holdback int64 `json:"holdback"`
	Approved int64 `json:"approved"`
}
