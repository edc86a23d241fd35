package models

import "time"

type ScheduleStatus string

const (
	ActiveScheduleStatus   ScheduleStatus = "active"
	DisabledScheduleStatus ScheduleStatus = "disabled"
	ErrorScheduleStatus    ScheduleStatus = "error" // Activation failed, auto-disabled
)

// Schedule is a cron rule that periodically enqueues a job for a workflow.
// An enabled schedule has exactly one timer registered in the running
// process; a disabled one has none.
type Schedule struct {
	ID         string         `json:"id" db:"id"`                   // UUID
	WorkflowID string         `json:"workflow_id" db:"workflow_id"` // Target workflow
	Cron       string         `json:"cron" db:"cron"`               // Five-field expression, optional leading seconds
	Enabled    bool           `json:"enabled" db:"enabled"`
	Status     ScheduleStatus `json:"status" db:"status"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty" db:"next_run_at"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty" db:"last_run_at"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}
