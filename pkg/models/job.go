package models

import "time"

type JobStatus string

const (
	PendingJobStatus    JobStatus = "pending"
	ProcessingJobStatus JobStatus = "processing"
	CompletedJobStatus  JobStatus = "completed"
	FailedJobStatus     JobStatus = "failed"
)

// Job is a durable unit of work, typically "run workflow X". The record is
// written to the store regardless of which queue backend carries the payload,
// so job status stays inspectable in memory mode too.
type Job struct {
	ID          string     `json:"id" db:"id"`                   // UUID
	WorkflowID  string     `json:"workflow_id" db:"workflow_id"` // Target workflow
	Status      JobStatus  `json:"status" db:"status"`
	Priority    int        `json:"priority" db:"priority"`         // Higher dequeues first (broker mode)
	Attempts    int        `json:"attempts" db:"attempts"`         // Attempts so far, never exceeds MaxAttempts
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"` // Terminal failed once exhausted
	NextRunAt   time.Time  `json:"next_run_at" db:"next_run_at"`   // Not processed before this time
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}
