package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type WorkflowStatus string

const (
	PendingWorkflowStatus   WorkflowStatus = "pending"
	RunningWorkflowStatus   WorkflowStatus = "running"
	PausedWorkflowStatus    WorkflowStatus = "paused"
	CompletedWorkflowStatus WorkflowStatus = "completed"
	FailedWorkflowStatus    WorkflowStatus = "failed"
)

// ContextKeyLastResult holds the most recent step result in a workflow context.
const ContextKeyLastResult = "__lastStepResult"

// WorkflowStep is a single unit of work inside a workflow. The step list is
// fixed at creation; only Retries mutates afterwards.
type WorkflowStep struct {
	ID            string         `json:"id"`                       // Unique identifier, assigned at creation if empty
	Type          string         `json:"type"`                     // Key into the step handler registry
	Config        map[string]any `json:"config,omitempty"`         // Per-type payload, opaque to the engine
	MaxRetries    int            `json:"max_retries"`              // Max retry attempts for this step
	Retries       int            `json:"retries"`                  // Current retry count
	BackoffFactor float64        `json:"backoff_factor,omitempty"` // Exponential multiplier, 0 = retry immediately
}

// Workflow represents a persisted, resumable sequence of steps plus the
// context accumulated across them.
type Workflow struct {
	ID          string          `json:"id" db:"id"`                     // UUID
	Steps       StepList        `json:"steps" db:"steps"`               // Ordered steps (JSONB)
	CurrentStep int             `json:"current_step" db:"current_step"` // Index into Steps, only increases
	Context     WorkflowContext `json:"context" db:"context"`           // Accumulated step results (JSONB)
	Status      WorkflowStatus  `json:"status" db:"status"`
	Locked      bool            `json:"locked" db:"locked"`                   // Held by exactly one in-flight executor
	LockedAt    *time.Time      `json:"locked_at,omitempty" db:"locked_at"`   // Lock acquisition time, or re-run-not-before marker
	LastError   string          `json:"last_error,omitempty" db:"last_error"` // Most recent step failure
	UserID      string          `json:"user_id,omitempty" db:"user_id"`       // Optional owner
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the workflow has reached a final state.
func (w Workflow) Terminal() bool {
	return w.Status == CompletedWorkflowStatus || w.Status == FailedWorkflowStatus
}

// StepList stores the ordered steps as a JSONB column.
type StepList []WorkflowStep

func (s StepList) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *StepList) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = nil
		return nil
	default:
		return errors.Errorf("cannot scan %T into StepList", src)
	}
}

// WorkflowContext maps step ids to their results, stored as a JSONB column.
type WorkflowContext map[string]any

func (c WorkflowContext) Value() (driver.Value, error) {
	if c == nil {
		return json.Marshal(WorkflowContext{})
	}
	return json.Marshal(c)
}

func (c *WorkflowContext) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	case nil:
		*c = WorkflowContext{}
		return nil
	default:
		return errors.Errorf("cannot scan %T into WorkflowContext", src)
	}
}
