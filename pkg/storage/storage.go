package storage

import (
	"time"

	"github.com/nstojkov/flowline/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Fields is a partial record: column name to value. Used both as the
// expected-values condition and as the update set of UpdateIf calls.
type Fields map[string]interface{}

// Store defines the durable record operations for flowline.
//
// UpdateWorkflowIf and UpdateCircuitIf are the load-bearing primitives for
// the locking protocol: they apply updates only where every expected field
// still holds its given value, atomically at the storage layer, and report
// how many rows changed. They must never be approximated with a
// read-then-write.
type Store interface {
	// Workflow operations
	SaveWorkflow(w models.Workflow) error
	GetWorkflow(id string) (models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	UpdateWorkflow(w models.Workflow) error
	UpdateWorkflowIf(id string, expected, updates Fields) (int64, error)
	DeleteWorkflow(id string) error

	// Job operations
	SaveJob(j models.Job) error
	GetJob(id string) (models.Job, error)
	ListJobs() ([]models.Job, error)
	ListDueJobs(now time.Time) ([]models.Job, error)
	UpdateJob(j models.Job) error

	// Schedule operations
	SaveSchedule(s models.Schedule) error
	GetSchedule(id string) (models.Schedule, error)
	ListSchedules(enabledOnly bool) ([]models.Schedule, error)
	UpdateSchedule(s models.Schedule) error
	DeleteSchedule(id string) error

	// Circuit operations
	GetCircuit(name string) (models.CircuitRecord, error)
	SaveCircuit(c models.CircuitRecord) error
	UpdateCircuitIf(name string, expected, updates Fields) (int64, error)

	Close() error
}
