package models

import "time"

type CircuitState string

const (
	ClosedCircuitState   CircuitState = "closed"
	OpenCircuitState     CircuitState = "open"
	HalfOpenCircuitState CircuitState = "half_open"
)

// CircuitRecord is the shared state of one named circuit breaker. All callers
// of the same breaker name observe the same record, whether it lives in a
// shared table or an in-process map.
type CircuitRecord struct {
	Name          string       `json:"name" db:"name"`
	State         CircuitState `json:"state" db:"state"`
	Failures      int          `json:"failures" db:"failures"`   // Consecutive failures while closed
	Successes     int          `json:"successes" db:"successes"` // Consecutive successes while half-open
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty" db:"last_failure_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}
