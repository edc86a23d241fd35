package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrWorkflowLocked signals contended execution: another executor holds the
// workflow lock. Callers should back off and retry later; it is not a
// workflow failure.
var ErrWorkflowLocked = errors.New("workflow is locked by another executor")

// UnknownStepTypeError is a configuration error: a step names a type with no
// registered handler. The workflow fails immediately, without retries.
type UnknownStepTypeError struct {
	Type string
}

func (e *UnknownStepTypeError) Error() string {
	return fmt.Sprintf("no handler registered for step type %q", e.Type)
}

// StepExecutionError wraps a handler failure. It is retried per the step's
// MaxRetries and backoff, then recorded on the workflow as terminal state;
// Run never returns it to the caller.
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}
