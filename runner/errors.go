package runner

import "fmt"

// ExecutionError wraps a failure raised by the execution procedure. It is
// recorded as the experiment's error description and never propagated past
// the coordinator boundary.
type ExecutionError struct {
	ExperimentID string
	Err          error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("experiment %s: execution failed: %v", e.ExperimentID, e.Err)
}

// Unwrap returns the underlying procedure failure.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// StalledExecutionError reports an execution unit that failed to acknowledge
// cancellation or completion within the configured timeout. The coordinator
// disassociates from the unit: it may keep running in the background but no
// longer affects store state.
type StalledExecutionError struct {
	ExperimentID string
	UnitID       string
	Reason       string
}

// Error implements the error interface.
func (e *StalledExecutionError) Error() string {
	return fmt.Sprintf("experiment %s: execution unit %s stalled: %s", e.ExperimentID, e.UnitID, e.Reason)
}
