// Package experiment holds the canonical model of a batch of parameterized
// experiments: the ordered experiment set, its mutable run state, the patch
// format used to propose mutations, and the revision-checked store that is
// the single source of truth for all writers.
package experiment

// Status is the run state of an Experiment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// legalTransitions enumerates the allowed status transitions. Anything not
// listed here is an InvariantViolation.
var legalTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a transition from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid returns true if the status is one of the declared statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Experiment is one parameterized run definition plus its current execution
// status and outcome. Result and Error are mutually exclusive and both unset
// unless the status is terminal.
type Experiment struct {
	ID         string     `json:"id"`
	Parameters Parameters `json:"parameters"`
	Status     Status     `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Clone returns a semi-deep copy of the experiment. The parameter mapping is
// copied; reference values nested inside Result are shared.
func (e Experiment) Clone() Experiment {
	e.Parameters = e.Parameters.Clone()

	return e
}

// Validate checks the experiment's own invariants: a known status, valid
// parameters, and the result/error exclusivity rule.
func (e Experiment) Validate() error {
	if e.ID == "" {
		return &ValidationError{Reason: "experiment id must not be empty"}
	}
	if !e.Status.Valid() {
		return &ValidationError{Field: e.ID, Reason: "unknown status " + string(e.Status)}
	}
	if err := e.Parameters.Validate(); err != nil {
		return err
	}
	if e.Result != nil && e.Error != "" {
		return &ValidationError{Field: e.ID, Reason: "result and error are mutually exclusive"}
	}
	if !e.Status.Terminal() && (e.Result != nil || e.Error != "") {
		return &ValidationError{Field: e.ID, Reason: "result and error must be absent while status is " + string(e.Status)}
	}

	return nil
}
