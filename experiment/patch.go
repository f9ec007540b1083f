package experiment

import "fmt"

// OpKind identifies the kind of mutation an Op describes.
type OpKind string

const (
	// OpAdd inserts a new experiment in pending status.
	OpAdd OpKind = "add"
	// OpRemove removes an experiment from the set. Removing a running
	// experiment is allowed and implies cancellation of its execution unit.
	OpRemove OpKind = "remove"
	// OpUpdateParameters replaces an experiment's parameter mapping.
	OpUpdateParameters OpKind = "updateParameters"
	// OpTransition moves an experiment to a new status, optionally writing
	// the terminal result or error.
	OpTransition OpKind = "transition"
	// OpSetSelection replaces the selection with the given id set.
	OpSetSelection OpKind = "setSelection"
)

// Op is a single mutation within a Patch. Only the fields relevant to its
// kind are set.
type Op struct {
	Kind       OpKind      `json:"kind"`
	ID         string      `json:"id,omitempty"`
	Experiment *Experiment `json:"experiment,omitempty"`
	Parameters *Parameters `json:"parameters,omitempty"`
	Status     Status      `json:"status,omitempty"`
	Result     any         `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Selection  *IDSet      `json:"selection,omitempty"`
}

// Patch is a description of an intended mutation to the experiment set,
// submitted against a specific base revision. A patch is applied atomically:
// either every op applies or the set is left untouched.
type Patch struct {
	BaseRevision uint64 `json:"baseRevision"`
	Ops          []Op   `json:"ops"`
}

// NewPatch creates a patch against the given base revision.
func NewPatch(baseRevision uint64, ops ...Op) Patch {
	return Patch{BaseRevision: baseRevision, Ops: ops}
}

// AddOp returns an op that inserts the given experiment.
func AddOp(e Experiment) Op {
	return Op{Kind: OpAdd, Experiment: &e}
}

// RemoveOp returns an op that removes the experiment with the given id.
func RemoveOp(id string) Op {
	return Op{Kind: OpRemove, ID: id}
}

// UpdateParametersOp returns an op that replaces the parameters of the
// experiment with the given id.
func UpdateParametersOp(id string, params Parameters) Op {
	return Op{Kind: OpUpdateParameters, ID: id, Parameters: &params}
}

// TransitionOp returns an op that moves the experiment with the given id to
// status. Result and error stay unset.
func TransitionOp(id string, status Status) Op {
	return Op{Kind: OpTransition, ID: id, Status: status}
}

// CompleteOp returns an op that moves the experiment with the given id to a
// terminal status carrying either a result or an error description.
func CompleteOp(id string, status Status, result any, errDesc string) Op {
	return Op{Kind: OpTransition, ID: id, Status: status, Result: result, Error: errDesc}
}

// SelectOp returns an op that replaces the selection.
func SelectOp(ids ...string) Op {
	sel := NewIDSet(ids...)

	return Op{Kind: OpSetSelection, Selection: &sel}
}

// apply mutates the set in place with a single op. Callers operate on a
// clone to get whole-patch atomicity.
func (op Op) apply(s *Set) error {
	switch op.Kind {
	case OpAdd:
		return op.applyAdd(s)
	case OpRemove:
		return op.applyRemove(s)
	case OpUpdateParameters:
		return op.applyUpdateParameters(s)
	case OpTransition:
		return op.applyTransition(s)
	case OpSetSelection:
		return op.applySetSelection(s)
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown op kind %q", op.Kind)}
	}
}

func (op Op) applyAdd(s *Set) error {
	if op.Experiment == nil {
		return &ValidationError{Reason: "add op is missing an experiment"}
	}
	e := op.Experiment.Clone()
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.Status != StatusPending {
		return &ValidationError{Field: e.ID, Reason: "a new experiment must be created in pending status"}
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if s.Contains(e.ID) {
		return fmt.Errorf("experiment %s: %w", e.ID, ErrExperimentExists)
	}
	s.Experiments = append(s.Experiments, e)

	return nil
}

func (op Op) applyRemove(s *Set) error {
	idx := s.indexOf(op.ID)
	if idx == -1 {
		return fmt.Errorf("experiment %s: %w", op.ID, ErrExperimentNotFound)
	}
	s.Experiments = append(s.Experiments[:idx], s.Experiments[idx+1:]...)
	s.Selection.Remove(op.ID)

	return nil
}

func (op Op) applyUpdateParameters(s *Set) error {
	idx := s.indexOf(op.ID)
	if idx == -1 {
		return fmt.Errorf("experiment %s: %w", op.ID, ErrExperimentNotFound)
	}
	if op.Parameters == nil {
		return &ValidationError{Field: op.ID, Reason: "update op is missing parameters"}
	}
	if s.Experiments[idx].Status == StatusRunning {
		return &ValidationError{Field: op.ID, Reason: "parameters are immutable while the experiment is running"}
	}
	if err := op.Parameters.Validate(); err != nil {
		return err
	}
	s.Experiments[idx].Parameters = op.Parameters.Clone()

	return nil
}

func (op Op) applyTransition(s *Set) error {
	idx := s.indexOf(op.ID)
	if idx == -1 {
		return fmt.Errorf("experiment %s: %w", op.ID, ErrExperimentNotFound)
	}
	e := &s.Experiments[idx]
	if !op.Status.Valid() {
		return &ValidationError{Field: op.ID, Reason: "unknown status " + string(op.Status)}
	}
	if !e.Status.CanTransition(op.Status) {
		return &InvariantViolation{ID: op.ID, From: e.Status, To: op.Status}
	}
	if op.Result != nil && op.Error != "" {
		return &ValidationError{Field: op.ID, Reason: "result and error are mutually exclusive"}
	}
	if !op.Status.Terminal() && (op.Result != nil || op.Error != "") {
		return &ValidationError{Field: op.ID, Reason: "result and error are only written on a terminal transition"}
	}

	e.Status = op.Status
	e.Result = op.Result
	e.Error = op.Error

	return nil
}

func (op Op) applySetSelection(s *Set) error {
	if op.Selection == nil {
		return &ValidationError{Reason: "selection op is missing an id set"}
	}
	for _, id := range op.Selection.List() {
		if !s.Contains(id) {
			return fmt.Errorf("selection references experiment %s: %w", id, ErrExperimentNotFound)
		}
	}
	s.Selection = op.Selection.Clone()

	return nil
}
