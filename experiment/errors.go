package experiment

import (
	"errors"
	"fmt"
)

var (
	// ErrExperimentNotFound is returned when no experiment with the given id
	// exists in the set.
	ErrExperimentNotFound = errors.New("no experiment can be found for the provided id")

	// ErrExperimentExists is returned when an experiment with the given id is
	// already present in the set.
	ErrExperimentExists = errors.New("an experiment with the supplied id already exists")
)

// ConflictError is returned by Apply when a patch names a base revision that
// is no longer current. It carries the authoritative state so the caller can
// rebase its intent and resubmit.
type ConflictError struct {
	BaseRevision    uint64
	CurrentRevision uint64
	Current         Set
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("patch base revision %d is stale, current revision is %d",
		e.BaseRevision, e.CurrentRevision)
}

// ValidationError is returned when a patch violates a parameter's declared
// kind or bounds, references a missing experiment, or attempts to mutate
// parameters that are immutable because the experiment is running.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}

	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvariantViolation reports a status transition attempted from an illegal
// source status. Unlike the recoverable error classes it indicates a bug in
// the caller, not bad input.
type InvariantViolation struct {
	ID   string
	From Status
	To   Status
}

// Error implements the error interface.
func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("experiment %s: illegal status transition %s -> %s", e.ID, e.From, e.To)
}
