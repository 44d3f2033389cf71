package database

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrSessionNotFound  = errors.New("download session not found")
	ErrNoActiveSchedule = errors.New("no active schedule")
)

// ValidationError reports a malformed or out-of-range field value. It is
// always raised before anything is written, so a failing call leaves the
// store untouched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a model status change that is not an edge
// of the status state machine. The model keeps its current status.
type InvalidTransitionError struct {
	ModelID string
	From    ModelStatus
	To      ModelStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s for model %s", e.From, e.To, e.ModelID)
}

// InvalidStateError reports an operation attempted against an entity whose
// current state does not allow it, e.g. retrying a session that never failed.
type InvalidStateError struct {
	EntityID string
	Op       string
	Current  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s: current state is %s", e.Op, e.EntityID, e.Current)
}
