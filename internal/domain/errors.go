package domain

import "fmt"

// ValidationError indicates malformed input, rejected before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError indicates a referenced record does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError indicates the operation collides with existing state, such as
// a pending workflow already covering the entity or an ambiguous policy match.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// AuthorizationError indicates the actor may not perform the operation.
type AuthorizationError struct {
	Reason string
}

func (e AuthorizationError) Error() string { return e.Reason }

// StateError indicates an operation attempted on a record not in the
// required state.
type StateError struct {
	Current   string
	Attempted string
}

func (e StateError) Error() string {
	return fmt.Sprintf("operation %s not allowed in state %s", e.Attempted, e.Current)
}
