package model

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrConflict is returned when a write contradicts state already recorded.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState is returned when a record is in the wrong state for the operation.
	ErrInvalidState = errors.New("invalid state")
)

// ValidationError reports malformed or missing caller input. Nothing is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports a reference to a record that does not exist.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Ref)
}

// TransientStoreError wraps an I/O failure against the durable store.
// A transaction that observes one is rolled back in full.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// RosterRecordError reports one malformed record of a roster snapshot.
// Reconciliation skips the record and keeps going.
type RosterRecordError struct {
	RemoteID int64
	Err      error
}

func (e *RosterRecordError) Error() string {
	return fmt.Sprintf("roster record %d: %v", e.RemoteID, e.Err)
}

func (e *RosterRecordError) Unwrap() error { return e.Err }

// IsTransient reports whether err should abort the surrounding transaction.
func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func quote(s string) string { return strconv.Quote(s) }
