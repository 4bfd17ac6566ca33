package service

import (
	"errors"
	"fmt"
)

// Failure kinds of the token lifecycle.  Handlers map them to HTTP status
// codes with errors.Is.
var (
	ErrValidation      = errors.New("validation_error")
	ErrNotFound        = errors.New("not_found")
	ErrInactive        = errors.New("inactive")
	ErrExpired         = errors.New("expired")
	ErrLimitExceeded   = errors.New("limit_exceeded")
	ErrContactMismatch = errors.New("contact_mismatch")
	ErrConflict        = errors.New("conflict")
)

// ValidationError reports malformed input on a single field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

// StoreError wraps a failure reported by the backing store.  It is never
// swallowed: the operation that hit it has been rolled back.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s: store: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// Kind returns the short machine-readable name of err, used in response
// bodies and metric labels.
func Kind(err error) string {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrInactive, ErrExpired,
		ErrLimitExceeded, ErrContactMismatch, ErrConflict} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "store_error"
}
