package models

import (
	"errors"
	"fmt"
)

// Error categories. Every error surfaced by a controller wraps exactly one of these,
// so callers can tell "invalid" from "retry later" from "already in this state".
var (
	ErrValidation          = errors.New("validation failed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrTransport           = errors.New("store unavailable")
	ErrNotFound            = errors.New("resource not found")
	ErrInternal            = errors.New("internal store error")
)

// Job lifecycle errors.
var (
	ErrUnknownStatus     = fmt.Errorf("%w: unknown job status", ErrValidation)
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrValidation)
)

// Attendance errors.
var (
	ErrAlreadyClockedIn = fmt.Errorf("%w: worker already clocked in", ErrConstraintViolation)
	ErrNotActive        = fmt.Errorf("%w: no active time entry", ErrValidation)
	ErrNotOnBreak       = fmt.Errorf("%w: worker is not on break", ErrValidation)
	ErrNotClockedIn     = fmt.Errorf("%w: worker is not clocked in", ErrValidation)
)

// InvalidTransitionError reports a move the status graph does not allow.
// It matches ErrInvalidTransition and ErrValidation with errors.Is.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition || target == ErrValidation
}
