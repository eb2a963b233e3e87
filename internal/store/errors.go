package store

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorCodeValidation  ErrorCode = "VALIDATION_ERROR"
	ErrorCodeConflict    ErrorCode = "TRANSITION_CONFLICT"
	ErrorCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrorCodeUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrorCodeProcessing  ErrorCode = "PROCESSING_ERROR"
	ErrorCodeStalled     ErrorCode = "STALL_RECOVERY"
)

// StalledReason is recorded when a job exceeds its stall budget.
const StalledReason = "job stalled more than allowable limit"

// Error is the typed error returned by store operations.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// ErrClosed is returned once a store or handle has been closed.
var ErrClosed = &Error{Code: ErrorCodeUnavailable, Msg: "store closed"}

func NewValidationError(msg string) error {
	return &Error{Code: ErrorCodeValidation, Msg: msg}
}

func NewTransitionConflict(msg string) error {
	return &Error{Code: ErrorCodeConflict, Msg: msg}
}

func NewNotFoundError(msg string) error {
	return &Error{Code: ErrorCodeNotFound, Msg: msg}
}

func NewStoreUnavailable(msg string) error {
	return &Error{Code: ErrorCodeUnavailable, Msg: msg}
}

// NewProcessingError wraps the failure reported by user code.
func NewProcessingError(reason string) error {
	return &Error{Code: ErrorCodeProcessing, Msg: reason}
}

// NewStallRecoveryError describes a job whose claim was lost because its
// lease expired; the job is recovered by re-queuing, not failed.
func NewStallRecoveryError(key JobKey, stalled int) error {
	return &Error{Code: ErrorCodeStalled, Msg: fmt.Sprintf("job %s stalled (%d)", key, stalled)}
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}

func IsValidationError(err error) bool { return hasCode(err, ErrorCodeValidation) }
func IsTransitionConflict(err error) bool { return hasCode(err, ErrorCodeConflict) }
func IsNotFound(err error) bool { return hasCode(err, ErrorCodeNotFound) }
func IsStoreUnavailable(err error) bool { return hasCode(err, ErrorCodeUnavailable) }
func IsProcessingError(err error) bool { return hasCode(err, ErrorCodeProcessing) }
func IsStallRecovery(err error) bool { return hasCode(err, ErrorCodeStalled) }

// CodeOf returns the error code of err, or "" for untyped errors.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
