package model

import (
	"errors"
	"fmt"
	"strings"
)

// Failure classes surfaced by the scheduler adapter and the channel manager.
// Callers classify with errors.Is.
var (
	// ErrSchedulerRejected means the scheduler refused the request. Not retried.
	ErrSchedulerRejected = errors.New("scheduler rejected request")
	// ErrSchedulerUnavailable means the scheduler could not be reached or gave
	// an answer that could not be interpreted. Retried with backoff.
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")
	// ErrChannelUnreachable means the interactive transport could not be started.
	ErrChannelUnreachable = errors.New("channel unreachable")
)

// SchedulerError carries the scheduler's own output alongside the failure class.
type SchedulerError struct {
	Op        string // submit, query, remove
	RequestID string
	Output    string
	Err       error
}

func (e *SchedulerError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.RequestID != "" {
		b.WriteString(" ")
		b.WriteString(e.RequestID)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString(": ")
		b.WriteString(out)
	}
	return b.String()
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"

	ErrRejected    ErrorCode = "SCHEDULER_REJECTED"
	ErrUnavailable ErrorCode = "SCHEDULER_UNAVAILABLE"
)

// APIError is a structured error returned by the daemon API.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a VALIDATION_ERROR APIError.
func NewValidationError(msg string) *APIError {
	return &APIError{Code: ErrValidation, Message: msg}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	ID   string
	From SessionState
	To   SessionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session state transition: %s → %s (session %s)", e.From, e.To, e.ID)
}
