package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "Session 'ses_123' not found"}
	want := "NOT_FOUND: Session 'ses_123' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Session", "ses_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "Session 'ses_abc' not found" {
		t.Errorf("Message = %q, want %q", err.Message, "Session 'ses_abc' not found")
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		ID:   "ses_123",
		From: SessionStateTerminal,
		To:   SessionStateRunning,
	}
	want := "invalid session state transition: TERMINAL → RUNNING (session ses_123)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSchedulerError_Classification(t *testing.T) {
	err := fmt.Errorf("submit session: %w", &SchedulerError{
		Op:     "submit",
		Output: "ERROR: invalid profile\n",
		Err:    ErrSchedulerRejected,
	})
	if !errors.Is(err, ErrSchedulerRejected) {
		t.Error("errors.Is(err, ErrSchedulerRejected) = false")
	}
	if errors.Is(err, ErrSchedulerUnavailable) {
		t.Error("rejected error classified as unavailable")
	}

	var se *SchedulerError
	if !errors.As(err, &se) {
		t.Fatal("errors.As(*SchedulerError) = false")
	}
	want := "submit: scheduler rejected request: ERROR: invalid profile"
	if got := se.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSchedulerError_WithRequestID(t *testing.T) {
	err := &SchedulerError{Op: "query", RequestID: "123.0", Err: ErrSchedulerUnavailable}
	want := "query 123.0: scheduler unavailable"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
