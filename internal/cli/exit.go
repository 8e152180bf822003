package cli

import (
	"errors"
	"fmt"

	"github.com/me/clusterui/pkg/model"
)

// Process exit codes. Each terminal outcome a script may want to branch on
// has its own code.
const (
	ExitOK                 = 0
	ExitFailure            = 1
	ExitRejected           = 2
	ExitSchedulerError     = 3
	ExitChannelUnreachable = 4
	ExitPreempted          = 5
	ExitTimeout            = 6
	ExitRemoved            = 7
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode implements the interface main looks for.
func (e *ExitError) ExitCode() int { return e.Code }

// CodeForError maps a failure that happened before a session existed.
func CodeForError(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch {
	case errors.Is(err, model.ErrSchedulerRejected):
		return ExitRejected
	case errors.Is(err, model.ErrSchedulerUnavailable):
		return ExitSchedulerError
	case errors.Is(err, model.ErrChannelUnreachable):
		return ExitChannelUnreachable
	}
	return ExitFailure
}

// CodeFor maps a finished session to an exit code. submitErr is the error of
// a failed submission, which takes precedence over the recorded reason.
func CodeFor(d *model.SessionDescriptor, submitErr error) int {
	if submitErr != nil {
		return CodeForError(submitErr)
	}
	if d == nil {
		return ExitFailure
	}
	switch d.TerminationReason {
	case model.ReasonUserClosed:
		return ExitOK
	case model.ReasonSchedulerError:
		return ExitSchedulerError
	case model.ReasonChannelUnreachable:
		return ExitChannelUnreachable
	case model.ReasonPreempted:
		return ExitPreempted
	case model.ReasonTimeout:
		return ExitTimeout
	case model.ReasonRemoved:
		return ExitRemoved
	}
	return ExitFailure
}

// exitFor wraps err with the code CodeFor picks, or returns nil for success.
func exitFor(d *model.SessionDescriptor, submitErr error) error {
	code := CodeFor(d, submitErr)
	if code == ExitOK {
		return nil
	}
	err := submitErr
	if err == nil && d != nil {
		err = fmt.Errorf("session %s ended: %s", d.RequestID, d.TerminationReason)
		if d.Detail != "" {
			err = fmt.Errorf("%w (%s)", err, d.Detail)
		}
	}
	return &ExitError{Code: code, Err: err}
}
