package model

// SessionState represents the lifecycle state of an interactive session.
type SessionState string

const (
	SessionStatePending   SessionState = "PENDING"
	SessionStateSubmitted SessionState = "SUBMITTED"
	SessionStateQueued    SessionState = "QUEUED"
	SessionStateRunning   SessionState = "RUNNING"
	SessionStatePreempted SessionState = "PREEMPTED"
	SessionStateClosing   SessionState = "CLOSING"
	SessionStateTerminal  SessionState = "TERMINAL"
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	return string(s)
}

// IsTerminal returns true if the session is in its final state.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateTerminal
}

// IsActive returns true while the scheduler may still hold a record for the
// session and nobody has started tearing it down.
func (s SessionState) IsActive() bool {
	switch s {
	case SessionStateSubmitted, SessionStateQueued, SessionStateRunning, SessionStatePreempted:
		return true
	}
	return false
}

// ValidSessionTransitions defines the allowed state transitions for sessions.
// Preempted -> Queued is the only edge that moves backwards.
var ValidSessionTransitions = map[SessionState][]SessionState{
	SessionStatePending:   {SessionStateSubmitted, SessionStateTerminal},
	SessionStateSubmitted: {SessionStateQueued, SessionStateRunning, SessionStatePreempted, SessionStateClosing, SessionStateTerminal},
	SessionStateQueued:    {SessionStateRunning, SessionStatePreempted, SessionStateClosing, SessionStateTerminal},
	SessionStateRunning:   {SessionStatePreempted, SessionStateClosing, SessionStateTerminal},
	SessionStatePreempted: {SessionStateQueued, SessionStateClosing, SessionStateTerminal},
	SessionStateClosing:   {SessionStateTerminal},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
// Re-entering Terminal is allowed so that terminal transitions are idempotent.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if s == SessionStateTerminal && next == SessionStateTerminal {
		return true
	}
	for _, allowed := range ValidSessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TerminationReason records why a session reached Terminal.
type TerminationReason string

const (
	ReasonNone               TerminationReason = ""
	ReasonUserClosed         TerminationReason = "UserClosed"
	ReasonTimeout            TerminationReason = "Timeout"
	ReasonPreempted          TerminationReason = "Preempted"
	ReasonSchedulerError     TerminationReason = "SchedulerError"
	ReasonRemoved            TerminationReason = "Removed"
	ReasonChannelUnreachable TerminationReason = "ChannelUnreachable"
)

// String returns the string representation of the reason.
func (r TerminationReason) String() string {
	return string(r)
}

// TransportKind selects how the interactive channel reaches the execution node.
type TransportKind string

const (
	TransportTerminal TransportKind = "terminal"
	TransportX11      TransportKind = "x11"
	TransportSSH      TransportKind = "ssh"
	TransportVNC      TransportKind = "vnc"
	TransportNone     TransportKind = "none"
)

// ParseTransportKind validates a user supplied transport name.
func ParseTransportKind(s string) (TransportKind, bool) {
	switch k := TransportKind(s); k {
	case TransportTerminal, TransportX11, TransportSSH, TransportVNC, TransportNone:
		return k, true
	}
	return "", false
}

// ObservedKind is the normalized scheduler-side status of a request.
type ObservedKind string

const (
	ObservedIdle      ObservedKind = "IDLE"
	ObservedQueued    ObservedKind = "QUEUED"
	ObservedRunning   ObservedKind = "RUNNING"
	ObservedPreempted ObservedKind = "PREEMPTED"
	ObservedHeld      ObservedKind = "HELD"
	ObservedGone      ObservedKind = "GONE"
)

// ObservedState is one answer from the scheduler about a request.
// Endpoint is set only for ObservedRunning. Generation identifies a preemption
// episode so repeated observations of the same eviction are counted once.
// Suspension, when non-zero, numbers a suspend episode of the current run;
// it is counted separately because a suspended job keeps its generation.
type ObservedState struct {
	Kind       ObservedKind `json:"kind"`
	Endpoint   Endpoint     `json:"endpoint,omitzero"`
	Generation int          `json:"generation,omitempty"`
	Suspension int          `json:"suspension,omitempty"`
	Detail     string       `json:"detail,omitempty"`
}
