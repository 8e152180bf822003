package model

import (
	"fmt"
	"net"
	"time"
)

// ResourceProfile describes what an interactive session asks the pool for.
type ResourceProfile struct {
	Name         string `json:"name,omitempty" yaml:"name,omitempty" toml:"name"`
	CPUs         int    `json:"cpus,omitempty" yaml:"cpus,omitempty" toml:"cpus"`
	MemoryMB     int64  `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty" toml:"memory_mb"`
	GPUs         int    `json:"gpus,omitempty" yaml:"gpus,omitempty" toml:"gpus"`
	Requirements string `json:"requirements,omitempty" yaml:"requirements,omitempty" toml:"requirements"`
}

// Validate reports obviously malformed profiles before they reach the scheduler.
func (p ResourceProfile) Validate() error {
	if p.CPUs < 0 {
		return fmt.Errorf("profile %q: cpus must be non-negative", p.Name)
	}
	if p.MemoryMB < 0 {
		return fmt.Errorf("profile %q: memory_mb must be non-negative", p.Name)
	}
	if p.GPUs < 0 {
		return fmt.Errorf("profile %q: gpus must be non-negative", p.Name)
	}
	return nil
}

// SessionRequest is the user's intent. It is immutable once submitted.
type SessionRequest struct {
	Profile   ResourceProfile `json:"profile"`
	Transport TransportKind   `json:"transport"`
	TimeLimit time.Duration   `json:"time_limit,omitempty"`
	Owner     string          `json:"owner,omitempty"`
}

// Endpoint is where the allocated slot can be reached.
type Endpoint struct {
	Address string `json:"address,omitempty"` // host or host:port
	Slot    string `json:"slot,omitempty"`    // scheduler slot name, e.g. slot1@node7
}

// IsZero reports whether no endpoint is known.
func (e Endpoint) IsZero() bool {
	return e.Address == ""
}

// Host returns the address without a port.
func (e Endpoint) Host() string {
	host, _, err := net.SplitHostPort(e.Address)
	if err != nil {
		return e.Address
	}
	return host
}

func (e Endpoint) String() string {
	return e.Address
}

// SessionDescriptor is the mutable record of one tracked session.
// It is written only by the state machine that owns it.
type SessionDescriptor struct {
	ID                string            `json:"id"`
	RequestID         string            `json:"request_id,omitempty"`
	Request           SessionRequest    `json:"request"`
	State             SessionState      `json:"state"`
	ExecutionEndpoint Endpoint          `json:"execution_endpoint,omitzero"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	Detail            string            `json:"detail,omitempty"`
	Preemptions       int               `json:"preemptions"`
	QueryFailures     int               `json:"query_failures"`
	CreatedAt         time.Time         `json:"created_at"`
	LastObservedAt    *time.Time        `json:"last_observed_at,omitempty"`
	RunningSince      *time.Time        `json:"running_since,omitempty"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (d *SessionDescriptor) Clone() *SessionDescriptor {
	c := *d
	c.LastObservedAt = cloneTime(d.LastObservedAt)
	c.RunningSince = cloneTime(d.RunningSince)
	c.ClosedAt = cloneTime(d.ClosedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Obligation is a pending scheduler-side removal. Seq is assigned from a
// monotonic counter when the obligation is recorded.
type Obligation struct {
	Seq       int64     `json:"seq"`
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id,omitempty"`
	Owner     string    `json:"owner,omitempty"` // process that recorded it; empty for legacy markers
	CreatedAt time.Time `json:"created_at"`
}
