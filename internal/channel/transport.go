// Package channel opens and supervises the interactive transport to an
// execution node once a session is running.
package channel

import (
	"fmt"
	"log/slog"

	"github.com/me/clusterui/pkg/model"
)

// Mode says how a transport process is wired to the local side.
type Mode int

const (
	// ModePTY runs the process in a pseudo-terminal bridged to the local terminal.
	ModePTY Mode = iota
	// ModeInherit runs the process with the caller's stdio (graphical viewers).
	ModeInherit
	// ModeDetached starts nothing; the session is attached to later.
	ModeDetached
)

func (m Mode) String() string {
	switch m {
	case ModePTY:
		return "pty"
	case ModeInherit:
		return "inherit"
	case ModeDetached:
		return "detached"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Target identifies what to connect to.
type Target struct {
	RequestID string
	Endpoint  model.Endpoint
}

// Spec is a resolved command line for one transport attempt.
type Spec struct {
	Name string
	Args []string
	Mode Mode
}

// Transport turns a target into the command that reaches it.
type Transport interface {
	Kind() model.TransportKind
	Spec(t Target) (Spec, error)
}

// Registry maps TransportKind values to their Transport implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	transports map[model.TransportKind]Transport
	logger     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		transports: make(map[model.TransportKind]Transport),
		logger:     logger.With("component", "transport-registry"),
	}
}

// Register adds a Transport to the registry, keyed by its Kind().
func (r *Registry) Register(t Transport) {
	k := t.Kind()
	r.transports[k] = t
	r.logger.Debug("transport registered", "kind", k)
}

// Get returns the Transport for the given kind or an error if none is registered.
func (r *Registry) Get(k model.TransportKind) (Transport, error) {
	t, ok := r.transports[k]
	if !ok {
		return nil, fmt.Errorf("no transport registered for kind %q", k)
	}
	return t, nil
}
