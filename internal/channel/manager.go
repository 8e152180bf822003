package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/me/clusterui/internal/retry"
	"github.com/me/clusterui/pkg/model"
)

// CloseReason says how a channel ended.
type CloseReason string

const (
	// ClosedExited means the remote session ended on its own (the user logged out).
	ClosedExited CloseReason = "exited"
	// ClosedDropped means the connection was lost and reconnects were exhausted.
	ClosedDropped CloseReason = "dropped"
	// ClosedInterrupted means the local side called Close.
	ClosedInterrupted CloseReason = "interrupted"
)

// Closed is the result of Channel.Wait.
type Closed struct {
	Reason     CloseReason
	ExitCode   int
	Reconnects int
	Err        error
}

// Channel is an open interactive transport.
type Channel interface {
	// Wait blocks until the channel ends.
	Wait() Closed
	// Done is closed when the channel has ended.
	Done() <-chan struct{}
	// Close force-terminates the channel. Idempotent.
	Close()
}

// DropExitCode is the exit status ssh and condor_ssh_to_job use for a lost
// or refused connection.
const DropExitCode = 255

// Config bounds open and reconnect attempts.
type Config struct {
	OpenAttempts      int          // launch attempts before ErrChannelUnreachable
	ReconnectAttempts int          // relaunches after a drop before ClosedDropped
	Policy            retry.Policy // delay between attempts
}

// DefaultConfig returns the channel defaults.
func DefaultConfig() Config {
	return Config{
		OpenAttempts:      3,
		ReconnectAttempts: 3,
		Policy:            retry.ChannelPolicy(),
	}
}

// Manager opens channels through registered transports.
type Manager struct {
	registry *Registry
	launcher Launcher
	cfg      Config
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(registry *Registry, launcher Launcher, cfg Config, logger *slog.Logger) *Manager {
	if cfg.OpenAttempts <= 0 {
		cfg.OpenAttempts = 1
	}
	return &Manager{
		registry: registry,
		launcher: launcher,
		cfg:      cfg,
		logger:   logger.With("component", "channel"),
	}
}

// Open starts the transport for kind against target. Failures are wrapped in
// model.ErrChannelUnreachable.
func (m *Manager) Open(ctx context.Context, kind model.TransportKind, target Target) (Channel, error) {
	tr, err := m.registry.Get(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrChannelUnreachable, err)
	}
	spec, err := tr.Spec(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrChannelUnreachable, err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		spec:   spec,
		ctx:    hctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: m.logger.With("request_id", target.RequestID, "transport", kind),
	}

	if spec.Mode == ModeDetached {
		m.logger.Info("session detached", "request_id", target.RequestID)
		go func() {
			<-hctx.Done()
			h.finish(Closed{Reason: ClosedInterrupted})
		}()
		return h, nil
	}

	openPolicy := m.cfg.Policy
	openPolicy.MaxAttempts = m.cfg.OpenAttempts
	var proc Process
	err = retry.Do(ctx, openPolicy, func(attempt int) error {
		var lerr error
		proc, lerr = m.launcher.Launch(ctx, spec)
		if lerr != nil {
			m.logger.Warn("channel open failed", "request_id", target.RequestID, "attempt", attempt+1, "error", lerr)
		}
		return lerr
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s: %v", model.ErrChannelUnreachable, target.Endpoint, err)
	}

	m.logger.Info("channel open",
		"request_id", target.RequestID,
		"endpoint", target.Endpoint.String(),
		"command", spec.Name,
	)
	h.setProc(proc)
	go h.supervise(m.launcher, m.cfg)
	return h, nil
}

// Handle supervises one channel, relaunching the transport after drops.
type Handle struct {
	spec   Spec
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	proc    Process
	closing bool

	once   sync.Once
	done   chan struct{}
	result Closed
}

func (h *Handle) Wait() Closed {
	<-h.done
	return h.result
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Close() {
	h.mu.Lock()
	h.closing = true
	proc := h.proc
	h.mu.Unlock()

	h.cancel()
	if proc != nil {
		_ = proc.Kill()
	}
}

func (h *Handle) setProc(p Process) {
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
}

func (h *Handle) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

func (h *Handle) finish(c Closed) {
	h.once.Do(func() {
		h.result = c
		h.cancel()
		close(h.done)
	})
}

func (h *Handle) supervise(launcher Launcher, cfg Config) {
	reconnects := 0
	for {
		h.mu.Lock()
		proc := h.proc
		h.mu.Unlock()

		code, err := proc.Wait()
		if h.isClosing() {
			h.finish(Closed{Reason: ClosedInterrupted, ExitCode: code, Reconnects: reconnects})
			return
		}
		if err == nil && code != DropExitCode {
			h.logger.Info("channel exited", "exit_code", code)
			h.finish(Closed{Reason: ClosedExited, ExitCode: code, Reconnects: reconnects})
			return
		}

		// Dropped: relaunch until the budget runs out.
		for {
			if reconnects >= cfg.ReconnectAttempts {
				h.logger.Warn("channel dropped, reconnects exhausted", "reconnects", reconnects, "error", err)
				h.finish(Closed{Reason: ClosedDropped, ExitCode: code, Reconnects: reconnects, Err: err})
				return
			}
			reconnects++
			h.logger.Warn("channel dropped, reconnecting", "attempt", reconnects, "exit_code", code)
			if serr := retry.Sleep(h.ctx, cfg.Policy.Delay(reconnects-1)); serr != nil {
				h.finish(Closed{Reason: ClosedInterrupted, ExitCode: code, Reconnects: reconnects})
				return
			}
			next, lerr := launcher.Launch(h.ctx, h.spec)
			if lerr != nil {
				err = lerr
				continue
			}
			h.setProc(next)
			if h.isClosing() {
				_ = next.Kill()
			}
			break
		}
	}
}
