// Package condor translates session operations into HTCondor commands
// (condor_submit, condor_q, condor_rm) and normalizes their output.
package condor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/clusterui/pkg/model"
)

// Adapter is the narrow contract the lifecycle core needs from a scheduler.
type Adapter interface {
	// Submit files an interactive request and returns the scheduler's id.
	// Fails with model.ErrSchedulerRejected or model.ErrSchedulerUnavailable.
	Submit(ctx context.Context, req model.SessionRequest) (requestID string, err error)

	// Query reports the normalized state of a request. Output that cannot be
	// mapped fails with model.ErrSchedulerUnavailable; it is never guessed.
	Query(ctx context.Context, requestID string) (model.ObservedState, error)

	// Remove retracts a request. Removing an id the scheduler no longer knows
	// is success.
	Remove(ctx context.Context, requestID string) error
}

// Payload is the job that holds the slot while the user is attached.
type Payload struct {
	Executable string
	Arguments  string
}

// Config carries pool selection and binary locations. It is passed explicitly
// so several adapters (for example against fake binaries) can coexist.
type Config struct {
	Pool              string
	Name              string
	SubmitBin         string
	QueueBin          string
	RemoveBin         string
	EndpointAttribute string
	ExtraSubmit       []string
	Payloads          map[model.TransportKind]Payload
	CommandTimeout    time.Duration
}

// DefaultConfig returns a Config using binaries from PATH and the local pool.
func DefaultConfig() Config {
	return Config{
		SubmitBin:         "condor_submit",
		QueueBin:          "condor_q",
		RemoveBin:         "condor_rm",
		EndpointAttribute: "InteractiveEndpoint",
		CommandTimeout:    60 * time.Second,
		Payloads: map[model.TransportKind]Payload{
			model.TransportTerminal: {Executable: "/bin/sleep", Arguments: "infinity"},
		},
	}
}

// HTCondor implements Adapter by invoking the HTCondor command-line tools.
type HTCondor struct {
	cfg    Config
	runner CommandRunner
	logger *slog.Logger
}

// New creates an HTCondor adapter.
func New(cfg Config, logger *slog.Logger) *HTCondor {
	return newWithRunner(cfg, logger, &osCommandRunner{})
}

// newWithRunner is used by tests to inject a mock CommandRunner.
func newWithRunner(cfg Config, logger *slog.Logger, runner CommandRunner) *HTCondor {
	def := DefaultConfig()
	if cfg.SubmitBin == "" {
		cfg.SubmitBin = def.SubmitBin
	}
	if cfg.QueueBin == "" {
		cfg.QueueBin = def.QueueBin
	}
	if cfg.RemoveBin == "" {
		cfg.RemoveBin = def.RemoveBin
	}
	if cfg.EndpointAttribute == "" {
		cfg.EndpointAttribute = def.EndpointAttribute
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if len(cfg.Payloads) == 0 {
		cfg.Payloads = def.Payloads
	}
	return &HTCondor{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "condor"),
	}
}

// poolArgs returns -pool/-name selectors shared by every tool.
func (h *HTCondor) poolArgs() []string {
	var args []string
	if h.cfg.Pool != "" {
		args = append(args, "-pool", h.cfg.Pool)
	}
	if h.cfg.Name != "" {
		args = append(args, "-name", h.cfg.Name)
	}
	return args
}

// run executes one tool invocation under the per-command timeout.
func (h *HTCondor) run(ctx context.Context, stdin, bin string, args ...string) (string, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, code, err := h.runner.Run(ctx, stdin, bin, args...)
	h.logger.Debug("command",
		"bin", bin,
		"args", strings.Join(args, " "),
		"exit_code", code,
		"duration", time.Since(start).Round(time.Millisecond).String(),
	)
	return stdout, stderr, code, err
}

func unavailable(op, requestID, output string, cause error) error {
	err := model.ErrSchedulerUnavailable
	if cause != nil {
		err = fmt.Errorf("%w: %v", model.ErrSchedulerUnavailable, cause)
	}
	return &model.SchedulerError{Op: op, RequestID: requestID, Output: output, Err: err}
}

func combined(stdout, stderr string) string {
	return strings.TrimSpace(strings.TrimSpace(stderr) + "\n" + strings.TrimSpace(stdout))
}
