package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/me/clusterui/internal/channel"
	"github.com/me/clusterui/internal/lifecycle"
	"github.com/me/clusterui/internal/logging"
	"github.com/me/clusterui/pkg/model"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newRunCmd() *cobra.Command {
	var (
		profile   string
		transport string
		timeLimit time.Duration
		detach    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Request an interactive slot and attach to it",
		Long: `run submits an interactive job, waits until HTCondor starts it, and
attaches the chosen transport. It blocks until the session ends and removes
the job on every exit path. The exit status says why the session ended:

  0  you closed the session
  2  the scheduler rejected the request
  3  the scheduler was unreachable or reported an error
  4  the interactive channel could not be opened or kept open
  5  the job was preempted more often than allowed
  6  the time limit was reached
  7  the job left the queue without cui removing it`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if detach {
				return runDetached(cmd, profile, transport, timeLimit)
			}
			return runSession(cmd, profile, transport, timeLimit)
		},
	}

	cmd.Flags().StringVarP(&profile, "resource-profile", "p", "", "Resource profile from the config (default: default_profile)")
	cmd.Flags().StringVarP(&transport, "transport", "t", "", "Transport: terminal, x11, ssh, vnc or none (default: default_transport)")
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "Close the session this long after it starts running (0 = no limit)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Submit through the daemon and return; attach later with `cui attach`")

	return cmd
}

func runSession(cmd *cobra.Command, profile, transport string, timeLimit time.Duration) error {
	ctx := cmd.Context()

	req, err := buildRequest(cfg, profile, transport, timeLimit, "")
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}

	// Log lines must not land in the middle of a raw-mode remote shell.
	attached := req.Transport != model.TransportNone && term.IsTerminal(int(os.Stdin.Fd()))
	log := logging.NewLogger(logging.SessionLevel(cfg.LogLevel, explicitLogLevel(cmd), attached), cfg.LogFormat)

	s, err := openStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.close()

	// Leftovers from a crashed run are removed before anything new is submitted.
	if _, err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if ctx.Err() != nil {
		return nil
	}

	launcher := channel.NewOSLauncher()
	defer launcher.Restore()
	channels := newChannelManager(cfg, launcher, log)

	m := lifecycle.NewMachine(req, s.adapter, channels, s.guarantor, s.store, lifecycleConfig(cfg), log)

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "cui: requesting %s session (profile %s)\n", req.Transport, req.Profile.Name)

	if err := m.Submit(context.WithoutCancel(ctx)); err != nil {
		d := m.Descriptor()
		fmt.Fprintln(stderr, summaryLine(d))
		return exitFor(d, err)
	}
	d := m.Descriptor()
	fmt.Fprintf(stderr, "cui: submitted as job %s; waiting for a slot (Ctrl-C to give up)\n", d.RequestID)

	m.Start()
	select {
	case <-m.Done():
	case <-ctx.Done():
		m.Close(model.ReasonUserClosed)
		<-m.Done()
	}
	launcher.Restore()

	d = m.Descriptor()
	fmt.Fprintln(stderr, summaryLine(d))

	s.drain(cfg.Lifecycle.RemovalGrace)
	return exitFor(d, nil)
}

func runDetached(cmd *cobra.Command, profile, transport string, timeLimit time.Duration) error {
	req := model.CreateSessionRequest{
		Profile:   profile,
		Transport: transport,
		Owner:     os.Getenv("USER"),
	}
	if timeLimit > 0 {
		req.TimeLimit = timeLimit.String()
	}
	d, err := client.CreateSession(cmd.Context(), req)
	if err != nil {
		return &ExitError{Code: codeForAPIError(err), Err: fmt.Errorf("create session: %w", err)}
	}
	fmt.Fprintln(cmd.OutOrStdout(), d.RequestID)
	fmt.Fprintf(cmd.ErrOrStderr(), "cui: job %s submitted by the daemon; attach with `cui attach %s`\n", d.RequestID, d.RequestID)
	return nil
}

// codeForAPIError maps daemon error codes onto exit codes.
func codeForAPIError(err error) int {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return ExitFailure
	}
	switch apiErr.Code {
	case model.ErrRejected:
		return ExitRejected
	case model.ErrUnavailable:
		return ExitSchedulerError
	}
	return ExitFailure
}
