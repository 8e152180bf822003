package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/me/clusterui/internal/channel"
	"github.com/me/clusterui/internal/logging"
	"github.com/me/clusterui/pkg/model"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newAttachCmd() *cobra.Command {
	var (
		transport string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "attach <session_or_request_id>",
		Short: "Open a channel to a session started by the daemon",
		Long: `attach looks the session up in the daemon and opens the interactive
channel from this terminal. Leaving the channel does not end the session;
use 'cui cancel' for that.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := client.GetSession(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			for wait && d.State != model.SessionStateRunning && !d.State.IsTerminal() && d.State != model.SessionStateClosing {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(cfg.Lifecycle.PollInterval):
				}
				if d, err = client.GetSession(ctx, args[0]); err != nil {
					return fmt.Errorf("get session: %w", err)
				}
			}
			if d.State != model.SessionStateRunning || d.ExecutionEndpoint.IsZero() {
				return &ExitError{Code: ExitFailure, Err: fmt.Errorf("session %s is %s; nothing to attach to yet (try --wait)", orDash(d.RequestID), d.State)}
			}

			kind, err := attachKind(transport, d.Request.Transport)
			if err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}

			attached := term.IsTerminal(int(os.Stdin.Fd()))
			log := logging.NewLogger(logging.SessionLevel(cfg.LogLevel, explicitLogLevel(cmd), attached), cfg.LogFormat)

			launcher := channel.NewOSLauncher()
			defer launcher.Restore()
			channels := newChannelManager(cfg, launcher, log)

			ch, err := channels.Open(ctx, kind, channel.Target{RequestID: d.RequestID, Endpoint: d.ExecutionEndpoint})
			if err != nil {
				return &ExitError{Code: ExitChannelUnreachable, Err: err}
			}
			select {
			case <-ch.Done():
			case <-ctx.Done():
				ch.Close()
			}
			closed := ch.Wait()
			launcher.Restore()

			if closed.Reason == channel.ClosedDropped {
				return &ExitError{Code: ExitChannelUnreachable, Err: fmt.Errorf("connection to job %s lost after %d reconnects", d.RequestID, closed.Reconnects)}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "cui: detached from job %s; it keeps running until `cui cancel %s`\n", d.RequestID, d.RequestID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&transport, "transport", "t", "", "Transport to attach with (default: the session's, or terminal)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the session to start running")
	return cmd
}

// attachKind picks the transport for attach. A detached session has no
// transport of its own, so it defaults to a terminal.
func attachKind(flag string, session model.TransportKind) (model.TransportKind, error) {
	if flag != "" {
		kind, ok := model.ParseTransportKind(flag)
		if !ok || kind == model.TransportNone {
			return "", fmt.Errorf("cannot attach with transport %q", flag)
		}
		return kind, nil
	}
	if session == "" || session == model.TransportNone {
		return model.TransportTerminal, nil
	}
	return session, nil
}
