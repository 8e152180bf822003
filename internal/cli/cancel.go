package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session_or_request_id>",
		Short: "Close a session tracked by the daemon and remove its job",
		Long: `cancel forces the session to Closing; the daemon then removes the job.
Cancelling a session that already ended does nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := client.CancelSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel session: %w", err)
			}

			msg := fmt.Sprintf("Session %s (job %s): %s", shortID(d.ID), orDash(d.RequestID), d.State)
			if d.TerminationReason != "" {
				msg += " " + string(d.TerminationReason)
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}
