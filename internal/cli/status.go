package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		asJSON bool
		watch  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status [session_or_request_id]",
		Short: "List sessions tracked by the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			show := func() error {
				if len(args) == 1 {
					return showSession(cmd, args[0], asJSON)
				}
				return showSessions(cmd, asJSON)
			}
			if watch <= 0 {
				return show()
			}

			ticker := time.NewTicker(watch)
			defer ticker.Stop()
			for {
				// Clear the screen between frames.
				fmt.Fprint(cmd.OutOrStdout(), "\033[H\033[2J")
				if err := show(); err != nil {
					return err
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "Refresh every interval until interrupted")
	return cmd
}

func showSessions(cmd *cobra.Command, asJSON bool) error {
	sessions, err := client.ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), sessions)
	}
	renderSessions(cmd.OutOrStdout(), sessions, time.Now())
	return nil
}

func showSession(cmd *cobra.Command, id string, asJSON bool) error {
	d, err := client.GetSession(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), d)
	}
	renderSession(cmd.OutOrStdout(), d)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
