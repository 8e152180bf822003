package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Remove jobs left behind by an interrupted run",
		Long: `reconcile issues condor_rm for every job recorded in the state
database whose owner never confirmed its removal. Jobs belonging to another
cui process that is still running are left alone. 'cui run' and 'cui daemon'
do this on start; this command does only that. It exits 3 when some job
could not be removed because the scheduler was unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStack(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.close()
			defer s.guarantor.Stop()

			res, err := s.guarantor.Reconcile(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, id := range res.Removed {
				fmt.Fprintf(out, "removed %s\n", id)
			}
			for _, id := range res.Kept {
				fmt.Fprintf(out, "kept    %s\n", id)
			}
			for _, id := range res.InUse {
				fmt.Fprintf(out, "in use  %s\n", id)
			}
			if len(res.Removed)+len(res.Kept)+len(res.InUse) == 0 {
				fmt.Fprintln(out, "nothing to reconcile")
			}
			if len(res.Kept) > 0 {
				return &ExitError{Code: ExitSchedulerError, Err: fmt.Errorf("%d job(s) could not be removed", len(res.Kept))}
			}
			return nil
		},
	}
}
