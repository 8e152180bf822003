package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/me/clusterui/internal/channel"
	"github.com/me/clusterui/internal/daemon"
	"github.com/me/clusterui/internal/lifecycle"
	"github.com/spf13/cobra"
)

// pruneInterval is how often the daemon forgets finished sessions.
const pruneInterval = 10 * time.Minute

func newDaemonCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Track several detached sessions behind an HTTP API",
		Long: `daemon keeps sessions alive without a terminal. Start sessions with
'cui run --detach', list them with 'cui status', attach with 'cui attach' and
end them with 'cui cancel'. Stopping the daemon closes every session it owns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("addr") {
				cfg.Daemon.Addr = addr
			}

			s, err := openStack(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.close()

			if _, err := s.reconcile(ctx); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}

			channels := newChannelManager(cfg, channel.NewOSLauncher(), logger)
			mgr := lifecycle.NewManager(s.adapter, detachedOpener{channels: channels}, s.guarantor, s.store, lifecycleConfig(cfg), logger)

			srv := daemon.New(mgr, apiRequestBuilder(cfg), logger,
				daemon.WithOutstanding(s.guarantor.Outstanding),
				daemon.WithVersion(Version),
			)

			go func() {
				ticker := time.NewTicker(pruneInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if n := mgr.Prune(ctx); n > 0 {
							logger.Info("pruned finished sessions", "count", n)
						}
					}
				}
			}()

			serveErr := srv.ListenAndServe(ctx, cfg.Daemon.Addr)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := mgr.Shutdown(shutdownCtx); err != nil {
				logger.Warn("sessions still closing at shutdown", "error", err)
			}
			s.drain(cfg.Lifecycle.RemovalGrace)

			if serveErr != nil {
				return fmt.Errorf("serve: %w", serveErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default daemon.addr, 127.0.0.1:7070)")
	return cmd
}
