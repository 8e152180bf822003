// Package cli implements the cui command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/me/clusterui/internal/config"
	"github.com/me/clusterui/internal/logging"
	"github.com/spf13/cobra"
)

// Version is printed by `cui version` and reported by the daemon.
const Version = "0.1"

var (
	flagConfig    string
	flagServer    string
	flagStateDir  string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
	client *Client
)

// defaultServer returns the daemon URL, checking CUI_SERVER first.
func defaultServer() string {
	if s := os.Getenv("CUI_SERVER"); s != "" {
		return s
	}
	return "http://127.0.0.1:7070"
}

// NewRootCmd creates the root cobra command for cui.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cui",
		Short: "clusterui: interactive sessions on an HTCondor pool",
		Long: `cui requests an interactive slot from HTCondor, waits for it to start,
attaches your terminal (or a VNC viewer) to it, and removes the job again
however the session ends.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			cfg = loaded
			flags := cmd.Flags()
			if flags.Changed("state-dir") {
				cfg.StateDir = flagStateDir
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = flagLogLevel
			}
			if flags.Changed("log-format") {
				cfg.LogFormat = flagLogFormat
			}
			if flagDebug {
				cfg.LogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (or "+config.EnvConfig+" env; default ~/.config/clusterui/config.yaml)")
	pf.StringVar(&flagServer, "server", defaultServer(), "Daemon URL (or CUI_SERVER env)")
	pf.StringVar(&flagStateDir, "state-dir", "", "Directory holding the session database (default ~/.clusterui)")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newAttachCmd(),
		newDaemonCmd(),
		newReconcileCmd(),
		newProfilesCmd(),
		newVersionCmd(),
	)

	return root
}

// explicitLogLevel reports whether the user picked a log level on the
// command line or in the config file.
func explicitLogLevel(cmd *cobra.Command) bool {
	return flagDebug || cmd.Flags().Changed("log-level") || cfg.LogLevel != config.Default().LogLevel
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cui version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "clusterui %s\n", Version)
			return nil
		},
	}
}
