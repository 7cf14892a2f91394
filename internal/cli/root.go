package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/stevedore/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking the
// STEVEDORE_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("STEVEDORE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the stevedore CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stevedore",
		Short: "stevedore — containerized job scheduler",
		Long:  "stevedore enqueues, monitors, and manages containerized jobs across execution backends.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "stevedore server URL (or STEVEDORE_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newEnqueueCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newRetryCmd(),
		newDequeueCmd(),
		newLogsCmd(),
		newStatsCmd(),
		newRouteCmd(),
	)

	return root
}
