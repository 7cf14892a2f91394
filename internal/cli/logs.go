package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var stderrOnly bool

	cmd := &cobra.Command{
		Use:   "logs <job_id>",
		Short: "Fetch job output",
		Long:  "Print the job's stdout and stderr. Running jobs stream from the backend; finished jobs read from the store.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/jobs/" + args[0] + "/logs")
			if err != nil {
				return fmt.Errorf("get logs: %w", err)
			}

			var logs struct {
				Stdout string `json:"stdout"`
				Stderr string `json:"stderr"`
				Live   bool   `json:"live"`
			}
			if err := json.Unmarshal(resp.Data, &logs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if !stderrOnly && logs.Stdout != "" {
				fmt.Print(logs.Stdout)
			}
			if logs.Stderr != "" {
				fmt.Fprint(cmd.ErrOrStderr(), logs.Stderr)
			}
			if logs.Live {
				logger.Debug("logs are live, execution still running")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stderrOnly, "stderr", false, "Print only stderr")
	return cmd
}
