package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/stevedore/pkg/model"
)

func newRetryCmd() *cobra.Command {
	var resetCount bool

	cmd := &cobra.Command{
		Use:   "retry <job_id>",
		Short: "Requeue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Put("/api/v1/jobs/"+args[0]+"/retry", map[string]any{
				"reset_count": resetCount,
			})
			if err != nil {
				return fmt.Errorf("retry job: %w", err)
			}

			var job model.Job
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Job requeued: %s (status: %s, retries: %d/%d)\n", job.ID, job.Status, job.RetryCount, job.MaxRetries)
			return nil
		},
	}

	cmd.Flags().BoolVar(&resetCount, "reset-count", false, "Reset the retry counter to zero")
	return cmd
}
