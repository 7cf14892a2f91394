package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/stevedore/pkg/model"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Put("/api/v1/jobs/"+args[0]+"/cancel", nil)
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}

			var job model.Job
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Job cancelled: %s\n", job.ID)
			return nil
		},
	}
}
