package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dequeue <job_id>",
		Short: "Park a queued job so it is no longer eligible to run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Put("/api/v1/jobs/"+args[0]+"/dequeue", nil); err != nil {
				return fmt.Errorf("dequeue job: %w", err)
			}
			fmt.Printf("Job dequeued: %s\n", args[0])
			return nil
		},
	}
}
