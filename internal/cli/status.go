package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client.getJob(args[0])
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			fmt.Printf("Job: %s\n", job.ID)
			if job.Name != "" {
				fmt.Printf("  Name:     %s\n", job.Name)
			}
			fmt.Printf("  Status:   %s\n", job.Status)
			fmt.Printf("  Priority: %d\n", job.Priority)
			fmt.Printf("  Image:    %s\n", job.Spec.Image)
			fmt.Printf("  Backend:  %s", job.ExecutorType)
			if job.TargetID != "" {
				fmt.Printf(" (%s)", job.TargetID)
			}
			fmt.Println()
			if job.RoutingReason != "" {
				fmt.Printf("  Routing:  %s\n", job.RoutingReason)
			}
			if job.RetryCount > 0 || job.MaxRetries > 0 {
				fmt.Printf("  Retries:  %d/%d\n", job.RetryCount, job.MaxRetries)
			}
			if job.LastError != "" {
				fmt.Printf("  Error:    %s\n", job.LastError)
			}
			if job.ExitCode != nil {
				fmt.Printf("  Exit:     %d\n", *job.ExitCode)
			}

			fmt.Printf("  Created:  %s\n", humanize.Time(job.CreatedAt))
			if job.ScheduledFor != nil && job.ScheduledFor.After(time.Now()) {
				fmt.Printf("  Eligible: %s\n", humanize.Time(*job.ScheduledFor))
			}
			if job.LaunchedAt != nil {
				fmt.Printf("  Launched: %s\n", humanize.Time(*job.LaunchedAt))
			}
			if job.CompletedAt != nil {
				fmt.Printf("  Finished: %s", humanize.Time(*job.CompletedAt))
				if d := job.Duration(); d > 0 {
					fmt.Printf(" (ran %s)", d.Round(time.Second))
				}
				fmt.Println()
			}
			return nil
		},
	}
}
