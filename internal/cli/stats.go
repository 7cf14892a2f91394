package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/stevedore/pkg/model"
)

func newStatsCmd() *cobra.Command {
	var showWorker bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/stats")
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}

			var stats model.QueueStats
			if err := json.Unmarshal(resp.Data, &stats); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Println("Queue:")
			fmt.Printf("  Depth:     %d (%d ready, %d scheduled later)\n", stats.Depth, stats.ReadyNow, stats.ScheduledLater)
			fmt.Printf("  Running:   %d\n", stats.Running)
			fmt.Printf("  Completed: %d\n", stats.Completed)
			fmt.Printf("  Failed:    %d\n", stats.Failed)
			fmt.Printf("  Cancelled: %d\n", stats.Cancelled)

			if !showWorker {
				return nil
			}

			resp, err = client.Get("/api/v1/worker-metrics")
			if err != nil {
				return fmt.Errorf("get worker metrics: %w", err)
			}
			var wm model.WorkerMetrics
			if err := json.Unmarshal(resp.Data, &wm); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Println("Worker (since startup):")
			fmt.Printf("  Launched:        %d\n", wm.Launched)
			fmt.Printf("  Launch failures: %d\n", wm.LaunchFailures)
			fmt.Printf("  Retried:         %d\n", wm.Retried)
			fmt.Printf("  Harvested:       %d\n", wm.Harvested)
			fmt.Printf("  Claim conflicts: %d\n", wm.ClaimConflicts)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showWorker, "worker", "w", false, "Include per-process worker counters")
	return cmd
}
