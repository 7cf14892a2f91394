package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newRouteCmd() *cobra.Command {
	var (
		priority int
		memoryMB int64
		gpus     int
		timeout  int
	)

	cmd := &cobra.Command{
		Use:   "route <image>",
		Short: "Preview where a job would be routed",
		Long:  "Run the routing rules against a hypothetical job without enqueueing anything.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"priority": priority,
				"spec": map[string]any{
					"image": args[0],
					"resources": map[string]any{
						"memory_mb": memoryMB,
						"gpus":      gpus,
					},
					"timeout_seconds": timeout,
				},
			}

			resp, err := client.Post("/api/v1/jobs/route-preview", req)
			if err != nil {
				return fmt.Errorf("route preview: %w", err)
			}

			var dec struct {
				Backend string `json:"backend"`
				Rule    string `json:"rule"`
				Reason  string `json:"reason"`
			}
			if err := json.Unmarshal(resp.Data, &dec); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Backend: %s\n", dec.Backend)
			if dec.Rule != "" {
				fmt.Printf("  Rule:   %s\n", dec.Rule)
			}
			fmt.Printf("  Reason: %s\n", dec.Reason)
			return nil
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", 50, "Priority 0-100")
	cmd.Flags().Int64Var(&memoryMB, "memory", 512, "Memory limit in MB")
	cmd.Flags().IntVar(&gpus, "gpus", 0, "GPUs required")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Execution timeout in seconds")
	return cmd
}
