package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/stevedore/pkg/model"
)

func newEnqueueCmd() *cobra.Command {
	var (
		name       string
		priority   int
		maxRetries int
		memoryMB   int64
		cores      int
		gpus       int
		timeout    int
		envs       []string
		executor   string
		scheduleIn time.Duration
		specFile   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [image] [command...]",
		Short: "Enqueue a containerized job",
		Long:  "Enqueue a job for execution. Pass an image and command, or a full job spec with --file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{}

			if specFile != "" {
				data, err := os.ReadFile(specFile)
				if err != nil {
					return fmt.Errorf("read spec file: %w", err)
				}
				if err := yaml.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("parse spec file: %w", err)
				}
			} else if len(args) == 0 {
				return fmt.Errorf("an image argument or --file is required")
			}

			if len(args) > 0 {
				spec := map[string]any{
					"image": args[0],
					"resources": map[string]any{
						"memory_mb": memoryMB,
						"cores":     cores,
						"gpus":      gpus,
					},
				}
				if len(args) > 1 {
					spec["command"] = args[1:]
				}
				if timeout > 0 {
					spec["timeout_seconds"] = timeout
				}
				if len(envs) > 0 {
					env := map[string]string{}
					for _, e := range envs {
						k, v, ok := strings.Cut(e, "=")
						if !ok {
							return fmt.Errorf("invalid --env %q, want KEY=VALUE", e)
						}
						env[k] = v
					}
					spec["env"] = env
				}
				req["spec"] = spec
			}

			if name != "" {
				req["name"] = name
			}
			req["priority"] = priority
			req["max_retries"] = maxRetries
			if executor != "" {
				req["executor_type"] = executor
			}
			if scheduleIn > 0 {
				req["schedule_for"] = time.Now().Add(scheduleIn)
			}

			resp, err := client.Post("/api/v1/jobs", req)
			if err != nil {
				return fmt.Errorf("enqueue job: %w", err)
			}

			var job model.Job
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Job enqueued: %s (status: %s)\n", job.ID, job.Status)
			if job.ScheduledFor != nil {
				fmt.Printf("  Scheduled for: %s\n", job.ScheduledFor.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Job name")
	cmd.Flags().IntVarP(&priority, "priority", "p", 50, "Priority 0-100 (higher runs first)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "Retry budget for transient failures")
	cmd.Flags().Int64Var(&memoryMB, "memory", 512, "Memory limit in MB")
	cmd.Flags().IntVar(&cores, "cores", 1, "CPU cores")
	cmd.Flags().IntVar(&gpus, "gpus", 0, "GPUs required")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Execution timeout in seconds (0 = none)")
	cmd.Flags().StringArrayVarP(&envs, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&executor, "executor", "", "Pin to a backend (docker, serverless, mock)")
	cmd.Flags().DurationVar(&scheduleIn, "schedule-in", 0, "Delay before the job becomes eligible (e.g. 10m)")
	cmd.Flags().StringVarP(&specFile, "file", "f", "", "Job spec file (YAML/JSON)")
	return cmd
}
