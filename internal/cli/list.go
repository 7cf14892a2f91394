package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/stevedore/pkg/model"
)

func newListCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/api/v1/jobs/"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			var jobs []model.Job
			if err := json.Unmarshal(resp.Data, &jobs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			fmt.Printf("%-40s  %-10s  %-10s  %-20s  %s\n", "ID", "STATUS", "BACKEND", "NAME", "CREATED")
			fmt.Printf("%-40s  %-10s  %-10s  %-20s  %s\n", "--", "------", "-------", "----", "-------")
			for _, j := range jobs {
				backend := string(j.ExecutorType)
				if backend == "" {
					backend = "-"
				}
				fmt.Printf("%-40s  %-10s  %-10s  %-20s  %s\n", j.ID, j.Status, backend, j.Name, humanize.Time(j.CreatedAt))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(jobs), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (QUEUED, RUNNING, FAILED, ...)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}
