package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"lattice/internal/api"
	"lattice/internal/apiclient"
	"lattice/internal/services"
	"lattice/internal/store"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"job"},
		Short:   "Inspect and requeue jobs",
	}
	cmd.AddCommand(newJobsListCommand(ctx))
	cmd.AddCommand(newJobsRequeueCommand(ctx))
	return cmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var (
		status     string
		jobType    string
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs from the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if _, ok := store.ParseJobStatus(status); !ok {
					return services.Wrap(services.ErrValidation, "cli", "list jobs", fmt.Sprintf("unknown status %q", status), nil)
				}
			}
			if jobType != "" {
				if _, ok := store.ParseJobType(jobType); !ok {
					return services.Wrap(services.ErrValidation, "cli", "list jobs", fmt.Sprintf("unknown type %q", jobType), nil)
				}
			}
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.Jobs(cmd.Context(), apiclient.JobsQuery{Status: status, Type: jobType, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, resp)
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(resp.Jobs, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued, processing, successful, error)")
	cmd.Flags().StringVar(&jobType, "type", "", "Filter by type (healthcheck, transcode)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}

func renderJobs(jobs []api.Job, colorize bool) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		progress := "-"
		if job.Status == string(store.JobProcessing) || job.Progress > 0 {
			progress = fmt.Sprintf("%.0f%%", job.Progress*100)
		}
		detail := job.ErrorMessage
		if detail == "" {
			detail = titleLabel(job.Stage)
		}
		rows = append(rows, []string{
			strconv.FormatInt(job.ID, 10),
			job.Type,
			colorStatus(job.Status, colorize),
			progress,
			orDash(job.AssignedNodeID),
			orDash(job.Accelerator),
			relativeTime(job.UpdatedAt),
			job.Path,
			orDash(detail),
		})
	}
	return renderTable(
		[]string{"ID", "Type", "Status", "Progress", "Node", "Accel", "Updated", "Path", "Detail"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

func newJobsRequeueCommand(ctx *commandContext) *cobra.Command {
	var targetType string
	cmd := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Return a job to the queue, optionally switching its type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return services.Wrap(services.ErrValidation, "cli", "requeue", fmt.Sprintf("invalid job id %q", args[0]), nil)
			}
			if targetType != "" {
				if _, ok := store.ParseJobType(targetType); !ok {
					return services.Wrap(services.ErrValidation, "cli", "requeue", fmt.Sprintf("unknown type %q", targetType), nil)
				}
			}
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			if err := client.Requeue(cmd.Context(), id, api.RequeueRequest{TargetType: targetType}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued job %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&targetType, "type", "", "Requeue as this job type (healthcheck, transcode)")
	return cmd
}
