package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"vidatlas/internal/api"
	"vidatlas/internal/job"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List analysis jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			apiClient := ctx.apiClient()
			views, err := apiClient.Jobs(cmd.Context(), statuses...)
			if err != nil {
				return ctx.wrapRequestError(err)
			}

			if jsonOut {
				return writeJSON(cmd, api.JobListResponse{Jobs: views})
			}

			out := cmd.OutOrStdout()
			rows := buildJobRows(views)
			if len(rows) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}
			fmt.Fprintln(out, renderTable(jobTableHeaders, rows, 4))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by job status (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the job list as JSON")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job's lifecycle details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiClient := ctx.apiClient()
			view, err := apiClient.Job(cmd.Context(), args[0])
			if err != nil {
				return ctx.wrapRequestError(err)
			}

			if jsonOut {
				return writeJSON(cmd, view)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("Job "+view.JobID, colorize) {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, renderDetailLine("Subject", view.SubjectID))
			fmt.Fprintln(out, renderStatusLine("Status", statusKindForJob(view.Status), formatStatusLabel(view.Status), colorize))
			if view.Phase != "" {
				fmt.Fprintln(out, renderDetailLine("Phase", view.Phase))
			}
			fmt.Fprintln(out, renderDetailLine("Progress", formatProgress(view.Progress)))
			if view.StrategyVersion != "" {
				fmt.Fprintln(out, renderDetailLine("Strategy", view.StrategyVersion))
			}
			fmt.Fprintln(out, renderDetailLine("Fingerprint", formatFingerprint(view.Fingerprint)))
			if view.Retries > 0 {
				fmt.Fprintln(out, renderDetailLine("Retries", fmt.Sprintf("%d", view.Retries)))
			}
			fmt.Fprintln(out, renderDetailLine("Created", formatDisplayTime(view.CreatedAt)))
			if view.FinishedAt != "" {
				fmt.Fprintln(out, renderDetailLine("Finished", formatDisplayTime(view.FinishedAt)))
			}
			if view.Error != nil {
				fmt.Fprintln(out, renderStatusLine("Error", statusError, fmt.Sprintf("%s: %s", view.Error.Kind, view.Error.Message), colorize))
			}
			if len(view.Unresolved) > 0 {
				fmt.Fprintln(out, renderStatusLine("Unresolved", statusWarn, strings.Join(view.Unresolved, ", "), colorize))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the job view as JSON")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiClient := ctx.apiClient()
			view, err := apiClient.Cancel(cmd.Context(), args[0])
			if err != nil {
				return ctx.wrapRequestError(err)
			}

			if jsonOut {
				return writeJSON(cmd, view)
			}

			out := cmd.OutOrStdout()
			status, _ := job.ParseStatus(view.Status)
			switch status {
			case job.StatusCanceled:
				fmt.Fprintf(out, "Job %s canceled\n", view.JobID)
			case job.StatusRunning:
				fmt.Fprintf(out, "Cancel requested; job %s stops after its current phase\n", view.JobID)
			default:
				fmt.Fprintf(out, "Job %s already settled (status %s)\n", view.JobID, view.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the updated job view as JSON")
	return cmd
}

func newResultCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "result <job-id>",
		Short: "Print a settled job's analysis result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiClient := ctx.apiClient()
			resp, err := apiClient.Result(cmd.Context(), args[0])
			if err != nil {
				return ctx.wrapRequestError(err)
			}

			if jsonOut {
				return writeJSON(cmd, resp)
			}

			// Unresolved names go to stderr so the payload on stdout
			// stays pipeable.
			if len(resp.Unresolved) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "Unresolved places: %s\n", strings.Join(resp.Unresolved, ", "))
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, resp.Result, "", "  "); err != nil {
				return fmt.Errorf("format result payload: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the full result response as JSON")
	return cmd
}
