package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"vidatlas/internal/client"
	"vidatlas/internal/events"
	"vidatlas/internal/job"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream live progress for a job until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchJob(cmd, ctx, args[0])
		},
	}
}

// watchJob follows a job's event stream and prints one line per update.
// It returns a non-nil error when the job settles as failed so the exit
// code reflects the outcome.
func watchJob(cmd *cobra.Command, ctx *commandContext, jobID string) error {
	out := cmd.OutOrStdout()
	apiClient := ctx.apiClient()

	var terminal *client.StreamEvent
	err := apiClient.Watch(cmd.Context(), jobID, func(ev client.StreamEvent) error {
		switch ev.Type {
		case events.TypePhaseUpdate:
			fmt.Fprintf(out, "  %6.1f%%  %s\n", ev.Progress, ev.Phase)
		case events.TypeHeartbeat:
			// Keepalive only; nothing worth printing.
		case events.TypeCompleted:
			fmt.Fprintf(out, "Job %s settled (status %s)\n", ev.JobID, ev.Status)
			terminal = &ev
		case events.TypeError:
			if ev.Error != nil {
				fmt.Fprintf(out, "Job %s failed [%s]: %s\n", ev.JobID, ev.Error.Kind, ev.Error.Message)
			} else {
				fmt.Fprintf(out, "Job %s failed\n", ev.JobID)
			}
			terminal = &ev
		}
		return nil
	})
	if err != nil {
		return ctx.wrapRequestError(err)
	}

	if terminal != nil && terminal.Status == string(job.StatusFailed) {
		return fmt.Errorf("job %s failed", jobID)
	}
	return nil
}
