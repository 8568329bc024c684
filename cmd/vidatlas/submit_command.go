package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var params []string
	var watch bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "submit <subject-id>",
		Short: "Submit a video subject for place analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subjectID := strings.TrimSpace(args[0])
			if subjectID == "" {
				return fmt.Errorf("subject id is required")
			}
			paramMap, err := parseParams(params)
			if err != nil {
				return err
			}

			apiClient := ctx.apiClient()
			resp, err := apiClient.Submit(cmd.Context(), subjectID, paramMap)
			if err != nil {
				return ctx.wrapRequestError(err)
			}

			if jsonOut {
				return writeJSON(cmd, resp)
			}

			out := cmd.OutOrStdout()
			if resp.Cached {
				fmt.Fprintf(out, "Job %s served from cache (status %s)\n", resp.JobID, resp.Status)
				return nil
			}
			fmt.Fprintf(out, "Job %s accepted (status %s)\n", resp.JobID, resp.Status)

			if !watch {
				return nil
			}
			return watchJob(cmd, ctx, resp.JobID)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Analysis parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream progress until the job settles")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the admission response as JSON")
	return cmd
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", pair)
		}
		params[key] = value
	}
	return params, nil
}
