package main

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-audit/jobs"
)

func newJobsCmd(rt *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}
	cmd.AddCommand(
		newJobsEnqueueCmd(rt),
		newJobsInspectCmd(rt),
	)
	return cmd
}

func newJobsEnqueueCmd(rt *cliEnv) *cobra.Command {
	var requestedBy string
	cmd := &cobra.Command{
		Use:       "enqueue JOB",
		Short:     "Enqueue a job now (supported: lifecycle-sweep)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"lifecycle-sweep"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "lifecycle-sweep" && args[0] != jobs.TaskLifecycleSweep {
				return fmt.Errorf("unsupported job %q", args[0])
			}
			queue, err := rt.openQueue(rt.redisAddr)
			if err != nil {
				return err
			}
			defer queue.Close()

			info, err := queue.EnqueueLifecycleSweep(cmd.Context(), requestedBy)
			if errors.Is(err, asynq.ErrDuplicateTask) {
				fmt.Fprintln(cmd.OutOrStdout(), "A lifecycle sweep is already queued.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s as %s on queue %s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&requestedBy, "requested-by", "auditctl", "Name recorded in the worker log")
	return cmd
}

func newJobsInspectCmd(rt *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show counters for the default queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := rt.openQueue(rt.redisAddr)
			if err != nil {
				return err
			}
			defer queue.Close()

			stats, err := queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queue:     %s\n", stats.Queue)
			fmt.Fprintf(out, "Pending:   %d\n", stats.Pending)
			fmt.Fprintf(out, "Active:    %d\n", stats.Active)
			fmt.Fprintf(out, "Scheduled: %d\n", stats.Scheduled)
			fmt.Fprintf(out, "Retry:     %d\n", stats.Retry)
			fmt.Fprintf(out, "Archived:  %d\n", stats.Archived)
			if stats.Paused {
				fmt.Fprintln(out, "Paused:    yes")
			}
			return nil
		},
	}
}
