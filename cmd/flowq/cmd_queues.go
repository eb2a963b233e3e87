package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/flowq/internal/store"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "List all queues with job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		queues, err := newClient().ListQueues(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(queues)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tWAITING\tPRIORITIZED\tDELAYED\tACTIVE\tCHILDREN\tCOMPLETED\tFAILED\tPAUSED")
		for _, q := range queues {
			paused := ""
			if q.Paused {
				paused = "yes"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
				q.Name,
				q.Counts[store.StateWaiting]+q.Counts[store.StatePaused],
				q.Counts[store.StatePrioritized],
				q.Counts[store.StateDelayed],
				q.Counts[store.StateActive],
				q.Counts[store.StateWaitingChildren],
				q.Counts[store.StateCompleted],
				q.Counts[store.StateFailed],
				paused,
			)
		}
		return w.Flush()
	},
}

var countsStates []string

var countsCmd = &cobra.Command{
	Use:   "counts <queue>",
	Short: "Show job counts by state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := parseStateFlags(countsStates)
		if err != nil {
			return err
		}
		ctx, cancel := callContext()
		defer cancel()
		counts, err := newClient().GetJobCounts(ctx, args[0], states...)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(counts)
		}
		keys := make([]string, 0, len(counts))
		for st := range counts {
			keys = append(keys, string(st))
		}
		sort.Strings(keys)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATE\tCOUNT")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%d\n", k, counts[store.State(k)])
		}
		return w.Flush()
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <queue>",
	Short: "Pause a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		if err := newClient().Pause(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Queue %s paused\n", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <queue>",
	Short: "Resume a paused queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		if err := newClient().Resume(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Queue %s resumed\n", args[0])
		return nil
	},
}

var drainDelayed bool

var drainCmd = &cobra.Command{
	Use:   "drain <queue>",
	Short: "Remove all waiting jobs of a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		n, err := newClient().Drain(ctx, args[0], drainDelayed)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d jobs from %s\n", n, args[0])
		return nil
	},
}

var (
	retryState string
	retryCount int
	retryUntil time.Duration
)

var retryCmd = &cobra.Command{
	Use:   "retry <queue>",
	Short: "Move failed (or completed) jobs back to waiting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := store.RetryJobsRequest{Count: retryCount}
		if retryState != "" {
			st, ok := store.ParseState(retryState)
			if !ok {
				return fmt.Errorf("unknown state %q", retryState)
			}
			req.State = st
		}
		if retryUntil > 0 {
			req.Timestamp = time.Now().Add(-retryUntil)
		}
		ctx, cancel := callContext()
		defer cancel()
		n, err := newClient().RetryJobs(ctx, args[0], req)
		if err != nil {
			return err
		}
		fmt.Printf("Retried %d jobs in %s\n", n, args[0])
		return nil
	},
}

var promoteCount int

var promoteCmd = &cobra.Command{
	Use:   "promote <queue>",
	Short: "Move delayed jobs to waiting now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		n, err := newClient().PromoteJobs(ctx, args[0], promoteCount)
		if err != nil {
			return err
		}
		fmt.Printf("Promoted %d jobs in %s\n", n, args[0])
		return nil
	},
}

var (
	cleanState string
	cleanGrace time.Duration
	cleanLimit int
)

var cleanCmd = &cobra.Command{
	Use:   "clean <queue>",
	Short: "Remove finished jobs older than a grace period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, ok := store.ParseState(cleanState)
		if !ok {
			return fmt.Errorf("unknown state %q", cleanState)
		}
		ctx, cancel := callContext()
		defer cancel()
		n, err := newClient().Clean(ctx, args[0], st, cleanGrace, cleanLimit)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d %s jobs from %s\n", n, st, args[0])
		return nil
	},
}

var legacyPriorityCmd = &cobra.Command{
	Use:   "remove-legacy-priority <queue>",
	Short: "Delete the legacy priority index of a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		n, err := newClient().RemoveDeprecatedPriorityKey(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d legacy priority entries from %s\n", n, args[0])
		return nil
	},
}

func parseStateFlags(raw []string) ([]store.State, error) {
	var out []store.State
	for _, s := range raw {
		st, ok := store.ParseState(s)
		if !ok {
			return nil, fmt.Errorf("unknown state %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}

func init() {
	countsCmd.Flags().StringSliceVar(&countsStates, "state", nil, "States to count (default all)")
	drainCmd.Flags().BoolVar(&drainDelayed, "delayed", false, "Also remove delayed jobs")
	retryCmd.Flags().StringVar(&retryState, "state", "failed", "State to retry: failed or completed")
	retryCmd.Flags().IntVar(&retryCount, "count", 0, "Jobs moved per batch (0 = server default)")
	retryCmd.Flags().DurationVar(&retryUntil, "older-than", 0, "Only retry jobs finished at least this long ago")
	promoteCmd.Flags().IntVar(&promoteCount, "count", 0, "Jobs promoted per batch (0 = server default)")
	cleanCmd.Flags().StringVar(&cleanState, "state", "completed", "State to clean")
	cleanCmd.Flags().DurationVar(&cleanGrace, "grace", 0, "Keep jobs finished within this period")
	cleanCmd.Flags().IntVar(&cleanLimit, "limit", 0, "Max jobs removed (0 = all)")

	cmds := []*cobra.Command{queuesCmd, countsCmd, pauseCmd, resumeCmd, drainCmd, retryCmd, promoteCmd, cleanCmd, legacyPriorityCmd}
	addClientFlags(cmds...)
	rootCmd.AddCommand(cmds...)
}
