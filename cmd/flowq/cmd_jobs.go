package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/flowq/internal/search"
	"github.com/user/flowq/internal/store"
)

var (
	addData     string
	addJobID    string
	addPriority int
	addDelay    time.Duration
	addAttempts int
	addBackoff  string
	addBackoffD time.Duration
)

var addCmd = &cobra.Command{
	Use:   "add <queue> [name]",
	Short: "Add a job",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := store.DefaultJobName
		if len(args) == 2 {
			name = args[1]
		}
		var data json.RawMessage
		if addData != "" {
			if !json.Valid([]byte(addData)) {
				return fmt.Errorf("--data must be valid JSON")
			}
			data = json.RawMessage(addData)
		}
		opts := store.JobOptions{
			JobID:    addJobID,
			Priority: addPriority,
			DelayMs:  addDelay.Milliseconds(),
			Attempts: addAttempts,
		}
		if addBackoff != "" {
			opts.Backoff = &store.Backoff{Type: addBackoff, DelayMs: addBackoffD.Milliseconds()}
		}
		ctx, cancel := callContext()
		defer cancel()
		job, err := newClient().AddJob(ctx, args[0], name, data, opts)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(job)
		}
		fmt.Printf("Added job %s (%s) to %s\n", job.ID, job.State, job.Queue)
		return nil
	},
}

var flowFile string

var addFlowCmd = &cobra.Command{
	Use:   "add-flow",
	Short: "Add a job tree from a JSON file (- for stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		var err error
		if flowFile == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(flowFile)
		}
		if err != nil {
			return err
		}
		var root store.FlowNode
		if err := json.Unmarshal(raw, &root); err != nil {
			return fmt.Errorf("parse flow: %w", err)
		}
		ctx, cancel := callContext()
		defer cancel()
		res, err := newClient().AddFlow(ctx, root)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(res)
		}
		printFlow(res, 0)
		return nil
	},
}

func printFlow(res *store.FlowResult, depth int) {
	fmt.Printf("%s%s %s (%s)\n", strings.Repeat("  ", depth), res.Job.Key(), res.Job.Name, res.Job.State)
	for i := range res.Children {
		printFlow(&res.Children[i], depth+1)
	}
}

var jobCmd = &cobra.Command{
	Use:   "job <queue> <id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		job, err := newClient().GetJob(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var (
	listState string
	listLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs <queue>",
	Short: "List jobs of a queue in one state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, ok := store.ParseState(listState)
		if !ok {
			return fmt.Errorf("unknown state %q", listState)
		}
		ctx, cancel := callContext()
		defer cancel()
		jobs, err := newClient().ListJobs(ctx, args[0], st, listLimit)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(jobs)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tPRIORITY\tATTEMPTS\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", j.ID, j.Name, j.State, j.Opts.Priority, j.AttemptsMade, j.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <queue> <id>",
	Short: "Remove a job and its unfinished children",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		if err := newClient().RemoveJob(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Removed job %s from %s\n", args[1], args[0])
		return nil
	},
}

var childrenCmd = &cobra.Command{
	Use:   "children <queue> <id>",
	Short: "Show a parent's children by resolution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		deps, err := newClient().GetDependencies(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(deps)
	},
}

var searchFilter search.Filter

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search jobs across queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callContext()
		defer cancel()
		res, err := newClient().Search(ctx, searchFilter)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(res)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tID\tNAME\tSTATE\tATTEMPTS\tCREATED")
		for _, j := range res.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", j.Queue, j.ID, j.Name, j.State, j.AttemptsMade, j.CreatedAt)
		}
		w.Flush()
		fmt.Printf("%d of %d", len(res.Jobs), res.Total)
		if res.HasMore {
			fmt.Printf(" (next --cursor %s)", res.Cursor)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addData, "data", "", "Job data as JSON")
	addCmd.Flags().StringVar(&addJobID, "job-id", "", "Custom job ID (dedupes adds)")
	addCmd.Flags().IntVar(&addPriority, "priority", 0, "Priority (1 is highest, 0 means none)")
	addCmd.Flags().DurationVar(&addDelay, "delay", 0, "Delay before the job becomes runnable")
	addCmd.Flags().IntVar(&addAttempts, "attempts", 0, "Max attempts")
	addCmd.Flags().StringVar(&addBackoff, "backoff", "", "Backoff type: fixed or exponential")
	addCmd.Flags().DurationVar(&addBackoffD, "backoff-delay", time.Second, "Backoff base delay")

	addFlowCmd.Flags().StringVar(&flowFile, "file", "-", "Flow JSON file")

	jobsCmd.Flags().StringVar(&listState, "state", "waiting", "State to list")
	jobsCmd.Flags().IntVar(&listLimit, "limit", 50, "Max jobs listed")

	f := searchCmd.Flags()
	f.StringVar(&searchFilter.Queue, "queue", "", "Queue name")
	f.StringSliceVar(&searchFilter.State, "state", nil, "States")
	f.StringVar(&searchFilter.Name, "name", "", "Job name")
	f.StringVar(&searchFilter.DataContains, "data-contains", "", "Substring of the job data")
	f.StringVar(&searchFilter.DataJQ, "jq", "", "jq predicate over the job data")
	f.StringVar(&searchFilter.FailedReasonContains, "failed-reason", "", "Substring of the failure reason")
	f.StringVar(&searchFilter.Cursor, "cursor", "", "Pagination cursor")
	f.IntVar(&searchFilter.Limit, "limit", 50, "Page size")

	cmds := []*cobra.Command{addCmd, addFlowCmd, jobCmd, jobsCmd, removeCmd, childrenCmd, searchCmd}
	addClientFlags(cmds...)
	rootCmd.AddCommand(cmds...)
}
