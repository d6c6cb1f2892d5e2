package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/expctl/internal/checkpoint"
	"github.com/ChuLiYu/expctl/internal/storage/journal"
	"github.com/ChuLiYu/expctl/internal/storage/ledger"
	"github.com/ChuLiYu/expctl/pkg/types"
)

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpointed queue status",
		Long:  "Print every queued experiment with its batch id and per-job status. Reads the checkpoint only; no remote calls.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			store := checkpoint.NewStore(cfg.Checkpoint.Path, 0)
			queue, err := store.Load()
			if err != nil {
				if errors.Is(err, checkpoint.ErrNotFound) {
					fmt.Fprintf(cmd.OutOrStdout(), "No checkpoint at %s\n", store.Path())
					return nil
				}
				return err
			}
			printQueue(cmd.OutOrStdout(), store.Path(), queue)
			return nil
		},
	}
	return cmd
}

func printQueue(out io.Writer, path string, q *types.Queue) {
	fmt.Fprintf(out, "Checkpoint: %s\n", path)
	fmt.Fprintf(out, "Queue:      %d experiment(s)\n", q.Len())
	if q.Len() == 0 {
		return
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\t#\tLABEL\tKIND\tSTATUS\tBATCH\tJOBS\tRELAUNCHES")
	for i, e := range q.Experiments {
		marker := ""
		if i == 0 {
			marker = ">"
		}
		batch := e.ID
		if batch == "" {
			batch = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			marker, i+1, e.Label, e.Kind, e.Status, batch, jobSummary(e), e.Relaunches)
	}
	tw.Flush()

	head := q.Head()
	if len(head.Jobs) == 0 {
		return
	}
	fmt.Fprintf(out, "\nJobs of %s:\n", head.Label)
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  INDEX\tKIND\tREMOTE ID\tSTATUS")
	for _, job := range head.Jobs {
		fmt.Fprintf(tw, "  %d\t%s\t%d\t%s\n", job.Index, job.Kind, job.RemoteID, job.Status)
	}
	tw.Flush()
}

// jobSummary renders status counts in a fixed order, e.g. "2 completed, 1 running".
func jobSummary(e *types.Experiment) string {
	if len(e.Jobs) == 0 {
		return "-"
	}
	counts := e.CountByStatus()
	var parts []string
	for _, s := range []types.JobStatus{types.JobCompleted, types.JobRunning, types.JobPending, types.JobFailed} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	return strings.Join(parts, ", ")
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List merged experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Ledger.Path == "" {
				return errors.New("ledger.path is not configured")
			}
			if _, err := os.Stat(cfg.Ledger.Path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "No merged experiments yet")
				return nil
			}

			l, err := ledger.Open(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer l.Close()

			entries, err := l.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	return cmd
}

func printHistory(out io.Writer, entries []ledger.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No merged experiments yet")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MERGED AT\tBATCH\tLABEL\tKIND\tJOBS\tRELAUNCHES")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			e.MergedAt.Local().Format(time.DateTime), e.BatchID, e.Label, e.Kind, e.JobCount, e.Relaunches)
	}
	tw.Flush()
}

// ============================================================================
// events
// ============================================================================

func buildEventsCommand(opts *rootOptions) *cobra.Command {
	var experiment string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the lifecycle journal",
		Long:  "Replay the journal, verifying each record's checksum, and print its events in order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return errors.New("journal.path is not configured")
			}

			out := cmd.OutOrStdout()
			if _, err := os.Stat(cfg.Journal.Path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(out, "No journal yet")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIME\tTYPE\tEXPERIMENT\tBATCH\tDETAIL")
			err = journal.ReplayFile(cfg.Journal.Path, func(ev journal.Event) error {
				if experiment != "" && ev.Experiment != experiment {
					return nil
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					ev.Seq,
					time.UnixMilli(ev.Timestamp).Local().Format(time.DateTime),
					ev.Type, ev.Experiment, ev.BatchID, eventDetail(ev))
				return nil
			})
			tw.Flush()
			return err
		},
	}

	cmd.Flags().StringVar(&experiment, "experiment", "", "only show events of this experiment label")
	return cmd
}

func eventDetail(ev journal.Event) string {
	var parts []string
	if len(ev.Indices) > 0 {
		parts = append(parts, fmt.Sprintf("indices=%v", ev.Indices))
	}
	if len(ev.RemoteIDs) > 0 {
		parts = append(parts, fmt.Sprintf("remote_ids=%v", ev.RemoteIDs))
	}
	if ev.Detail != "" {
		parts = append(parts, ev.Detail)
	}
	return strings.Join(parts, " ")
}
