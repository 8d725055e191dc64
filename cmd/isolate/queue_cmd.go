package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/queue"
	"github.com/msageha/isolate/internal/vcs"
)

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the merge queue",
	}
	cmd.AddCommand(newQueueAddCmd(a))
	cmd.AddCommand(newQueueListCmd(a))
	cmd.AddCommand(newQueueStatusCmd(a))
	cmd.AddCommand(newQueueNextCmd(a))
	cmd.AddCommand(newQueueRetryCmd(a))
	cmd.AddCommand(newQueueCancelCmd(a))
	cmd.AddCommand(newQueueEventsCmd(a))
	cmd.AddCommand(newQueueStatsCmd(a))
	cmd.AddCommand(newQueueRecoverCmd(a))
	cmd.AddCommand(newQueueRecoveryStatsCmd(a))
	cmd.AddCommand(newQueuePositionCmd(a))
	return cmd
}

func newQueueAddCmd(a *app) *cobra.Command {
	var (
		bead        string
		priority    int
		dedupe      string
		head        string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "add <workspace>",
		Short: "Enqueue a workspace for testing and integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("priority") {
				priority = a.project.Config.Queue.DefaultPriority
			}
			if head == "" {
				head = a.targetHead(cmd.Context())
			}
			res, err := q.Add(cmd.Context(), queue.AddRequest{
				Workspace:   args[0],
				BeadID:      bead,
				Priority:    priority,
				DedupeKey:   dedupe,
				HeadSHA:     head,
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func(w io.Writer) {
				verb := "Queued"
				if !res.Created {
					verb = "Already queued"
				}
				fmt.Fprintf(w, "%s %s (id %d, status %s, position %d of %d pending)\n",
					verb, res.Entry.Workspace, res.Entry.ID, res.Entry.Status, res.Position, res.TotalPending)
			})
		},
	}
	cmd.Flags().StringVar(&bead, "bead", "", "External task reference")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority, lower runs first (default queue.default_priority)")
	cmd.Flags().StringVar(&dedupe, "dedupe", "", "Idempotency key")
	cmd.Flags().StringVar(&head, "head", "", "Target HEAD the workspace is based on (default: resolved from queue.repo_path)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempts before permanent failure (default queue.max_attempts)")
	return cmd
}

// targetHead resolves the integration target HEAD, or "" when the repo
// cannot be read. The freshness guard then treats the entry as fresh.
func (a *app) targetHead(ctx context.Context) string {
	cfg := a.project.Config.Queue
	sha, err := vcs.NewTarget(a.project.Path(cfg.RepoPath), cfg.TargetBranch).HeadSHA(ctx)
	if err != nil {
		a.logger("queue").Debugf("target_head_unavailable branch=%s: %v", cfg.TargetBranch, err)
		return ""
	}
	return sha
}

func newQueueListCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries in claim order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter model.QueueStatus
			if status != "" {
				s, err := model.ParseQueueStatus(status)
				if err != nil {
					return err
				}
				filter = s
			}
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := q.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.emit(cmd, entries, func(w io.Writer) { printEntries(w, entries) })
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only entries with this status")
	return cmd
}

type entryStatus struct {
	Entry    *model.QueueEntry `json:"entry"`
	Position int               `json:"position"`
}

func newQueueStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workspace>",
		Short: "Show the queue entry for a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			e, err := q.GetByWorkspace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pos, err := q.Position(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd, entryStatus{Entry: e, Position: pos}, func(w io.Writer) { printEntry(w, e, pos) })
		},
	}
}

func newQueueNextCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the entry the next claim would take",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			e, err := q.Next(cmd.Context())
			if err != nil {
				return err
			}
			if e == nil {
				if err := a.emit(cmd, map[string]any{"entry": nil}, func(w io.Writer) {
					fmt.Fprintln(w, "Queue is empty")
				}); err != nil {
					return err
				}
				return &exitErr{code: exitNothing}
			}
			return a.emit(cmd, entryStatus{Entry: e, Position: 1}, func(w io.Writer) { printEntry(w, e, 1) })
		},
	}
}

func newQueueRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Return a failed_retryable entry to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			e, err := q.Retry(cmd.Context(), id)
			if errors.Is(err, queue.ErrAttemptsExhausted) {
				if emitErr := a.emit(cmd, e, func(w io.Writer) {
					fmt.Fprintf(w, "Entry %d has no attempts left; marked %s\n", e.ID, e.Status)
				}); emitErr != nil {
					return emitErr
				}
				return &exitErr{code: exitError}
			}
			if err != nil {
				return err
			}
			return a.emit(cmd, e, func(w io.Writer) {
				fmt.Fprintf(w, "Entry %d (%s) is pending again, attempt %d of %d used\n",
					e.ID, e.Workspace, e.AttemptCount, e.MaxAttempts)
			})
		},
	}
}

func newQueueCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a live entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			e, err := q.Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.emit(cmd, e, func(w io.Writer) {
				fmt.Fprintf(w, "Cancelled entry %d (%s)\n", e.ID, e.Workspace)
			})
		},
	}
}

func newQueueEventsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events [id]",
		Short: "Show the event log of one entry, or the most recent events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			var events []model.QueueEvent
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				events, err = q.Events(cmd.Context(), id)
				if err != nil {
					return err
				}
			} else {
				events, err = q.RecentEvents(cmd.Context(), limit)
				if err != nil {
					return err
				}
			}
			return a.emit(cmd, events, func(w io.Writer) { printEvents(w, events) })
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent events")
	return cmd
}

func newQueueStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count entries per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, stats, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, s := range model.AllQueueStatuses() {
					fmt.Fprintf(tw, "%s\t%d\n", s, stats.Count(s))
				}
				fmt.Fprintf(tw, "total\t%d\n", stats.Total)
				tw.Flush()
			})
		},
	}
}

func newQueueRecoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Return stale testing entries to pending and drop an expired processing lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := q.DetectAndRecoverStale(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Recovered %d stale entries, cleaned %d expired processing locks\n",
					stats.EntriesReclaimed, stats.LocksCleaned)
			})
		},
	}
}

func newQueueRecoveryStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recovery-stats",
		Short: "Report what recover would touch, without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := q.GetRecoveryStats(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, stats, func(w io.Writer) {
				fmt.Fprintf(w, "%d stale entries, %d expired processing locks (lock timeout %ds)\n",
					stats.EntriesReclaimed, stats.LocksCleaned, stats.LockTimeout)
			})
		},
	}
}

func newQueuePositionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "position <workspace>",
		Short: "Show a workspace's position among pending entries (0 when not pending)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			pos, err := q.Position(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			total, err := q.CountPending(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, map[string]any{"workspace": args[0], "position": pos, "total_pending": total}, func(w io.Writer) {
				if pos == 0 {
					fmt.Fprintf(w, "%s is not pending\n", args[0])
					return
				}
				fmt.Fprintf(w, "%s is %d of %d pending\n", args[0], pos, total)
			})
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid queue id %q", s)
	}
	return id, nil
}

func printEntries(w io.Writer, entries []model.QueueEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKSPACE\tSTATUS\tPRIORITY\tATTEMPTS\tAGENT\tADDED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			e.ID, e.Workspace, e.Status, e.Priority, e.AttemptCount, e.MaxAttempts,
			deref(e.AgentID), e.AddedAt.Local().Format(time.RFC3339))
	}
	tw.Flush()
}

func printEntry(w io.Writer, e *model.QueueEntry, pos int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%d\n", e.ID)
	fmt.Fprintf(tw, "workspace\t%s\n", e.Workspace)
	fmt.Fprintf(tw, "status\t%s\n", e.Status)
	fmt.Fprintf(tw, "workspace_state\t%s\n", e.WorkspaceState)
	fmt.Fprintf(tw, "priority\t%d\n", e.Priority)
	fmt.Fprintf(tw, "attempts\t%d/%d\n", e.AttemptCount, e.MaxAttempts)
	if pos > 0 {
		fmt.Fprintf(tw, "position\t%d\n", pos)
	}
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"bead", e.BeadID},
		{"agent", e.AgentID},
		{"dedupe_key", e.DedupeKey},
		{"head_sha", e.HeadSHA},
		{"tested_against", e.TestedAgainstSHA},
		{"error", e.ErrorMessage},
	} {
		if f.v != nil {
			fmt.Fprintf(tw, "%s\t%s\n", f.name, *f.v)
		}
	}
	tw.Flush()
}

func printEvents(w io.Writer, events []model.QueueEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tENTRY\tEVENT\tDETAILS")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			ev.CreatedAt.Local().Format(time.RFC3339), ev.QueueID, ev.EventType, deref(ev.DetailsJSON))
	}
	tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
