package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/isolate/internal/lock"
	"github.com/msageha/isolate/internal/model"
)

func newLockCmd(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "lock <resource>",
		Short: "Take an exclusive lease on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.lockManager(cmd.Context())
			if err != nil {
				return err
			}
			l, err := m.Lock(cmd.Context(), args[0], a.agentID(), ttl)
			var locked *lock.SessionLockedError
			if errors.As(err, &locked) && a.jsonOut {
				if emitErr := a.emit(cmd, map[string]any{
					"resource":   locked.Resource,
					"locked":     false,
					"holder":     locked.Holder,
					"expires_at": locked.ExpiresAt,
				}, nil); emitErr != nil {
					return emitErr
				}
				return &exitErr{code: exitContested}
			}
			if err != nil {
				return err
			}
			return a.emit(cmd, l, func(w io.Writer) {
				fmt.Fprintf(w, "Locked %s for %s (%s) until %s\n",
					l.Resource, l.Holder, l.LockID, l.ExpiresAt.Local().Format(time.RFC3339))
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lease duration (default locks.default_ttl_sec)")
	return cmd
}

func newUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <resource>",
		Short: "Release a lease held by this agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.lockManager(cmd.Context())
			if err != nil {
				return err
			}
			holder := a.agentID()
			if err := m.Unlock(cmd.Context(), args[0], holder); err != nil {
				return err
			}
			return a.emit(cmd, map[string]any{"resource": args[0], "holder": holder, "released": true}, func(w io.Writer) {
				fmt.Fprintf(w, "Unlocked %s\n", args[0])
			})
		},
	}
}

func newHeartbeatCmd(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "heartbeat <resource>",
		Short: "Extend a lease held by this agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.lockManager(cmd.Context())
			if err != nil {
				return err
			}
			l, err := m.Heartbeat(cmd.Context(), args[0], a.agentID(), ttl)
			if err != nil {
				return err
			}
			return a.emit(cmd, l, func(w io.Writer) {
				fmt.Fprintf(w, "Extended %s until %s\n", l.Resource, l.ExpiresAt.Local().Format(time.RFC3339))
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "New lease duration from now (default locks.default_ttl_sec)")
	return cmd
}

func newLocksCmd(a *app) *cobra.Command {
	var (
		audit string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List active leases, or the audit trail of one resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.lockManager(cmd.Context())
			if err != nil {
				return err
			}
			if audit != "" {
				entries, err := m.AuditTrail(cmd.Context(), audit, limit)
				if err != nil {
					return err
				}
				return a.emit(cmd, entries, func(w io.Writer) { printAudit(w, entries) })
			}
			locks, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, locks, func(w io.Writer) { printLocks(w, locks) })
		},
	}
	cmd.Flags().StringVar(&audit, "audit", "", "Show the audit trail for this resource")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum audit entries")
	return cmd
}

func printLocks(w io.Writer, locks []model.Lock) {
	if len(locks) == 0 {
		fmt.Fprintln(w, "No active locks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tHOLDER\tEXPIRES IN\tLOCK ID")
	now := time.Now()
	for _, l := range locks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Resource, l.Holder, l.Remaining(now).Round(time.Second), l.LockID)
	}
	tw.Flush()
}

func printAudit(w io.Writer, entries []model.LockAuditEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOPERATION\tHOLDER")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.RFC3339), e.Operation, e.Holder)
	}
	tw.Flush()
}
