package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/isolate/internal/buildlock"
)

func newBuildCmd(a *app) *cobra.Command {
	var (
		timeout time.Duration
		noWait  bool
	)
	cmd := &cobra.Command{
		Use:   "build -- <command> [args...]",
		Short: "Run a command while holding the host build lock",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.project.Config.BuildLock
			cfg.Path = a.project.Path(cfg.Path)
			var (
				coord *buildlock.Coordinator
				err   error
			)
			if timeout > 0 {
				coord, err = buildlock.New(cfg.Path, timeout, time.Duration(cfg.PollIntervalMs)*time.Millisecond, a.logger("buildlock"))
			} else {
				coord, err = buildlock.NewFromConfig(cfg, a.logger("buildlock"))
			}
			if err != nil {
				return err
			}
			coord.SetMetrics(a.metrics)

			run := func(ctx context.Context) error {
				c := exec.CommandContext(ctx, args[0], args[1:]...)
				c.Stdin = cmd.InOrStdin()
				c.Stdout = cmd.OutOrStdout()
				c.Stderr = cmd.ErrOrStderr()
				return c.Run()
			}

			var acq buildlock.Acquisition
			if noWait {
				acq, err = coord.TryAcquire()
				if err == nil && acq.Acquired() {
					err = runHolding(cmd.Context(), acq.Lock, run)
				}
			} else {
				acq, err = coord.WithLock(cmd.Context(), run)
			}

			var exit *exec.ExitError
			switch {
			case errors.As(err, &exit):
				return &exitErr{code: exit.ExitCode()}
			case err != nil:
				return err
			case acq.State == buildlock.StateAlreadyHeld:
				return &exitErr{code: exitContested, msg: fmt.Sprintf("build lock %s is held by pid %d", coord.Path(), acq.HolderPID)}
			case acq.State == buildlock.StateTimedOut:
				return &exitErr{code: exitContested, msg: fmt.Sprintf("timed out after %s waiting for build lock held by pid %d", coord.Timeout(), acq.HolderPID)}
			}
			if a.jsonOut {
				return a.emit(cmd, acq, func(io.Writer) {})
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Maximum wait for the lock (default build_lock.timeout_sec)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Fail immediately when another build holds the lock")
	return cmd
}

func runHolding(ctx context.Context, l *buildlock.Lock, fn func(context.Context) error) error {
	defer l.Release()
	return fn(ctx)
}
