package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/isolate/internal/gate"
	"github.com/msageha/isolate/internal/vcs"
	"github.com/msageha/isolate/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	var (
		once        bool
		interval    time.Duration
		workerID    string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:         "worker",
		Short:       "Run queued workspaces through the quality gates and integrate them",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{longRunning: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.newWorker(cmd.Context(), workerID)
			if err != nil {
				return err
			}
			if once {
				return a.runOnce(cmd, w)
			}

			cfg := a.project.Config
			if !cmd.Flags().Changed("interval") && cfg.Worker.PollIntervalSec > 0 {
				interval = time.Duration(cfg.Worker.PollIntervalSec) * time.Second
			}
			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.ListenAddr
			}
			return a.serveWorker(cmd.Context(), w, interval, metricsAddr)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Do one unit of work and exit (exit code 2 when idle)")
	cmd.Flags().DurationVar(&interval, "interval", worker.DefaultPollInterval, "Poll interval (default worker.poll_interval_sec)")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "Worker identity (default worker.id, else hostname-pid)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default metrics.listen_addr)")
	return cmd
}

func (a *app) newWorker(ctx context.Context, id string) (*worker.Worker, error) {
	q, err := a.queue(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.project.Config
	if id == "" {
		id = cfg.Worker.ID
	}

	gates := gate.NewRunner(cfg.Gates, a.logger("gate"))
	gates.SetMetrics(a.metrics)

	log := a.logger("worker")
	var heads worker.HeadResolver
	repo := a.project.Path(cfg.Queue.RepoPath)
	if _, err := vcs.FindRepoRoot(repo); err != nil {
		log.Warnf("freshness_guard_disabled repo=%s: %v", repo, err)
	} else {
		heads = vcs.NewTarget(repo, cfg.Queue.TargetBranch)
	}

	return worker.New(q, gates, worker.Options{
		ID:             id,
		WorkingDirRoot: a.project.Path(cfg.Worker.WorkingDirRoot),
		Integrator:     worker.NewIntegrator(cfg.Worker.IntegrateCommand),
		Rebaser:        worker.NewRebaser(cfg.Worker.RebaseCommand),
		Heads:          heads,
	}, log), nil
}

func (a *app) runOnce(cmd *cobra.Command, w *worker.Worker) error {
	defer w.Shutdown()
	c, err := w.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	if emitErr := a.emit(cmd, c, func(out io.Writer) { printCycle(out, c) }); emitErr != nil {
		return emitErr
	}
	switch c.Action {
	case worker.ActionIdle:
		return &exitErr{code: exitNothing}
	case worker.ActionBusy:
		return &exitErr{code: exitContested}
	}
	return nil
}

// serveWorker runs the worker loop and, when addr is set, the metrics
// endpoint. Either one failing stops both.
func (a *app) serveWorker(ctx context.Context, w *worker.Worker, interval time.Duration, addr string) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen metrics: %w", err)
		}
		a.logger("worker").Infof("metrics_listen addr=%s", ln.Addr())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return w.Run(gctx, interval) })
	return g.Wait()
}

func printCycle(w io.Writer, c worker.Cycle) {
	switch c.Action {
	case worker.ActionIdle:
		fmt.Fprintln(w, "Nothing to do")
	case worker.ActionBusy:
		fmt.Fprintf(w, "Queue is being processed by %s\n", c.Holder)
	case worker.ActionIntegrated:
		fmt.Fprintf(w, "Integrated %s\n", c.Workspace)
	case worker.ActionIntegrationFailed:
		msg := ""
		if c.Entry != nil && c.Entry.ErrorMessage != nil {
			msg = *c.Entry.ErrorMessage
		}
		fmt.Fprintf(w, "Integration of %s failed: %s\n", c.Workspace, msg)
	case worker.ActionRebaseFailed:
		msg := ""
		if c.Entry != nil && c.Entry.ErrorMessage != nil {
			msg = *c.Entry.ErrorMessage
		}
		fmt.Fprintf(w, "Rebase of %s failed: %s\n", c.Workspace, msg)
	default:
		if c.Result == nil {
			fmt.Fprintf(w, "%s %s\n", c.Action, c.Workspace)
			return
		}
		if c.Result.Message != "" {
			fmt.Fprintf(w, "%s %s: %s (%s)\n", c.Action, c.Workspace, c.Result.Status, c.Result.Message)
			return
		}
		fmt.Fprintf(w, "%s %s: %s\n", c.Action, c.Workspace, c.Result.Status)
	}
}
