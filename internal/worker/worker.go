package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/queue"
)

const (
	DefaultPollInterval = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
)

// Action names what a single worker cycle did.
type Action string

const (
	ActionIdle              Action = "idle"
	ActionBusy              Action = "busy"
	ActionProcessed         Action = "processed"
	ActionRetested          Action = "retested"
	ActionIntegrated        Action = "integrated"
	ActionIntegrationFailed Action = "integration_failed"
	ActionRebaseFailed      Action = "rebase_failed"
)

// Cycle reports the outcome of RunOnce.
type Cycle struct {
	Action    Action            `json:"action"`
	Workspace string            `json:"workspace,omitempty"`
	Result    *Result           `json:"result,omitempty"`
	Entry     *model.QueueEntry `json:"entry,omitempty"`
	Holder    string            `json:"holder,omitempty"`
}

type Options struct {
	// ID identifies this worker in leases and events. Defaults to hostname-pid.
	ID             string
	WorkingDirRoot string
	Integrator     Integrator
	// Rebaser updates a stale checkout before its retest. Defaults to NoopRebaser.
	Rebaser Rebaser
	// Heads is optional; without it freshness is not checked and
	// tested_against_sha is not recorded.
	Heads HeadResolver
}

type Worker struct {
	id         string
	queue      *queue.Queue
	pipeline   *Pipeline
	integrator Integrator
	rebaser    Rebaser
	heads      HeadResolver
	root       string
	tracker    *ClaimTracker
	log        *logging.Logger

	shutdown sync.Once
}

func New(q *queue.Queue, gates GateExecutor, opts Options, logger *logging.Logger) *Worker {
	id := opts.ID
	if id == "" {
		id = DefaultID()
	}
	integrator := opts.Integrator
	if integrator == nil {
		integrator = NoopIntegrator{}
	}
	rebaser := opts.Rebaser
	if rebaser == nil {
		rebaser = NoopRebaser{}
	}
	root := opts.WorkingDirRoot
	if root == "" {
		root = "workspaces"
	}
	pipeline := NewPipeline(q, gates, logger)
	pipeline.SetLease(q.LockTimeout())
	return &Worker{
		id:         id,
		queue:      q,
		pipeline:   pipeline,
		integrator: integrator,
		rebaser:    rebaser,
		heads:      opts.Heads,
		root:       root,
		tracker:    NewClaimTracker(),
		log:        logger,
	}
}

// DefaultID returns "<hostname>-<pid>".
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Tracker() *ClaimTracker { return w.tracker }

// WorkingDir is the checkout the gates run in for workspace.
func (w *Worker) WorkingDir(workspace string) string {
	return filepath.Join(w.root, workspace)
}

// RunOnce performs one unit of work. Integration of the oldest ReadyToMerge
// entry takes precedence over testing a new pending entry.
func (w *Worker) RunOnce(ctx context.Context) (Cycle, error) {
	if c, handled, err := w.integrateReady(ctx); handled || err != nil {
		return c, err
	}

	entry, err := w.queue.ClaimNext(ctx, w.id)
	if err != nil {
		var held *queue.ProcessingLockHeldError
		if errors.As(err, &held) {
			return Cycle{Action: ActionBusy, Holder: held.Holder}, nil
		}
		return Cycle{}, fmt.Errorf("claim next: %w", err)
	}
	if entry == nil {
		return Cycle{Action: ActionIdle}, nil
	}

	ws := entry.Workspace
	w.tracker.Track(ws)
	head := w.currentHead(ctx)
	res, err := w.pipeline.ProcessClaimedEntry(ctx, ws, w.id, w.WorkingDir(ws))
	if err != nil {
		w.handBackLost(ctx, ws, err)
		return Cycle{Action: ActionProcessed, Workspace: ws, Result: &res}, err
	}
	w.tracker.Untrack(ws)
	w.recordTested(ctx, res, head)
	return Cycle{Action: ActionProcessed, Workspace: ws, Result: &res, Entry: res.Entry}, nil
}

// integrateReady handles the oldest ReadyToMerge entry under the processing
// lock. handled is false when there was nothing to integrate.
func (w *Worker) integrateReady(ctx context.Context) (c Cycle, handled bool, err error) {
	ready, err := w.queue.NextReady(ctx)
	if err != nil || ready == nil {
		return Cycle{}, false, err
	}
	if _, err := w.queue.ClaimProcessingLock(ctx, w.id, 0); err != nil {
		var held *queue.ProcessingLockHeldError
		if errors.As(err, &held) {
			return Cycle{Action: ActionBusy, Holder: held.Holder}, true, nil
		}
		return Cycle{}, true, fmt.Errorf("claim processing lock: %w", err)
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := w.queue.ReleaseProcessingLock(context.WithoutCancel(ctx), w.id); err != nil {
			w.log.Errorf("processing_lock_release_failed worker=%s: %v", w.id, err)
		}
	}
	defer release()

	// Another worker may have finished it between the peek and the lock.
	entry, err := w.queue.NextReady(ctx)
	if err != nil {
		return Cycle{}, true, err
	}
	if entry == nil {
		return Cycle{}, false, nil
	}
	ws := entry.Workspace

	if w.heads != nil {
		head, err := w.heads.HeadSHA(ctx)
		if err != nil {
			return Cycle{}, true, fmt.Errorf("resolve target head: %w", err)
		}
		fresh, err := w.queue.CheckFreshness(ctx, ws, head, w.id)
		if err != nil {
			return Cycle{}, true, err
		}
		if !fresh {
			return w.rebaseAndRetest(ctx, *entry, head, func() { released = true })
		}
	}

	stepCtx, stopRenewal := w.pipeline.renewLease(ctx, ws, w.id)
	err = w.integrator.Integrate(stepCtx, *entry, w.WorkingDir(ws))
	lost := stopRenewal()
	if err != nil {
		if lost {
			return Cycle{}, true, fmt.Errorf("integration of %s: %w", ws, ErrLeaseLost)
		}
		if ctx.Err() != nil {
			return Cycle{}, true, fmt.Errorf("integration of %s interrupted: %w", ws, err)
		}
		msg := fmt.Sprintf("Integration failed: %v", err)
		failed, ferr := w.queue.TransitionToFailed(ctx, ws, msg, true)
		if ferr != nil {
			return Cycle{}, true, fmt.Errorf("record integration failure for %s: %w", ws, ferr)
		}
		w.log.Warnf("integration_failed workspace=%s status=%s: %v", ws, failed.Status, err)
		return Cycle{Action: ActionIntegrationFailed, Workspace: ws, Entry: failed}, true, nil
	}

	done, err := w.queue.Complete(ctx, ws)
	if err != nil {
		return Cycle{}, true, fmt.Errorf("complete %s: %w", ws, err)
	}
	w.log.Infof("integrated workspace=%s id=%d", ws, done.ID)
	return Cycle{Action: ActionIntegrated, Workspace: ws, Entry: done}, true, nil
}

// rebaseAndRetest runs after a failed freshness check, with the entry back in
// Testing and the processing lock held. The checkout is rebased onto head and
// the gates run again; a failed rebase is a failed attempt. handOff is called
// once the pipeline takes over releasing the lock.
func (w *Worker) rebaseAndRetest(ctx context.Context, entry model.QueueEntry, head string, handOff func()) (Cycle, bool, error) {
	ws := entry.Workspace
	dir := w.WorkingDir(ws)
	w.tracker.Track(ws)

	stepCtx, stopRenewal := w.pipeline.renewLease(ctx, ws, w.id)
	err := w.rebaser.Rebase(stepCtx, entry, dir, head)
	lost := stopRenewal()
	if err != nil {
		switch {
		case lost:
			w.handBack(ctx, ws)
			return Cycle{}, true, fmt.Errorf("rebase of %s: %w", ws, ErrLeaseLost)
		case ctx.Err() != nil:
			// Left tracked; Shutdown hands it back.
			return Cycle{}, true, fmt.Errorf("rebase of %s interrupted: %w", ws, err)
		}
		msg := fmt.Sprintf("Rebase failed: %v", err)
		failed, ferr := w.queue.TransitionToFailed(ctx, ws, msg, true)
		if ferr != nil {
			return Cycle{}, true, fmt.Errorf("record rebase failure for %s: %w", ws, ferr)
		}
		w.tracker.Untrack(ws)
		w.log.Warnf("rebase_failed workspace=%s status=%s: %v", ws, failed.Status, err)
		return Cycle{Action: ActionRebaseFailed, Workspace: ws, Entry: failed}, true, nil
	}
	if _, err := w.queue.RecordRebase(ctx, ws, head); err != nil {
		return Cycle{}, true, fmt.Errorf("record rebase for %s: %w", ws, err)
	}

	handOff()
	res, err := w.pipeline.ProcessClaimedEntry(ctx, ws, w.id, dir)
	if err != nil {
		w.handBackLost(ctx, ws, err)
		return Cycle{Action: ActionRetested, Workspace: ws, Result: &res}, true, err
	}
	w.tracker.Untrack(ws)
	w.recordTested(ctx, res, head)
	return Cycle{Action: ActionRetested, Workspace: ws, Result: &res, Entry: res.Entry}, true, nil
}

// handBackLost returns ws to Pending right away when err says the processing
// lease was lost mid-run, instead of waiting for shutdown or stale recovery.
func (w *Worker) handBackLost(ctx context.Context, ws string, err error) {
	if errors.Is(err, ErrLeaseLost) {
		w.handBack(ctx, ws)
	}
}

func (w *Worker) handBack(ctx context.Context, ws string) {
	if err := w.queue.ReleaseClaim(context.WithoutCancel(ctx), ws, w.id); err != nil {
		w.log.Errorf("release_claim_failed workspace=%s: %v", ws, err)
		return
	}
	w.tracker.Untrack(ws)
}

func (w *Worker) currentHead(ctx context.Context) string {
	if w.heads == nil {
		return ""
	}
	head, err := w.heads.HeadSHA(ctx)
	if err != nil {
		w.log.Warnf("head_resolve_failed: %v", err)
		return ""
	}
	return head
}

func (w *Worker) recordTested(ctx context.Context, res Result, head string) {
	if head == "" || res.Status != model.QueueStatusReadyToMerge {
		return
	}
	if err := w.queue.MarkTested(ctx, res.Workspace, head); err != nil {
		w.log.Warnf("mark_tested_failed workspace=%s: %v", res.Workspace, err)
	}
}

// Run loops RunOnce until ctx is cancelled, draining all available work
// before sleeping for interval. Claims still held on exit are handed back.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	defer w.Shutdown()

	w.log.Infof("worker_start id=%s interval=%s root=%s", w.id, interval, w.root)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		c, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Errorf("worker_cycle_failed id=%s: %v", w.id, err)
			}
			return
		}
		switch c.Action {
		case ActionIdle, ActionBusy:
			w.log.Debugf("worker_cycle id=%s action=%s holder=%s", w.id, c.Action, c.Holder)
			return
		}
		w.log.Infof("worker_cycle id=%s action=%s workspace=%s", w.id, c.Action, c.Workspace)
	}
}

// Shutdown hands tracked claims back to Pending and drops this worker's
// processing lease. Safe to call more than once.
func (w *Worker) Shutdown() {
	w.shutdown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, ws := range w.tracker.Claimed() {
			if err := w.queue.ReleaseClaim(ctx, ws, w.id); err != nil {
				w.log.Errorf("release_claim_failed workspace=%s: %v", ws, err)
				continue
			}
			w.tracker.Untrack(ws)
			w.log.Infof("release_claim workspace=%s", ws)
		}
		if err := w.queue.ReleaseProcessingLock(ctx, w.id); err != nil {
			w.log.Errorf("processing_lock_release_failed worker=%s: %v", w.id, err)
		}
		w.log.Infof("worker_stop id=%s", w.id)
	})
}
