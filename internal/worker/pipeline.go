// Package worker drives claimed merge-queue entries through the quality gates
// and integrates entries whose results are still fresh.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/isolate/internal/gate"
	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/queue"
)

// ErrLeaseLost means the processing lease could not be renewed while the
// gates ran; another worker may own the queue by now.
var ErrLeaseLost = errors.New("processing lease lost")

// GateExecutor runs the quality gates for a workspace checkout. The local
// subprocess runner is one implementation; the pipeline does not care which.
type GateExecutor interface {
	ExecuteQualityGates(ctx context.Context, workingDir string) (gate.Outcome, error)
}

// Queue is the part of the merge queue the pipeline writes to.
type Queue interface {
	TransitionTo(ctx context.Context, workspace string, status model.QueueStatus) (*model.QueueEntry, error)
	TransitionToFailed(ctx context.Context, workspace, message string, retryable bool) (*model.QueueEntry, error)
	ExtendProcessingLock(ctx context.Context, workerID string, lease time.Duration) error
	ReleaseProcessingLock(ctx context.Context, workerID string) error
}

// Result is the state a processed entry ended in.
type Result struct {
	Workspace string            `json:"workspace"`
	Status    model.QueueStatus `json:"status"`
	Message   string            `json:"message,omitempty"`
	Gates     *gate.Outcome     `json:"gates,omitempty"`
	Entry     *model.QueueEntry `json:"entry,omitempty"`
}

type Pipeline struct {
	queue Queue
	gates GateExecutor
	log   *logging.Logger

	// lease is the processing lease renewed while gates run; zero disables
	// renewal. renewEvery defaults to lease/3.
	lease      time.Duration
	renewEvery time.Duration
}

func NewPipeline(q Queue, gates GateExecutor, logger *logging.Logger) *Pipeline {
	return &Pipeline{queue: q, gates: gates, log: logger}
}

// SetLease makes the pipeline keep the processing lease alive for the length
// of the gate run, extending it by lease every lease/3.
func (p *Pipeline) SetLease(lease time.Duration) {
	p.lease = lease
	p.renewEvery = lease / 3
}

// ProcessClaimedEntry moves workspace to Testing, runs the gates in
// workingDir and records ReadyToMerge or a retryable failure. The processing
// lock held by workerID is released exactly once on every return path.
func (p *Pipeline) ProcessClaimedEntry(ctx context.Context, workspace, workerID, workingDir string) (res Result, err error) {
	defer func() {
		// Release must still run when ctx was cancelled mid-gate.
		relErr := p.queue.ReleaseProcessingLock(context.WithoutCancel(ctx), workerID)
		if relErr != nil {
			p.log.Errorf("processing_lock_release_failed worker=%s workspace=%s: %v", workerID, workspace, relErr)
			if err == nil {
				err = fmt.Errorf("release processing lock: %w", relErr)
			}
		}
	}()

	res.Workspace = workspace
	if _, err := p.queue.TransitionTo(ctx, workspace, model.QueueStatusTesting); err != nil {
		return res, fmt.Errorf("start testing %s: %w", workspace, err)
	}
	p.log.Infof("pipeline_testing workspace=%s worker=%s dir=%s", workspace, workerID, workingDir)

	gateCtx, stopRenewal := p.renewLease(ctx, workspace, workerID)
	outcome, gateErr := p.gates.ExecuteQualityGates(gateCtx, workingDir)
	if stopRenewal() {
		// Whatever the gates said, the entry may already belong to someone else.
		return res, fmt.Errorf("gates for %s: %w", workspace, ErrLeaseLost)
	}
	if gateErr != nil {
		if ctx.Err() != nil {
			// Shutdown, not a failed attempt; the entry is handed back by the claim tracker.
			return res, fmt.Errorf("gates interrupted for %s: %w", workspace, errors.Join(gateErr, ctx.Err()))
		}
		msg := fmt.Sprintf("Gate execution error: %v", gateErr)
		return p.fail(ctx, res, workspace, msg)
	}
	res.Gates = &outcome

	if outcome.Status.Success() {
		entry, err := p.queue.TransitionTo(ctx, workspace, model.QueueStatusReadyToMerge)
		if err != nil {
			return res, fmt.Errorf("mark %s ready: %w", workspace, err)
		}
		res.Status = entry.Status
		res.Entry = entry
		p.log.Infof("pipeline_ready workspace=%s", workspace)
		return res, nil
	}
	return p.fail(ctx, res, workspace, gate.FailureMessage(outcome))
}

// renewLease extends workerID's processing lease on a ticker until stop is
// called. If the lease turns out to be gone, the returned context is
// cancelled and stop reports true.
func (p *Pipeline) renewLease(ctx context.Context, workspace, workerID string) (context.Context, func() (lost bool)) {
	if p.lease <= 0 || p.renewEvery <= 0 {
		return ctx, func() bool { return false }
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
			err := p.queue.ExtendProcessingLock(runCtx, workerID, p.lease)
			switch {
			case err == nil:
				p.log.Debugf("processing_lease_renewed worker=%s workspace=%s", workerID, workspace)
			case errors.Is(err, queue.ErrNotProcessingLockHolder):
				p.log.Errorf("processing_lease_lost worker=%s workspace=%s", workerID, workspace)
				cancel(ErrLeaseLost)
				return
			case runCtx.Err() != nil:
				return
			default:
				// Retried on the next tick; the lease outlives two missed renewals.
				p.log.Warnf("processing_lease_renew_failed worker=%s workspace=%s: %v", workerID, workspace, err)
			}
		}
	}()
	return runCtx, func() bool {
		close(done)
		wg.Wait()
		lost := errors.Is(context.Cause(runCtx), ErrLeaseLost)
		cancel(nil)
		return lost
	}
}

func (p *Pipeline) fail(ctx context.Context, res Result, workspace, msg string) (Result, error) {
	entry, err := p.queue.TransitionToFailed(ctx, workspace, msg, true)
	if err != nil {
		return res, fmt.Errorf("record failure for %s: %w", workspace, err)
	}
	res.Status = entry.Status
	res.Message = msg
	res.Entry = entry
	p.log.Warnf("pipeline_failed workspace=%s status=%s attempts=%d/%d: %s",
		workspace, entry.Status, entry.AttemptCount, entry.MaxAttempts, msg)
	return res, nil
}
