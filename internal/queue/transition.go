package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/store"
)

// change describes one guarded status transition. Nil pointer fields keep the
// current column value.
type change struct {
	to           model.QueueStatus
	event        model.QueueEventType
	details      map[string]any
	errorMessage *string
	attemptCount *int
	headSHA      *string
	agentID      *string
}

// apply performs the transition as a single UPDATE guarded by the status and
// attempt count that were read, then appends the event. It returns
// *ConcurrentUpdateError when the guard matches no row.
func (q *Queue) apply(ctx context.Context, tx *sql.Tx, e *model.QueueEntry, c change, now time.Time) (*model.QueueEntry, error) {
	next := *e
	next.Status = c.to
	next.WorkspaceState = model.WorkspaceStateFor(c.to)
	prev := string(e.Status)
	next.PreviousState = &prev
	next.StateChangedAt = &now

	switch {
	case c.to == model.QueueStatusTesting:
		next.StartedAt = &now
		next.CompletedAt = nil
	case c.to == model.QueueStatusPending:
		next.StartedAt = nil
		next.CompletedAt = nil
		next.AgentID = nil
	case model.IsQueueTerminal(c.to):
		next.CompletedAt = &now
	}
	if c.agentID != nil {
		next.AgentID = c.agentID
	}
	if c.errorMessage != nil {
		next.ErrorMessage = c.errorMessage
	}
	if c.attemptCount != nil {
		next.AttemptCount = *c.attemptCount
	}
	if c.headSHA != nil {
		next.HeadSHA = c.headSHA
	}

	res, err := tx.ExecContext(ctx, `
UPDATE merge_queue SET
  status = ?, workspace_state = ?, previous_state = ?, state_changed_at = ?,
  started_at = ?, completed_at = ?, agent_id = ?, error_message = ?,
  attempt_count = ?, head_sha = ?
WHERE id = ? AND status = ? AND attempt_count = ?`,
		string(next.Status), string(next.WorkspaceState), prev, store.Millis(now),
		store.NullMillis(next.StartedAt), store.NullMillis(next.CompletedAt),
		store.NullString(next.AgentID), store.NullString(next.ErrorMessage),
		next.AttemptCount, store.NullString(next.HeadSHA),
		e.ID, string(e.Status), e.AttemptCount)
	if err != nil {
		return nil, store.Wrap("update queue entry", err)
	}
	n, err := store.RowsAffected(res, "update queue entry")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &ConcurrentUpdateError{Workspace: e.Workspace, ID: e.ID, Expected: e.Status}
	}

	eventType := c.event
	if eventType == "" {
		eventType = model.QueueEventTransitioned
	}
	details := map[string]any{"from": prev, "to": string(c.to)}
	for k, v := range c.details {
		details[k] = v
	}
	if err := appendEvent(ctx, tx, e.ID, eventType, details, now); err != nil {
		return nil, err
	}
	return &next, nil
}

// transition loads the target entry inside a write transaction, validates
// the move against the state machine and applies it.
func (q *Queue) transition(ctx context.Context, load func(querier) (*model.QueueEntry, error), build func(*model.QueueEntry) (change, error)) (*model.QueueEntry, error) {
	now := q.now()
	var (
		before  model.QueueEntry
		updated *model.QueueEntry
	)
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		e, err := load(tx)
		if err != nil {
			return err
		}
		c, err := build(e)
		if err != nil {
			return err
		}
		if e.Status == c.to && c.event == "" {
			updated = e
			return nil
		}
		if err := model.ValidateQueueTransition(e.Status, c.to); err != nil {
			return &TransitionError{Workspace: e.Workspace, From: e.Status, To: c.to, Err: err}
		}
		before = *e
		updated, err = q.apply(ctx, tx, e, c, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if before.ID != 0 {
		q.metrics.QueueTransition(string(before.Status), string(updated.Status))
		q.log.Infof("queue_transition id=%d workspace=%s from=%s to=%s attempts=%d/%d",
			updated.ID, updated.Workspace, before.Status, updated.Status, updated.AttemptCount, updated.MaxAttempts)
	}
	return updated, nil
}

func loadWorkspace(ctx context.Context, workspace string) func(querier) (*model.QueueEntry, error) {
	return func(qr querier) (*model.QueueEntry, error) {
		e, err := byWorkspace(ctx, qr, workspace)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, &NotFoundError{Workspace: workspace}
		}
		return e, nil
	}
}

func loadID(ctx context.Context, id int64) func(querier) (*model.QueueEntry, error) {
	return func(qr querier) (*model.QueueEntry, error) {
		e, err := getByID(ctx, qr, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, &NotFoundError{ID: id}
		}
		return e, nil
	}
}

// TransitionTo moves the workspace's entry to status. A transition to the
// current status is a no-op.
func (q *Queue) TransitionTo(ctx context.Context, workspace string, status model.QueueStatus) (*model.QueueEntry, error) {
	return q.transition(ctx, loadWorkspace(ctx, workspace), func(*model.QueueEntry) (change, error) {
		return change{to: status}, nil
	})
}

// TransitionToFailed records a failed attempt. The entry becomes
// FailedRetryable when retryable and attempts remain, FailedPermanent otherwise;
// FailedPermanent is reached exactly when attempt_count == max_attempts.
func (q *Queue) TransitionToFailed(ctx context.Context, workspace, message string, retryable bool) (*model.QueueEntry, error) {
	return q.transition(ctx, loadWorkspace(ctx, workspace), func(e *model.QueueEntry) (change, error) {
		attempts := e.AttemptCount + 1
		if attempts > e.MaxAttempts {
			attempts = e.MaxAttempts
		}
		to := model.QueueStatusFailedPermanent
		if retryable && attempts < e.MaxAttempts {
			to = model.QueueStatusFailedRetryable
		}
		return change{
			to:           to,
			event:        model.QueueEventFailed,
			errorMessage: &message,
			attemptCount: &attempts,
			details: map[string]any{
				"message":      message,
				"retryable":    retryable,
				"attempt":      attempts,
				"max_attempts": e.MaxAttempts,
			},
		}, nil
	})
}

// Retry returns a FailedRetryable entry to Pending. If its attempts are used
// up it is moved to FailedPermanent and ErrAttemptsExhausted is returned along
// with the updated entry.
func (q *Queue) Retry(ctx context.Context, id int64) (*model.QueueEntry, error) {
	exhausted := false
	e, err := q.transition(ctx, loadID(ctx, id), func(e *model.QueueEntry) (change, error) {
		if e.Status != model.QueueStatusFailedRetryable {
			return change{}, &TransitionError{
				Workspace: e.Workspace, From: e.Status, To: model.QueueStatusPending,
				Err: errors.New("only failed_retryable entries can be retried"),
			}
		}
		if e.AttemptCount >= e.MaxAttempts {
			exhausted = true
			return change{to: model.QueueStatusFailedPermanent, details: map[string]any{"reason": "attempts_exhausted"}}, nil
		}
		return change{to: model.QueueStatusPending, event: model.QueueEventRetried, details: map[string]any{"attempt": e.AttemptCount}}, nil
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		return e, ErrAttemptsExhausted
	}
	return e, nil
}

// Cancel moves any live entry to Cancelled.
func (q *Queue) Cancel(ctx context.Context, id int64) (*model.QueueEntry, error) {
	return q.transition(ctx, loadID(ctx, id), func(*model.QueueEntry) (change, error) {
		return change{to: model.QueueStatusCancelled, event: model.QueueEventCancelled}, nil
	})
}

// Complete marks a ReadyToMerge entry as integrated.
func (q *Queue) Complete(ctx context.Context, workspace string) (*model.QueueEntry, error) {
	return q.transition(ctx, loadWorkspace(ctx, workspace), func(e *model.QueueEntry) (change, error) {
		if e.Status != model.QueueStatusReadyToMerge {
			return change{}, &TransitionError{
				Workspace: e.Workspace, From: e.Status, To: model.QueueStatusCompleted,
				Err: errors.New("only ready_to_merge entries can be completed"),
			}
		}
		return change{to: model.QueueStatusCompleted, event: model.QueueEventCompleted}, nil
	})
}

// MarkTested records the target HEAD the passing gates ran against.
func (q *Queue) MarkTested(ctx context.Context, workspace, testedAgainstSHA string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE merge_queue SET tested_against_sha = ?
WHERE workspace = ? AND status IN ('testing', 'ready_to_merge')`,
		testedAgainstSHA, workspace)
	if err != nil {
		return store.Wrap("mark tested", err)
	}
	n, err := store.RowsAffected(res, "mark tested")
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Workspace: workspace}
	}
	return nil
}

// CheckFreshness compares the target's current HEAD with the entry's
// head_sha baseline. A ReadyToMerge entry whose baseline is stale is moved back
// to Testing, re-based on currentHead, stamped with workerID as its claimant,
// and false is returned. An entry with no baseline is considered fresh.
func (q *Queue) CheckFreshness(ctx context.Context, workspace, currentHead, workerID string) (bool, error) {
	fresh := true
	_, err := q.transition(ctx, loadWorkspace(ctx, workspace), func(e *model.QueueEntry) (change, error) {
		if e.Status != model.QueueStatusReadyToMerge {
			return change{}, &TransitionError{
				Workspace: e.Workspace, From: e.Status, To: model.QueueStatusCompleted,
				Err: errors.New("freshness is only checked for ready_to_merge entries"),
			}
		}
		if e.HeadSHA == nil || *e.HeadSHA == currentHead {
			// Self transition without an event: no write.
			return change{to: e.Status}, nil
		}
		fresh = false
		head := currentHead
		c := change{
			to:      model.QueueStatusTesting,
			event:   model.QueueEventFreshnessFailed,
			headSHA: &head,
			details: map[string]any{"expected_head": *e.HeadSHA, "actual_head": currentHead},
		}
		if workerID != "" {
			c.agentID = &workerID
			c.details["agent_id"] = workerID
		}
		return c, nil
	})
	if err != nil {
		return false, err
	}
	if !fresh {
		q.log.Warnf("freshness_failed workspace=%s head=%s: returning to testing", workspace, currentHead)
	}
	return fresh, nil
}

// RecordRebase notes that a Testing entry's checkout was rebased onto
// testedAgainstSHA: the rebase count is bumped, tested_against_sha and
// last_rebased_at are set, and a rebased event is appended.
func (q *Queue) RecordRebase(ctx context.Context, workspace, testedAgainstSHA string) (*model.QueueEntry, error) {
	now := q.now()
	var updated *model.QueueEntry
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		e, err := byWorkspace(ctx, tx, workspace)
		if err != nil {
			return err
		}
		if e == nil {
			return &NotFoundError{Workspace: workspace}
		}
		if e.Status != model.QueueStatusTesting {
			return &TransitionError{
				Workspace: e.Workspace, From: e.Status, To: model.QueueStatusTesting,
				Err: errors.New("only testing entries can record a rebase"),
			}
		}
		res, err := tx.ExecContext(ctx, `
UPDATE merge_queue SET rebase_count = rebase_count + 1, last_rebased_at = ?, tested_against_sha = ?
WHERE id = ? AND status = 'testing'`,
			store.Millis(now), testedAgainstSHA, e.ID)
		if err != nil {
			return store.Wrap("record rebase", err)
		}
		n, err := store.RowsAffected(res, "record rebase")
		if err != nil {
			return err
		}
		if n == 0 {
			return &ConcurrentUpdateError{Workspace: e.Workspace, ID: e.ID, Expected: model.QueueStatusTesting}
		}
		if err := appendEvent(ctx, tx, e.ID, model.QueueEventRebased, map[string]any{
			"tested_against_sha": testedAgainstSHA,
			"rebase_count":       e.RebaseCount + 1,
		}, now); err != nil {
			return err
		}
		updated, err = getByID(ctx, tx, e.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	q.log.Infof("queue_rebase workspace=%s tested_against=%s count=%d", workspace, testedAgainstSHA, updated.RebaseCount)
	return updated, nil
}
