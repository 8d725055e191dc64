package queue

import (
	"context"
	"database/sql"

	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/store"
)

// ClaimNext runs the stale-recovery sweep, takes the processing lock and
// stamps the next pending entry with workerID. A failed sweep is logged and
// does not stop the claim. On success the processing lock stays held and the
// caller must release it; when the queue is empty the lock is released and
// (nil, nil) is returned.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*model.QueueEntry, error) {
	if _, err := q.sweep(ctx); err != nil {
		q.log.Warnf("stale_recovery_failed worker=%s: %v", workerID, err)
	}

	if _, err := q.ClaimProcessingLock(ctx, workerID, 0); err != nil {
		return nil, err
	}

	entry, err := q.claimPending(ctx, workerID)
	if err != nil || entry == nil {
		if relErr := q.ReleaseProcessingLock(ctx, workerID); relErr != nil {
			q.log.Warnf("processing_lock_release_failed worker=%s: %v", workerID, relErr)
		}
		return nil, err
	}

	q.log.Infof("queue_claim id=%d workspace=%s worker=%s attempts=%d/%d",
		entry.ID, entry.Workspace, workerID, entry.AttemptCount, entry.MaxAttempts)
	return entry, nil
}

func (q *Queue) claimPending(ctx context.Context, workerID string) (*model.QueueEntry, error) {
	now := q.now()
	var claimed *model.QueueEntry
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		e, err := nextWithStatus(ctx, tx, model.QueueStatusPending)
		if err != nil || e == nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE merge_queue SET agent_id = ? WHERE id = ? AND status = 'pending'`, workerID, e.ID)
		if err != nil {
			return store.Wrap("claim queue entry", err)
		}
		n, err := store.RowsAffected(res, "claim queue entry")
		if err != nil {
			return err
		}
		if n == 0 {
			return &ConcurrentUpdateError{Workspace: e.Workspace, ID: e.ID, Expected: model.QueueStatusPending}
		}
		if err := appendEvent(ctx, tx, e.ID, model.QueueEventClaimed, map[string]any{"agent_id": workerID}, now); err != nil {
			return err
		}
		agent := workerID
		e.AgentID = &agent
		claimed = e
		return nil
	})
	return claimed, err
}

// ReleaseClaim returns an entry claimed or under test by workerID to Pending.
// Used on graceful shutdown so the entry does not wait for stale recovery.
func (q *Queue) ReleaseClaim(ctx context.Context, workspace, workerID string) error {
	now := q.now()
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		e, err := byWorkspace(ctx, tx, workspace)
		if err != nil {
			return err
		}
		if e == nil || e.AgentID == nil || *e.AgentID != workerID {
			return nil
		}
		switch e.Status {
		case model.QueueStatusPending:
			res, err := tx.ExecContext(ctx,
				`UPDATE merge_queue SET agent_id = NULL WHERE id = ? AND status = 'pending' AND agent_id = ?`, e.ID, workerID)
			if err != nil {
				return store.Wrap("release claim", err)
			}
			n, err := store.RowsAffected(res, "release claim")
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			return appendEvent(ctx, tx, e.ID, model.QueueEventRecovered, map[string]any{"reason": "shutdown", "agent_id": workerID}, now)
		case model.QueueStatusTesting:
			_, err := q.apply(ctx, tx, e, change{
				to:      model.QueueStatusPending,
				event:   model.QueueEventRecovered,
				details: map[string]any{"reason": "shutdown", "agent_id": workerID},
			}, now)
			return err
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	q.log.Infof("claim_release workspace=%s worker=%s", workspace, workerID)
	return nil
}
