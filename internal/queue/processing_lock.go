package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/store"
)

// ClaimProcessingLock takes the global processing lease for workerID. The
// single row is replaced only when it has expired or already belongs to
// workerID; otherwise *ProcessingLockHeldError is returned. lease <= 0 uses
// the queue lock timeout.
func (q *Queue) ClaimProcessingLock(ctx context.Context, workerID string, lease time.Duration) (model.ProcessingLock, error) {
	if strings.TrimSpace(workerID) == "" {
		return model.ProcessingLock{}, errors.New("worker id must not be empty")
	}
	if lease <= 0 {
		lease = q.lockTimeout
	}
	now := q.now()
	pl := model.ProcessingLock{
		AgentID:    workerID,
		AcquiredAt: store.FromMillis(store.Millis(now)),
		ExpiresAt:  store.FromMillis(store.Millis(now.Add(lease))),
	}

	res, err := q.db.ExecContext(ctx, `
INSERT INTO queue_processing_lock (id, agent_id, acquired_at, expires_at)
VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  agent_id = excluded.agent_id,
  acquired_at = excluded.acquired_at,
  expires_at = excluded.expires_at
WHERE queue_processing_lock.expires_at <= excluded.acquired_at
   OR queue_processing_lock.agent_id = excluded.agent_id`,
		workerID, store.Millis(pl.AcquiredAt), store.Millis(pl.ExpiresAt))
	if err != nil {
		return model.ProcessingLock{}, store.Wrap("claim processing lock", err)
	}
	n, err := store.RowsAffected(res, "claim processing lock")
	if err != nil {
		return model.ProcessingLock{}, err
	}
	if n == 0 {
		held, err := q.ProcessingLockHolder(ctx)
		if err != nil {
			return model.ProcessingLock{}, err
		}
		e := &ProcessingLockHeldError{}
		if held != nil {
			e.Holder, e.ExpiresAt = held.AgentID, held.ExpiresAt
		}
		q.metrics.ProcessingLock("held")
		q.log.Debugf("processing_lock_busy worker=%s holder=%s", workerID, e.Holder)
		return model.ProcessingLock{}, e
	}

	q.metrics.ProcessingLock("acquired")
	q.log.Infof("processing_lock_acquire worker=%s expires=%s", workerID, pl.ExpiresAt.Format(time.RFC3339))
	return pl, nil
}

// ReleaseProcessingLock drops workerID's processing lease. Releasing a lease
// that is already gone, expired or held by someone else is not an error.
func (q *Queue) ReleaseProcessingLock(ctx context.Context, workerID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_processing_lock WHERE id = 1 AND agent_id = ?`, workerID)
	if err != nil {
		return store.Wrap("release processing lock", err)
	}
	n, err := store.RowsAffected(res, "release processing lock")
	if err != nil {
		return err
	}
	q.metrics.ProcessingLock("released")
	q.log.Infof("processing_lock_release worker=%s released=%t", workerID, n > 0)
	return nil
}

// ExtendProcessingLock pushes the expiry of workerID's valid lease.
func (q *Queue) ExtendProcessingLock(ctx context.Context, workerID string, lease time.Duration) error {
	if lease <= 0 {
		lease = q.lockTimeout
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_processing_lock SET expires_at = ? WHERE id = 1 AND agent_id = ? AND expires_at > ?`,
		store.Millis(now.Add(lease)), workerID, store.Millis(now))
	if err != nil {
		return store.Wrap("extend processing lock", err)
	}
	n, err := store.RowsAffected(res, "extend processing lock")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotProcessingLockHolder
	}
	q.log.Debugf("processing_lock_extend worker=%s", workerID)
	return nil
}

// ProcessingLockHolder returns the valid processing lease, or nil.
func (q *Queue) ProcessingLockHolder(ctx context.Context) (*model.ProcessingLock, error) {
	var (
		pl                model.ProcessingLock
		acquired, expires int64
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT agent_id, acquired_at, expires_at FROM queue_processing_lock WHERE id = 1 AND expires_at > ?`,
		store.Millis(q.now())).Scan(&pl.AgentID, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("read processing lock", err)
	}
	pl.AcquiredAt = store.FromMillis(acquired)
	pl.ExpiresAt = store.FromMillis(expires)
	return &pl, nil
}
