package queue

import (
	"context"
	"database/sql"

	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/store"
)

// staleTestingWhere selects Testing entries older than the cutoff whose
// claimant no longer holds a valid processing lease. Parameters: cutoff, now.
const staleTestingWhere = `status = 'testing' AND (started_at IS NULL OR started_at < ?)
  AND NOT EXISTS (
    SELECT 1 FROM queue_processing_lock pl
    WHERE pl.id = 1 AND pl.agent_id = merge_queue.agent_id AND pl.expires_at > ?)`

// DetectAndRecoverStale returns Testing entries whose started_at predates
// now - lock_timeout to Pending and deletes an expired processing lock. An
// entry whose worker is still renewing its processing lease is left alone.
// Running it twice in a row has the same effect as running it once.
func (q *Queue) DetectAndRecoverStale(ctx context.Context) (model.RecoveryStats, error) {
	now := q.now()
	cutoff := now.Add(-q.lockTimeout)
	stats := model.RecoveryStats{LockTimeout: int64(q.lockTimeout.Seconds()), CheckedAt: now}

	var recovered []model.QueueEntry
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		stale, err := queryEntries(ctx, tx,
			`SELECT `+entryColumns+` FROM merge_queue WHERE `+staleTestingWhere+` ORDER BY id`,
			store.Millis(cutoff), store.Millis(now))
		if err != nil {
			return err
		}
		for i := range stale {
			e := stale[i]
			details := map[string]any{"reason": "stale_testing"}
			if e.AgentID != nil {
				details["agent_id"] = *e.AgentID
			}
			if e.StartedAt != nil {
				details["started_at"] = e.StartedAt
			}
			if _, err := q.apply(ctx, tx, &e, change{
				to:      model.QueueStatusPending,
				event:   model.QueueEventRecovered,
				details: details,
			}, now); err != nil {
				return err
			}
			recovered = append(recovered, e)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM queue_processing_lock WHERE expires_at <= ?`, store.Millis(now))
		if err != nil {
			return store.Wrap("clean processing lock", err)
		}
		n, err := store.RowsAffected(res, "clean processing lock")
		if err != nil {
			return err
		}
		stats.LocksCleaned = int(n)
		return nil
	})
	if err != nil {
		return model.RecoveryStats{}, err
	}

	stats.EntriesReclaimed = len(recovered)
	for _, e := range recovered {
		agent := ""
		if e.AgentID != nil {
			agent = *e.AgentID
		}
		q.log.Warnf("stale_recovered id=%d workspace=%s agent=%s", e.ID, e.Workspace, agent)
	}
	if stats.EntriesReclaimed > 0 || stats.LocksCleaned > 0 {
		q.metrics.Recovered(stats.EntriesReclaimed)
		q.log.Infof("stale_recovery entries=%d locks=%d", stats.EntriesReclaimed, stats.LocksCleaned)
	}
	return stats, nil
}

// GetRecoveryStats reports what DetectAndRecoverStale would touch right now
// without changing anything.
func (q *Queue) GetRecoveryStats(ctx context.Context) (model.RecoveryStats, error) {
	now := q.now()
	stats := model.RecoveryStats{LockTimeout: int64(q.lockTimeout.Seconds()), CheckedAt: now}

	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM merge_queue WHERE `+staleTestingWhere,
		store.Millis(now.Add(-q.lockTimeout)), store.Millis(now)).Scan(&stats.EntriesReclaimed); err != nil {
		return model.RecoveryStats{}, store.Wrap("count stale entries", err)
	}
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_processing_lock WHERE expires_at <= ?`,
		store.Millis(now)).Scan(&stats.LocksCleaned); err != nil {
		return model.RecoveryStats{}, store.Wrap("count stale locks", err)
	}
	return stats, nil
}
