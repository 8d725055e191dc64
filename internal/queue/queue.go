// Package queue implements the persistent merge queue: a priority queue of
// workspace entries with a guarded state machine, a single global processing
// lease, stale-entry recovery and an append-only event log. Every mutation is
// a conditional write against the shared database.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/metrics"
	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/store"
)

const (
	DefaultLockTimeout = 300 * time.Second
	DefaultMaxAttempts = 3
	DefaultPriority    = 5
)

const entryColumns = `id, workspace, bead_id, priority, status, added_at, started_at, completed_at,
  error_message, agent_id, dedupe_key, workspace_state, previous_state, state_changed_at,
  head_sha, tested_against_sha, attempt_count, max_attempts, rebase_count, last_rebased_at`

// claimOrder is the deterministic claim order: lower priority value first,
// then insertion time, then id.
const claimOrder = `ORDER BY priority ASC, added_at ASC, id ASC`

// terminalSQL is the SQL list form of the terminal statuses.
const terminalSQL = `('completed', 'failed_permanent', 'cancelled')`

type Queue struct {
	db          *store.DB
	lockTimeout time.Duration
	maxAttempts int
	now         store.Clock
	log         *logging.Logger
	metrics     *metrics.Metrics

	// sweep runs before every claim; replaced in tests.
	sweep func(context.Context) (model.RecoveryStats, error)
}

func New(db *store.DB, cfg model.QueueConfig, logger *logging.Logger) *Queue {
	timeout := time.Duration(cfg.LockTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q := &Queue{
		db:          db,
		lockTimeout: timeout,
		maxAttempts: maxAttempts,
		now:         store.SystemClock,
		log:         logger,
	}
	q.sweep = q.DetectAndRecoverStale
	return q
}

func (q *Queue) SetClock(now store.Clock) { q.now = now }

func (q *Queue) SetMetrics(m *metrics.Metrics) { q.metrics = m }

func (q *Queue) LockTimeout() time.Duration { return q.lockTimeout }

// AddRequest describes a new unit of work. Empty optional strings are stored as NULL.
type AddRequest struct {
	Workspace   string
	BeadID      string
	Priority    int
	DedupeKey   string
	HeadSHA     string
	MaxAttempts int
}

type AddResult struct {
	Entry        model.QueueEntry `json:"entry"`
	Created      bool             `json:"created"`
	Position     int              `json:"position"`
	TotalPending int              `json:"total_pending"`
}

// Add enqueues a workspace. When DedupeKey matches a live entry the existing
// entry is returned with Created=false instead of inserting a second row.
func (q *Queue) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	if strings.TrimSpace(req.Workspace) == "" {
		return AddResult{}, errors.New("workspace must not be empty")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	now := q.now()

	var (
		entry   *model.QueueEntry
		created bool
	)
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO merge_queue (workspace, bead_id, priority, status, added_at, dedupe_key,
  workspace_state, state_changed_at, head_sha, attempt_count, max_attempts)
VALUES (?, ?, ?, 'pending', ?, ?, 'created', ?, ?, 0, ?)
ON CONFLICT DO NOTHING`,
			req.Workspace, optional(req.BeadID), req.Priority, store.Millis(now), optional(req.DedupeKey),
			store.Millis(now), optional(req.HeadSHA), maxAttempts)
		if err != nil {
			return store.Wrap("insert queue entry", err)
		}

		n, err := store.RowsAffected(res, "insert queue entry")
		if err != nil {
			return err
		}
		if n == 1 {
			id, err := res.LastInsertId()
			if err != nil {
				return store.Wrap("insert queue entry", err)
			}
			if err := appendEvent(ctx, tx, id, model.QueueEventAdded, map[string]any{
				"workspace": req.Workspace,
				"priority":  req.Priority,
			}, now); err != nil {
				return err
			}
			entry, err = getByID(ctx, tx, id)
			created = true
			return err
		}

		if req.DedupeKey != "" {
			existing, err := liveByDedupeKey(ctx, tx, req.DedupeKey)
			if err != nil {
				return err
			}
			if existing != nil {
				entry = existing
				return nil
			}
		}
		existing, err := byWorkspace(ctx, tx, req.Workspace)
		if err != nil {
			return err
		}
		if existing != nil && !existing.IsTerminal() {
			return &AlreadyQueuedError{Workspace: req.Workspace, ExistingID: existing.ID, Status: existing.Status}
		}
		return fmt.Errorf("add %q: insert ignored without a live conflict", req.Workspace)
	})
	if err != nil {
		return AddResult{}, err
	}

	q.metrics.QueueAdd(created)
	if created {
		q.log.Infof("queue_add id=%d workspace=%s priority=%d dedupe_key=%s", entry.ID, entry.Workspace, entry.Priority, req.DedupeKey)
	} else {
		q.log.Infof("queue_add_dedup id=%d workspace=%s dedupe_key=%s status=%s", entry.ID, entry.Workspace, req.DedupeKey, entry.Status)
	}

	result := AddResult{Entry: *entry, Created: created}
	if result.Position, err = q.Position(ctx, entry.Workspace); err != nil {
		return AddResult{}, err
	}
	if result.TotalPending, err = q.CountPending(ctx); err != nil {
		return AddResult{}, err
	}
	return result, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*model.QueueEntry, error) {
	e, err := getByID(ctx, q.db, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &NotFoundError{ID: id}
	}
	return e, nil
}

// GetByWorkspace returns the live entry for workspace, or its most recent
// terminal entry when none is live.
func (q *Queue) GetByWorkspace(ctx context.Context, workspace string) (*model.QueueEntry, error) {
	e, err := byWorkspace(ctx, q.db, workspace)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &NotFoundError{Workspace: workspace}
	}
	return e, nil
}

// List returns entries in claim order. An empty status lists everything.
func (q *Queue) List(ctx context.Context, status model.QueueStatus) ([]model.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM merge_queue `
	var args []any
	if status != "" {
		query += `WHERE status = ? `
		args = append(args, string(status))
	}
	query += claimOrder
	return queryEntries(ctx, q.db, query, args...)
}

// Next peeks at the entry ClaimNext would take, without claiming it.
func (q *Queue) Next(ctx context.Context) (*model.QueueEntry, error) {
	return nextWithStatus(ctx, q.db, model.QueueStatusPending)
}

// NextReady returns the oldest entry waiting to be integrated.
func (q *Queue) NextReady(ctx context.Context) (*model.QueueEntry, error) {
	return nextWithStatus(ctx, q.db, model.QueueStatusReadyToMerge)
}

// Position is the 1-based claim position of workspace among pending
// entries, or 0 when it is not pending.
func (q *Queue) Position(ctx context.Context, workspace string) (int, error) {
	e, err := byWorkspace(ctx, q.db, workspace)
	if err != nil {
		return 0, err
	}
	if e == nil || e.Status != model.QueueStatusPending {
		return 0, nil
	}
	added := store.Millis(e.AddedAt)
	var ahead int
	err = q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM merge_queue
WHERE status = 'pending'
  AND (priority < ? OR (priority = ? AND (added_at < ? OR (added_at = ? AND id < ?))))`,
		e.Priority, e.Priority, added, added, e.ID).Scan(&ahead)
	if err != nil {
		return 0, store.Wrap("queue position", err)
	}
	return ahead + 1, nil
}

func (q *Queue) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM merge_queue WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, store.Wrap("count pending", err)
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM merge_queue GROUP BY status`)
	if err != nil {
		return model.QueueStats{}, store.Wrap("queue stats", err)
	}
	defer rows.Close()

	stats := model.QueueStats{Counts: make(map[model.QueueStatus]int)}
	for _, s := range model.AllQueueStatuses() {
		stats.Counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return model.QueueStats{}, store.Wrap("scan queue stats", err)
		}
		stats.Counts[model.QueueStatus(status)] = n
		stats.Total += n
	}
	return stats, store.Wrap("queue stats", rows.Err())
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*model.QueueEntry, error) {
	var (
		e                                          model.QueueEntry
		status, workspaceState                     string
		added                                      int64
		beadID, errMsg, agentID, dedupe, prevState sql.NullString
		headSHA, testedSHA                         sql.NullString
		started, completed, changed, rebased       sql.NullInt64
	)
	err := s.Scan(&e.ID, &e.Workspace, &beadID, &e.Priority, &status, &added, &started, &completed,
		&errMsg, &agentID, &dedupe, &workspaceState, &prevState, &changed,
		&headSHA, &testedSHA, &e.AttemptCount, &e.MaxAttempts, &e.RebaseCount, &rebased)
	if err != nil {
		return nil, err
	}
	e.Status = model.QueueStatus(status)
	e.WorkspaceState = model.WorkspaceState(workspaceState)
	e.AddedAt = store.FromMillis(added)
	e.StartedAt = store.TimePtr(started)
	e.CompletedAt = store.TimePtr(completed)
	e.StateChangedAt = store.TimePtr(changed)
	e.BeadID = store.StringPtr(beadID)
	e.ErrorMessage = store.StringPtr(errMsg)
	e.AgentID = store.StringPtr(agentID)
	e.DedupeKey = store.StringPtr(dedupe)
	e.PreviousState = store.StringPtr(prevState)
	e.HeadSHA = store.StringPtr(headSHA)
	e.TestedAgainstSHA = store.StringPtr(testedSHA)
	e.LastRebasedAt = store.TimePtr(rebased)
	return &e, nil
}

func queryOne(ctx context.Context, q querier, query string, args ...any) (*model.QueueEntry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("read queue entry", err)
	}
	return e, nil
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]model.QueueEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("list queue entries", err)
	}
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, store.Wrap("scan queue entry", err)
		}
		out = append(out, *e)
	}
	return out, store.Wrap("list queue entries", rows.Err())
}

func getByID(ctx context.Context, q querier, id int64) (*model.QueueEntry, error) {
	return queryOne(ctx, q, `SELECT `+entryColumns+` FROM merge_queue WHERE id = ?`, id)
}

// byWorkspace prefers the live entry and falls back to the newest terminal one.
func byWorkspace(ctx context.Context, q querier, workspace string) (*model.QueueEntry, error) {
	return queryOne(ctx, q, `SELECT `+entryColumns+` FROM merge_queue WHERE workspace = ?
ORDER BY (status IN `+terminalSQL+`) ASC, id DESC LIMIT 1`, workspace)
}

func liveByDedupeKey(ctx context.Context, q querier, key string) (*model.QueueEntry, error) {
	return queryOne(ctx, q, `SELECT `+entryColumns+` FROM merge_queue
WHERE dedupe_key = ? AND status NOT IN `+terminalSQL+` LIMIT 1`, key)
}

func nextWithStatus(ctx context.Context, q querier, status model.QueueStatus) (*model.QueueEntry, error) {
	return queryOne(ctx, q, `SELECT `+entryColumns+` FROM merge_queue WHERE status = ? `+claimOrder+` LIMIT 1`, string(status))
}

func optional(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
