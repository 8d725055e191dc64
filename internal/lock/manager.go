// Package lock implements exclusive, expiring session leases stored in the
// shared database. Expired leases are reclaimed lazily by the next Lock call;
// there is no background sweeper.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/metrics"
	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/store"
)

const (
	DefaultTTL = 300 * time.Second

	// acquireAttempts bounds the retry when a contested lease expires between
	// the failed upsert and the holder lookup.
	acquireAttempts = 3
)

// Manager hands out session leases. Safe for concurrent use by goroutines and
// by separate processes sharing the same database file.
type Manager struct {
	db         *store.DB
	defaultTTL time.Duration
	now        store.Clock
	log        *logging.Logger
	metrics    *metrics.Metrics
}

func NewManager(db *store.DB, cfg model.LocksConfig, logger *logging.Logger) *Manager {
	ttl := time.Duration(cfg.DefaultTTLSec) * time.Second
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		db:         db,
		defaultTTL: ttl,
		now:        store.SystemClock,
		log:        logger,
	}
}

func (m *Manager) SetClock(now store.Clock) { m.now = now }

func (m *Manager) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

func (m *Manager) DefaultTTL() time.Duration { return m.defaultTTL }

// Lock acquires resource for holder for ttl (the default TTL when ttl <= 0).
// A valid lease held by someone else yields *SessionLockedError. Re-locking by
// the current holder returns the existing lease unchanged.
func (m *Manager) Lock(ctx context.Context, resource, holder string, ttl time.Duration) (model.Lock, error) {
	if err := validateNames(resource, holder); err != nil {
		return model.Lock{}, err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		lease, err := m.tryLock(ctx, resource, holder, ttl)
		if errors.Is(err, errRaced) {
			continue
		}
		if err != nil {
			var locked *SessionLockedError
			if errors.As(err, &locked) {
				m.metrics.LockOp("lock", "contested")
				m.log.Debugf("lock_contested resource=%s holder=%s current=%s", resource, holder, locked.Holder)
			}
			return model.Lock{}, err
		}
		return lease, nil
	}
	return model.Lock{}, fmt.Errorf("lock %q: lease changed hands during %d attempts", resource, acquireAttempts)
}

var errRaced = errors.New("lease changed during acquire")

func (m *Manager) tryLock(ctx context.Context, resource, holder string, ttl time.Duration) (model.Lock, error) {
	now := m.now()
	lease := model.Lock{
		Resource:   resource,
		Holder:     holder,
		LockID:     "lock-" + uuid.NewString(),
		AcquiredAt: store.FromMillis(store.Millis(now)),
		ExpiresAt:  store.FromMillis(store.Millis(now.Add(ttl))),
	}

	err := m.db.InTx(ctx, func(tx *sql.Tx) error {
		prev, err := getLock(ctx, tx, resource)
		if err != nil {
			return err
		}

		// The WHERE clause is the only exclusion mechanism: the row is replaced
		// only when absent or expired.
		res, err := tx.ExecContext(ctx, `
INSERT INTO session_locks (resource, holder, lock_id, acquired_at, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(resource) DO UPDATE SET
  holder = excluded.holder,
  lock_id = excluded.lock_id,
  acquired_at = excluded.acquired_at,
  expires_at = excluded.expires_at
WHERE session_locks.expires_at <= excluded.acquired_at`,
			resource, holder, lease.LockID, store.Millis(lease.AcquiredAt), store.Millis(lease.ExpiresAt))
		if err != nil {
			return store.Wrap("acquire lock", err)
		}
		n, err := store.RowsAffected(res, "acquire lock")
		if err != nil {
			return err
		}
		if n == 0 {
			current, err := getLock(ctx, tx, resource)
			if err != nil {
				return err
			}
			if current == nil || !current.Valid(now) {
				return errRaced
			}
			if current.Holder == holder {
				lease = *current
				return nil
			}
			return &SessionLockedError{Resource: resource, Holder: current.Holder, ExpiresAt: current.ExpiresAt}
		}

		if prev != nil {
			if err := audit(ctx, tx, resource, prev.Holder, model.LockOpReclaimed, now); err != nil {
				return err
			}
			m.log.Infof("lock_reclaimed resource=%s previous_holder=%s expired=%s",
				resource, prev.Holder, prev.ExpiresAt.Format(time.RFC3339))
		}
		return audit(ctx, tx, resource, holder, model.LockOpAcquired, now)
	})
	if err != nil {
		return model.Lock{}, err
	}

	m.metrics.LockOp("lock", "acquired")
	m.log.Infof("lock_acquire resource=%s holder=%s lock_id=%s expires=%s",
		resource, holder, lease.LockID, lease.ExpiresAt.Format(time.RFC3339))
	return lease, nil
}

// Unlock releases holder's valid lease on resource. Anything else, including
// an unlocked resource, yields *NotLockHolderError and leaves state untouched.
func (m *Manager) Unlock(ctx context.Context, resource, holder string) error {
	if err := validateNames(resource, holder); err != nil {
		return err
	}
	now := m.now()

	err := m.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM session_locks WHERE resource = ? AND holder = ? AND expires_at > ?`,
			resource, holder, store.Millis(now))
		if err != nil {
			return store.Wrap("release lock", err)
		}
		n, err := store.RowsAffected(res, "release lock")
		if err != nil {
			return err
		}
		if n == 0 {
			return m.notHolder(ctx, tx, resource, holder, now)
		}
		return audit(ctx, tx, resource, holder, model.LockOpReleased, now)
	})
	if err != nil {
		var notHolder *NotLockHolderError
		if errors.As(err, &notHolder) {
			m.metrics.LockOp("unlock", "not_holder")
			m.log.Warnf("unlock_rejected resource=%s holder=%s current=%s", resource, holder, notHolder.CurrentHolder)
		}
		return err
	}

	m.metrics.LockOp("unlock", "released")
	m.log.Infof("lock_release resource=%s holder=%s", resource, holder)
	return nil
}

// Heartbeat pushes the expiry of holder's valid lease to now+ttl. A lapsed
// lease cannot be revived; the caller must Lock again.
func (m *Manager) Heartbeat(ctx context.Context, resource, holder string, ttl time.Duration) (model.Lock, error) {
	if err := validateNames(resource, holder); err != nil {
		return model.Lock{}, err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now()

	var lease *model.Lock
	err := m.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE session_locks SET expires_at = ? WHERE resource = ? AND holder = ? AND expires_at > ?`,
			store.Millis(now.Add(ttl)), resource, holder, store.Millis(now))
		if err != nil {
			return store.Wrap("heartbeat lock", err)
		}
		n, err := store.RowsAffected(res, "heartbeat lock")
		if err != nil {
			return err
		}
		if n == 0 {
			return m.notHolder(ctx, tx, resource, holder, now)
		}
		if err := audit(ctx, tx, resource, holder, model.LockOpHeartbeat, now); err != nil {
			return err
		}
		lease, err = getLock(ctx, tx, resource)
		return err
	})
	if err != nil {
		return model.Lock{}, err
	}
	if lease == nil {
		return model.Lock{}, &NotLockHolderError{Resource: resource, Holder: holder}
	}
	m.metrics.LockOp("heartbeat", "extended")
	m.log.Debugf("lock_heartbeat resource=%s holder=%s expires=%s", resource, holder, lease.ExpiresAt.Format(time.RFC3339))
	return *lease, nil
}

// Get returns the valid lease on resource, or nil when it is free.
func (m *Manager) Get(ctx context.Context, resource string) (*model.Lock, error) {
	lease, err := getLock(ctx, m.db, resource)
	if err != nil {
		return nil, err
	}
	if lease == nil || !lease.Valid(m.now()) {
		return nil, nil
	}
	return lease, nil
}

// List returns all valid leases ordered by resource.
func (m *Manager) List(ctx context.Context) ([]model.Lock, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT resource, holder, lock_id, acquired_at, expires_at FROM session_locks WHERE expires_at > ? ORDER BY resource`,
		store.Millis(m.now()))
	if err != nil {
		return nil, store.Wrap("list locks", err)
	}
	defer rows.Close()

	var out []model.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, store.Wrap("list locks", rows.Err())
}

// AuditTrail returns the newest audit records for resource, newest first.
func (m *Manager) AuditTrail(ctx context.Context, resource string, limit int) ([]model.LockAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, resource, holder, operation, created_at FROM session_lock_audit WHERE resource = ? ORDER BY id DESC LIMIT ?`,
		resource, limit)
	if err != nil {
		return nil, store.Wrap("lock audit", err)
	}
	defer rows.Close()

	var out []model.LockAuditEntry
	for rows.Next() {
		var (
			e  model.LockAuditEntry
			op string
			at int64
		)
		if err := rows.Scan(&e.ID, &e.Resource, &e.Holder, &op, &at); err != nil {
			return nil, store.Wrap("scan lock audit", err)
		}
		e.Operation = model.LockOperation(op)
		e.CreatedAt = store.FromMillis(at)
		out = append(out, e)
	}
	return out, store.Wrap("lock audit", rows.Err())
}

func (m *Manager) notHolder(ctx context.Context, q querier, resource, holder string, now time.Time) error {
	current, err := getLock(ctx, q, resource)
	if err != nil {
		return err
	}
	e := &NotLockHolderError{Resource: resource, Holder: holder}
	if current != nil && current.Valid(now) {
		e.CurrentHolder = current.Holder
	}
	return e
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLock(ctx context.Context, q querier, resource string) (*model.Lock, error) {
	row := q.QueryRowContext(ctx,
		`SELECT resource, holder, lock_id, acquired_at, expires_at FROM session_locks WHERE resource = ?`, resource)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLock(s scanner) (model.Lock, error) {
	var (
		l                 model.Lock
		acquired, expires int64
	)
	if err := s.Scan(&l.Resource, &l.Holder, &l.LockID, &acquired, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Lock{}, err
		}
		return model.Lock{}, store.Wrap("scan lock", err)
	}
	l.AcquiredAt = store.FromMillis(acquired)
	l.ExpiresAt = store.FromMillis(expires)
	return l, nil
}

func audit(ctx context.Context, tx *sql.Tx, resource, holder string, op model.LockOperation, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO session_lock_audit (resource, holder, operation, created_at) VALUES (?, ?, ?, ?)`,
		resource, holder, string(op), store.Millis(at))
	return store.Wrap("lock audit", err)
}

func validateNames(resource, holder string) error {
	if strings.TrimSpace(resource) == "" {
		return errors.New("lock resource must not be empty")
	}
	if strings.TrimSpace(holder) == "" {
		return errors.New("lock holder must not be empty")
	}
	return nil
}
