package model

import "time"

// Lock is an exclusive, expiring lease over a named resource.
type Lock struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	LockID     string    `json:"lock_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Valid reports whether the lease is still in force at now.
func (l Lock) Valid(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

func (l Lock) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

type LockOperation string

const (
	LockOpAcquired  LockOperation = "acquired"
	LockOpReleased  LockOperation = "released"
	LockOpReclaimed LockOperation = "reclaimed"
	LockOpHeartbeat LockOperation = "heartbeat"
)

type LockAuditEntry struct {
	ID        int64         `json:"id"`
	Resource  string        `json:"resource"`
	Holder    string        `json:"holder"`
	Operation LockOperation `json:"operation"`
	CreatedAt time.Time     `json:"created_at"`
}
