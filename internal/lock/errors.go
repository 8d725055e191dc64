package lock

import (
	"fmt"
	"time"
)

// SessionLockedError reports that a valid lease on Resource is held by Holder.
// Callers that want to wait retry with their own backoff.
type SessionLockedError struct {
	Resource  string
	Holder    string
	ExpiresAt time.Time
}

func (e *SessionLockedError) Error() string {
	return fmt.Sprintf("session %q is locked by %s until %s",
		e.Resource, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

// NotLockHolderError reports a release or heartbeat by someone who does not
// hold a valid lease. CurrentHolder is empty when the resource is unlocked.
type NotLockHolderError struct {
	Resource      string
	Holder        string
	CurrentHolder string
}

func (e *NotLockHolderError) Error() string {
	if e.CurrentHolder == "" {
		return fmt.Sprintf("%s does not hold a lock on %q: no active lock", e.Holder, e.Resource)
	}
	return fmt.Sprintf("%s does not hold a lock on %q: held by %s", e.Holder, e.Resource, e.CurrentHolder)
}
