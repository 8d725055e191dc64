package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/msageha/isolate/internal/model"
)

var (
	ErrNotFound                = errors.New("queue entry not found")
	ErrAttemptsExhausted       = errors.New("retry attempts exhausted")
	ErrNotProcessingLockHolder = errors.New("processing lock not held by this worker")
)

// ProcessingLockHeldError is returned when another worker holds a valid
// processing lock.
type ProcessingLockHeldError struct {
	Holder    string
	ExpiresAt time.Time
}

func (e *ProcessingLockHeldError) Error() string {
	return fmt.Sprintf("processing lock held by %s until %s", e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

type NotFoundError struct {
	Workspace string
	ID        int64
}

func (e *NotFoundError) Error() string {
	if e.Workspace != "" {
		return fmt.Sprintf("no queue entry for workspace %q", e.Workspace)
	}
	return fmt.Sprintf("queue entry %d not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionError reports a status change the state machine does not allow.
type TransitionError struct {
	Workspace string
	From      model.QueueStatus
	To        model.QueueStatus
	Err       error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workspace %q: %v", e.Workspace, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// ConcurrentUpdateError means the guarded write matched no row: another
// process changed the entry after it was read.
type ConcurrentUpdateError struct {
	Workspace string
	ID        int64
	Expected  model.QueueStatus
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("workspace %q (entry %d) is no longer %s", e.Workspace, e.ID, e.Expected)
}

// AlreadyQueuedError is returned when a workspace already has a live entry and
// the new request does not share its dedupe key.
type AlreadyQueuedError struct {
	Workspace  string
	ExistingID int64
	Status     model.QueueStatus
}

func (e *AlreadyQueuedError) Error() string {
	return fmt.Sprintf("workspace %q is already queued as entry %d (%s)", e.Workspace, e.ExistingID, e.Status)
}
