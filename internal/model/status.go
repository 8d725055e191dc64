package model

import "fmt"

// QueueStatus is the state-machine value of a merge queue entry.
type QueueStatus string

const (
	QueueStatusPending         QueueStatus = "pending"
	QueueStatusTesting         QueueStatus = "testing"
	QueueStatusReadyToMerge    QueueStatus = "ready_to_merge"
	QueueStatusCompleted       QueueStatus = "completed"
	QueueStatusFailedRetryable QueueStatus = "failed_retryable"
	QueueStatusFailedPermanent QueueStatus = "failed_permanent"
	QueueStatusCancelled       QueueStatus = "cancelled"
)

// WorkspaceState tags the lifecycle of the workspace behind a queue entry.
type WorkspaceState string

const (
	WorkspaceStateCreated   WorkspaceState = "created"
	WorkspaceStateWorking   WorkspaceState = "working"
	WorkspaceStateReady     WorkspaceState = "ready"
	WorkspaceStateMerged    WorkspaceState = "merged"
	WorkspaceStateConflict  WorkspaceState = "conflict"
	WorkspaceStateAbandoned WorkspaceState = "abandoned"
)

var allQueueStatuses = []QueueStatus{
	QueueStatusPending,
	QueueStatusTesting,
	QueueStatusReadyToMerge,
	QueueStatusCompleted,
	QueueStatusFailedRetryable,
	QueueStatusFailedPermanent,
	QueueStatusCancelled,
}

var terminalQueueStatuses = map[QueueStatus]bool{
	QueueStatusCompleted:       true,
	QueueStatusFailedPermanent: true,
	QueueStatusCancelled:       true,
}

// pending → testing → ready_to_merge → completed
// testing/ready_to_merge → failed_* ; failed_retryable → pending on retry
// ready_to_merge → testing when the freshness guard trips
var validQueueTransitions = map[QueueStatus]map[QueueStatus]bool{
	QueueStatusPending: {
		QueueStatusTesting:   true,
		QueueStatusCancelled: true,
	},
	QueueStatusTesting: {
		QueueStatusPending:         true, // stale recovery / graceful shutdown
		QueueStatusReadyToMerge:    true,
		QueueStatusFailedRetryable: true,
		QueueStatusFailedPermanent: true,
		QueueStatusCancelled:       true,
	},
	QueueStatusReadyToMerge: {
		QueueStatusCompleted:       true,
		QueueStatusTesting:         true,
		QueueStatusFailedRetryable: true,
		QueueStatusFailedPermanent: true,
		QueueStatusCancelled:       true,
	},
	QueueStatusFailedRetryable: {
		QueueStatusPending:         true,
		QueueStatusFailedPermanent: true,
		QueueStatusCancelled:       true,
	},
}

var workspaceStateFor = map[QueueStatus]WorkspaceState{
	QueueStatusPending:         WorkspaceStateCreated,
	QueueStatusTesting:         WorkspaceStateWorking,
	QueueStatusReadyToMerge:    WorkspaceStateReady,
	QueueStatusCompleted:       WorkspaceStateMerged,
	QueueStatusFailedRetryable: WorkspaceStateConflict,
	QueueStatusFailedPermanent: WorkspaceStateAbandoned,
	QueueStatusCancelled:       WorkspaceStateAbandoned,
}

func AllQueueStatuses() []QueueStatus {
	out := make([]QueueStatus, len(allQueueStatuses))
	copy(out, allQueueStatuses)
	return out
}

func TerminalQueueStatuses() []QueueStatus {
	return []QueueStatus{QueueStatusCompleted, QueueStatusFailedPermanent, QueueStatusCancelled}
}

func IsQueueTerminal(s QueueStatus) bool {
	return terminalQueueStatuses[s]
}

func (s QueueStatus) Valid() bool {
	for _, known := range allQueueStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func ParseQueueStatus(s string) (QueueStatus, error) {
	status := QueueStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown queue status %q", s)
	}
	return status, nil
}

// WorkspaceStateFor returns the workspace lifecycle tag implied by a queue status.
func WorkspaceStateFor(s QueueStatus) WorkspaceState {
	if ws, ok := workspaceStateFor[s]; ok {
		return ws
	}
	return WorkspaceStateCreated
}

// ValidateQueueTransition reports whether from → to is allowed. A self
// transition is allowed for non-terminal states and is a no-op for callers.
func ValidateQueueTransition(from, to QueueStatus) error {
	if IsQueueTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validQueueTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if from == to {
		return nil
	}
	if !allowed[to] {
		return fmt.Errorf("invalid queue transition: %q → %q", from, to)
	}
	return nil
}
