package model

import "time"

// QueueEntry is one unit of work bound to a workspace.
type QueueEntry struct {
	ID               int64          `json:"id"`
	Workspace        string         `json:"workspace"`
	BeadID           *string        `json:"bead_id,omitempty"`
	Priority         int            `json:"priority"`
	Status           QueueStatus    `json:"status"`
	AddedAt          time.Time      `json:"added_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	AgentID          *string        `json:"agent_id,omitempty"`
	DedupeKey        *string        `json:"dedupe_key,omitempty"`
	WorkspaceState   WorkspaceState `json:"workspace_state"`
	PreviousState    *string        `json:"previous_state,omitempty"`
	StateChangedAt   *time.Time     `json:"state_changed_at,omitempty"`
	HeadSHA          *string        `json:"head_sha,omitempty"`
	TestedAgainstSHA *string        `json:"tested_against_sha,omitempty"`
	AttemptCount     int            `json:"attempt_count"`
	MaxAttempts      int            `json:"max_attempts"`
	RebaseCount      int            `json:"rebase_count"`
	LastRebasedAt    *time.Time     `json:"last_rebased_at,omitempty"`
}

func (e QueueEntry) IsTerminal() bool {
	return IsQueueTerminal(e.Status)
}

func (e QueueEntry) AttemptsRemaining() int {
	if r := e.MaxAttempts - e.AttemptCount; r > 0 {
		return r
	}
	return 0
}

// ProcessingLock is the single-row lease serializing queue processing.
type ProcessingLock struct {
	AgentID    string    `json:"agent_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type QueueEventType string

const (
	QueueEventAdded           QueueEventType = "added"
	QueueEventClaimed         QueueEventType = "claimed"
	QueueEventTransitioned    QueueEventType = "transitioned"
	QueueEventFailed          QueueEventType = "failed"
	QueueEventRetried         QueueEventType = "retried"
	QueueEventCancelled       QueueEventType = "cancelled"
	QueueEventRecovered       QueueEventType = "recovered"
	QueueEventFreshnessFailed QueueEventType = "freshness_failed"
	QueueEventCompleted       QueueEventType = "completed"
	QueueEventRebased         QueueEventType = "rebased"
)

// QueueEvent is an append-only audit record.
type QueueEvent struct {
	ID          int64          `json:"id"`
	QueueID     int64          `json:"queue_id"`
	EventType   QueueEventType `json:"event_type"`
	DetailsJSON *string        `json:"details_json,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RecoveryStats reports what a stale-recovery sweep touched (or would touch).
type RecoveryStats struct {
	EntriesReclaimed int       `json:"entries_reclaimed"`
	LocksCleaned     int       `json:"locks_cleaned"`
	LockTimeout      int64     `json:"lock_timeout_sec"`
	CheckedAt        time.Time `json:"checked_at"`
}

// QueueStats counts entries per status.
type QueueStats struct {
	Total  int                 `json:"total"`
	Counts map[QueueStatus]int `json:"counts"`
}

func (s QueueStats) Count(status QueueStatus) int {
	return s.Counts[status]
}
