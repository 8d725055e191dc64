package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/store"
)

// appendEvent is the only writer of queue_events; rows are never updated or deleted.
func appendEvent(ctx context.Context, tx *sql.Tx, queueID int64, eventType model.QueueEventType, details map[string]any, at time.Time) error {
	var detailsJSON sql.NullString
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		detailsJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO queue_events (queue_id, event_type, details_json, created_at) VALUES (?, ?, ?, ?)`,
		queueID, string(eventType), detailsJSON, store.Millis(at))
	return store.Wrap("append queue event", err)
}

// Events returns the event log of one entry, oldest first.
func (q *Queue) Events(ctx context.Context, queueID int64) ([]model.QueueEvent, error) {
	return q.queryEvents(ctx,
		`SELECT id, queue_id, event_type, details_json, created_at FROM queue_events WHERE queue_id = ? ORDER BY id ASC`,
		queueID)
}

// RecentEvents returns the newest events across the queue, newest first.
func (q *Queue) RecentEvents(ctx context.Context, limit int) ([]model.QueueEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	return q.queryEvents(ctx,
		`SELECT id, queue_id, event_type, details_json, created_at FROM queue_events ORDER BY id DESC LIMIT ?`,
		limit)
}

func (q *Queue) queryEvents(ctx context.Context, query string, args ...any) ([]model.QueueEvent, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("query queue events", err)
	}
	defer rows.Close()

	var out []model.QueueEvent
	for rows.Next() {
		var (
			ev        model.QueueEvent
			eventType string
			details   sql.NullString
			created   int64
		)
		if err := rows.Scan(&ev.ID, &ev.QueueID, &eventType, &details, &created); err != nil {
			return nil, store.Wrap("scan queue event", err)
		}
		ev.EventType = model.QueueEventType(eventType)
		ev.DetailsJSON = store.StringPtr(details)
		ev.CreatedAt = store.FromMillis(created)
		out = append(out, ev)
	}
	return out, store.Wrap("query queue events", rows.Err())
}
