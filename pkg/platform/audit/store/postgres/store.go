// Package postgres keeps the audit trail in the audit_events table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	id "certmint/pkg/domain"
	audit "certmint/pkg/platform/audit"
	"certmint/pkg/platform/tx"
)

// Schema creates audit_events. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id            UUID PRIMARY KEY,
	category      TEXT NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL,
	course_id     TEXT NOT NULL,
	attempt_id    UUID,
	action        TEXT NOT NULL,
	actor_id      TEXT NOT NULL DEFAULT '',
	stage         TEXT NOT NULL DEFAULT '',
	collection_id TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	request_id    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_course ON audit_events (course_id, timestamp);
`

const selectEvents = `
	SELECT category, timestamp, course_id, attempt_id, action,
		   actor_id, stage, collection_id, reason, request_id
	FROM audit_events
`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// Append inserts the event, joining a transaction already in ctx.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}

	var attemptID *uuid.UUID
	if event.AttemptID != (id.AttemptID{}) {
		a := uuid.UUID(event.AttemptID)
		attemptID = &a
	}

	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO audit_events (
			id, category, timestamp, course_id, attempt_id, action,
			actor_id, stage, collection_id, reason, request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		uuid.New(),
		string(category),
		event.Timestamp,
		event.CourseID.String(),
		attemptID,
		event.Action,
		event.ActorID,
		event.Stage,
		event.CollectionID,
		event.Reason,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByCourse returns the course's events oldest first.
func (s *Store) ListByCourse(ctx context.Context, courseID id.CourseID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE course_id = $1
		ORDER BY timestamp, id
	`, courseID.String())
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) ListByAttempt(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE course_id = $1 AND attempt_id = $2
		ORDER BY timestamp, id
	`, courseID.String(), uuid.UUID(attemptID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event     audit.Event
			category  string
			courseID  string
			attemptID *uuid.UUID
		)
		if err := rows.Scan(
			&category,
			&event.Timestamp,
			&courseID,
			&attemptID,
			&event.Action,
			&event.ActorID,
			&event.Stage,
			&event.CollectionID,
			&event.Reason,
			&event.RequestID,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		event.CourseID = id.CourseID(courseID)
		if attemptID != nil {
			event.AttemptID = id.AttemptID(*attemptID)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
