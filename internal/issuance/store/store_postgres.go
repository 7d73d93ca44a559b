package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"certmint/internal/issuance/models"
	id "certmint/pkg/domain"
	"certmint/pkg/platform/sentinel"
	"certmint/pkg/platform/tx"
)

// Schema creates the tables PostgresStore uses. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS issuance_attempts (
	id             UUID PRIMARY KEY,
	course_id      TEXT NOT NULL,
	title          TEXT NOT NULL,
	owner_identity TEXT NOT NULL,
	state          TEXT NOT NULL,
	outcome        TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL DEFAULT '',
	candidate      TEXT NOT NULL DEFAULT '',
	collection_id  TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	advice         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issuance_attempts_course ON issuance_attempts (course_id, created_at);

CREATE TABLE IF NOT EXISTS course_reservations (
	course_id   TEXT PRIMARY KEY,
	attempt_id  UUID NOT NULL,
	reserved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore keeps attempts and reservations durable. The primary key on
// course_reservations is what makes Reserve atomic across instances.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate issuance schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reserve(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) error {
	return tx.Run(ctx, s.db, func(ctx context.Context) error {
		exec := tx.Exec(ctx, s.db)
		// The no-op update returns the holder that won, in one statement.
		var holder string
		err := exec.QueryRowContext(ctx, `
			INSERT INTO course_reservations (course_id, attempt_id)
			VALUES ($1, $2)
			ON CONFLICT (course_id) DO UPDATE SET attempt_id = course_reservations.attempt_id
			RETURNING attempt_id
		`, courseID.String(), attemptID.String()).Scan(&holder)
		if err != nil {
			return fmt.Errorf("reserve course: %w", err)
		}
		if holder != attemptID.String() {
			return fmt.Errorf("course %s held by attempt %s: %w", courseID, holder, sentinel.ErrConflict)
		}
		return nil
	})
}

func (s *PostgresStore) Release(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) error {
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx,
		`DELETE FROM course_reservations WHERE course_id = $1 AND attempt_id = $2`,
		courseID.String(), attemptID.String())
	if err != nil {
		return fmt.Errorf("release course: %w", err)
	}
	return nil
}

func (s *PostgresStore) Holder(ctx context.Context, courseID id.CourseID) (id.AttemptID, error) {
	var holder string
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT attempt_id FROM course_reservations WHERE course_id = $1`, courseID.String(),
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return id.AttemptID{}, sentinel.ErrNotFound
	}
	if err != nil {
		return id.AttemptID{}, fmt.Errorf("read course holder: %w", err)
	}
	return id.ParseAttemptID(holder)
}

func (s *PostgresStore) Save(ctx context.Context, record *models.AttemptRecord) error {
	if record == nil {
		return fmt.Errorf("attempt record is required")
	}
	query := `
		INSERT INTO issuance_attempts (id, course_id, title, owner_identity, state, outcome, stage,
			candidate, collection_id, reason, advice, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			outcome = EXCLUDED.outcome,
			stage = EXCLUDED.stage,
			candidate = EXCLUDED.candidate,
			collection_id = EXCLUDED.collection_id,
			reason = EXCLUDED.reason,
			advice = EXCLUDED.advice,
			updated_at = EXCLUDED.updated_at
	`
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, query,
		record.ID.String(),
		record.CourseID.String(),
		record.Title,
		record.OwnerIdentity,
		string(record.State),
		string(record.Outcome),
		string(record.Stage),
		string(record.Candidate),
		string(record.CollectionID),
		record.Reason,
		string(record.Advice),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

const selectAttempt = `
	SELECT id, course_id, title, owner_identity, state, outcome, stage, candidate,
		collection_id, reason, advice, created_at, updated_at
	FROM issuance_attempts
`

func (s *PostgresStore) Get(ctx context.Context, attemptID id.AttemptID) (*models.AttemptRecord, error) {
	record, err := scanAttempt(tx.Exec(ctx, s.db).QueryRowContext(ctx, selectAttempt+` WHERE id = $1`, attemptID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return record, nil
}

// ListByCourse returns the course's attempts, oldest first.
func (s *PostgresStore) ListByCourse(ctx context.Context, courseID id.CourseID) ([]*models.AttemptRecord, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx,
		selectAttempt+` WHERE course_id = $1 ORDER BY created_at`, courseID.String())
	if err != nil {
		return nil, fmt.Errorf("list course attempts: %w", err)
	}
	defer rows.Close()

	out := []*models.AttemptRecord{}
	for rows.Next() {
		record, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*models.AttemptRecord, error) {
	var (
		record                                         models.AttemptRecord
		attemptID, courseID                            string
		state, outcome, stage, candidate, collectionID string
		advice                                         string
	)
	err := row.Scan(&attemptID, &courseID, &record.Title, &record.OwnerIdentity, &state, &outcome,
		&stage, &candidate, &collectionID, &record.Reason, &advice, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseAttemptID(attemptID)
	if err != nil {
		return nil, err
	}
	record.ID = parsed
	record.CourseID = id.CourseID(courseID)
	record.State = models.State(state)
	record.Outcome = models.OutcomeKind(outcome)
	record.Stage = models.Stage(stage)
	record.Candidate = models.CollectionID(candidate)
	record.CollectionID = models.CollectionID(collectionID)
	record.Advice = models.Advice(advice)
	return &record, nil
}
