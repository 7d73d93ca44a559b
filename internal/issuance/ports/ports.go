// Package ports defines the collaborators the issuance pipeline consumes.
// Adapters under internal/issuance/adapters implement them; tests use the
// gomock doubles in ports/mocks.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks MintService,Signer,AttemptStore,AuditPublisher,OutcomePublisher

import (
	"context"
	"log/slog"

	"certmint/internal/issuance/models"
	"certmint/pkg/attrs"
	id "certmint/pkg/domain"
	"certmint/pkg/platform/audit"
	"certmint/pkg/requestcontext"
)

// MintService is the remote service that builds create-collection
// transactions and submits signed ones.
type MintService interface {
	// Construct returns an unsigned transaction for req. Errors wrap
	// models.ErrConstructionFailed.
	Construct(ctx context.Context, req models.IssuanceRequest) (models.Envelope, error)

	// Confirm submits a signed transaction and waits for the ledger. Errors
	// wrap models.ErrSubmissionRejected when the ledger refused it and
	// models.ErrConfirmationTimeout when the outcome is unknown.
	Confirm(ctx context.Context, payload models.SubmissionPayload) (models.CollectionID, error)
}

// Signer signs decoded transaction bytes. It may block for as long as a
// person takes to approve and must return when ctx is done.
type Signer interface {
	Sign(ctx context.Context, unsigned []byte) ([]byte, error)
}

// AttemptStore persists attempt records and the one-active-attempt-per-course
// reservation.
type AttemptStore interface {
	// Reserve claims courseID for attemptID. It fails with sentinel.ErrConflict
	// when another attempt holds the course.
	Reserve(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) error

	// Release frees courseID if attemptID still holds it.
	Release(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) error

	// Holder returns the attempt holding courseID, or sentinel.ErrNotFound.
	Holder(ctx context.Context, courseID id.CourseID) (id.AttemptID, error)

	Save(ctx context.Context, record *models.AttemptRecord) error
	Get(ctx context.Context, attemptID id.AttemptID) (*models.AttemptRecord, error)
	ListByCourse(ctx context.Context, courseID id.CourseID) ([]*models.AttemptRecord, error)
}

// AuditPublisher records audit events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// OutcomePublisher announces terminal outcomes to downstream consumers.
type OutcomePublisher interface {
	Publish(ctx context.Context, event models.OutcomeEvent) error
}

// LogAudit logs an audit event and forwards it to the publisher if one is set.
// attrList is a slog key/value list. Known keys (course_id, attempt_id,
// actor_id, stage, reason, collection_id) are copied onto the event.
func LogAudit(ctx context.Context, logger *slog.Logger, publisher AuditPublisher, event audit.AuditEvent, attrList ...any) {
	requestID := requestcontext.RequestID(ctx)
	if requestID != "" {
		attrList = append(attrList, "request_id", requestID)
	}

	args := append(attrList, "event", string(event), "log_type", "audit")
	if logger != nil {
		logger.InfoContext(ctx, string(event), args...)
	}

	if publisher == nil {
		return
	}

	ev := audit.Event{
		Action:       string(event),
		CourseID:     id.CourseID(attrs.ExtractString(attrList, "course_id")),
		ActorID:      attrs.ExtractString(attrList, "actor_id"),
		Stage:        attrs.ExtractString(attrList, "stage"),
		CollectionID: attrs.ExtractString(attrList, "collection_id"),
		Reason:       attrs.ExtractString(attrList, "reason"),
		RequestID:    requestID,
		Timestamp:    requestcontext.Now(ctx),
	}
	if ev.ActorID == "" {
		ev.ActorID = requestcontext.ActorID(ctx)
	}
	if attemptID, err := id.ParseAttemptID(attrs.ExtractString(attrList, "attempt_id")); err == nil {
		ev.AttemptID = attemptID
	}
	if err := publisher.Emit(ctx, ev); err != nil && logger != nil {
		logger.WarnContext(ctx, "failed to emit audit event", "event", string(event), "error", err)
	}
}
