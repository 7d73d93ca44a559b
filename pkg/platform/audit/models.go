package audit

import (
	"time"

	id "certmint/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events that change what the ledger holds for a
	// course. These need long retention; a confirmed collection is permanent.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers signing declines and integrity failures.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine pipeline activity that can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	// CourseID is the subject of every issuance event.
	CourseID  id.CourseID
	AttemptID id.AttemptID
	Action    string
	// ActorID is the owner identity that requested the issuance, or the
	// operator for reconciliation events.
	ActorID      string
	Stage        string
	CollectionID string
	Reason       string
	RequestID    string
}

type AuditEvent string

const (
	EventIssuanceStarted       AuditEvent = "issuance_started"
	EventIssuanceConfirmed     AuditEvent = "issuance_confirmed"
	EventIssuanceFailed        AuditEvent = "issuance_failed"
	EventIssuanceCancelled     AuditEvent = "issuance_cancelled"
	EventIssuanceIndeterminate AuditEvent = "issuance_indeterminate"
	EventIssuanceReconciled    AuditEvent = "issuance_reconciled"
	EventSignatureRejected     AuditEvent = "signature_rejected"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventIssuanceConfirmed:     CategoryCompliance,
	EventIssuanceIndeterminate: CategoryCompliance,
	EventIssuanceReconciled:    CategoryCompliance,

	EventSignatureRejected: CategorySecurity,

	EventIssuanceStarted:   CategoryOperations,
	EventIssuanceFailed:    CategoryOperations,
	EventIssuanceCancelled: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}
