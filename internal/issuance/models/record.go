package models

import (
	"time"

	id "certmint/pkg/domain"
)

// AttemptRecord is the persisted view of one attempt, kept by the issuance
// service for status queries and the per-course guard.
type AttemptRecord struct {
	ID            id.AttemptID `json:"id"`
	CourseID      id.CourseID  `json:"course_id"`
	Title         string       `json:"title"`
	OwnerIdentity string       `json:"owner_identity"`
	State         State        `json:"state"`
	Outcome       OutcomeKind  `json:"outcome,omitempty"`
	Stage         Stage        `json:"stage,omitempty"`
	Candidate     CollectionID `json:"candidate,omitempty"`
	CollectionID  CollectionID `json:"collection_id,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Advice        Advice       `json:"advice,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ApplyOutcome copies the terminal outcome onto the record.
func (r *AttemptRecord) ApplyOutcome(o Outcome, at time.Time) {
	r.State = o.State()
	r.Outcome = o.Kind()
	r.Stage = o.Stage()
	r.Candidate = o.Candidate()
	r.CollectionID = o.CollectionID()
	r.Reason = o.Reason()
	r.Advice = o.Advice()
	r.UpdatedAt = at
}

// HoldsCourse reports whether this attempt keeps its course reserved. Any
// in-flight attempt does; so does a confirmed collection, an unknown
// submission, or an identifier mismatch after confirmation.
func (r *AttemptRecord) HoldsCourse() bool {
	switch r.Outcome {
	case "":
		return true
	case OutcomeConfirmed, OutcomeIndeterminate:
		return true
	case OutcomeFailed:
		return r.Reason == "integrity_error"
	}
	return false
}

// OutcomeEvent is published once per terminal attempt so the course catalog
// can persist the collection identifier.
type OutcomeEvent struct {
	AttemptID    id.AttemptID `json:"attempt_id"`
	CourseID     id.CourseID  `json:"course_id"`
	Outcome      OutcomeKind  `json:"outcome"`
	Stage        Stage        `json:"stage,omitempty"`
	CollectionID CollectionID `json:"collection_id,omitempty"`
	Candidate    CollectionID `json:"candidate,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Advice       Advice       `json:"advice"`
	OccurredAt   time.Time    `json:"occurred_at"`
}

// NewOutcomeEvent builds the event for a finished record.
func NewOutcomeEvent(r *AttemptRecord) OutcomeEvent {
	return OutcomeEvent{
		AttemptID:    r.ID,
		CourseID:     r.CourseID,
		Outcome:      r.Outcome,
		Stage:        r.Stage,
		CollectionID: r.CollectionID,
		Candidate:    r.Candidate,
		Reason:       r.Reason,
		Advice:       r.Advice,
		OccurredAt:   r.UpdatedAt,
	}
}
