package handler

import (
	"time"

	"certmint/internal/issuance/adapters/signer"
	"certmint/internal/issuance/models"
	id "certmint/pkg/domain"
	audit "certmint/pkg/platform/audit"
)

// AttemptResponse is the HTTP view of an attempt record.
type AttemptResponse struct {
	AttemptID    string    `json:"attempt_id"`
	CourseID     string    `json:"course_id"`
	Title        string    `json:"title"`
	Owner        string    `json:"owner"`
	State        string    `json:"state"`
	Outcome      string    `json:"outcome,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	Candidate    string    `json:"candidate,omitempty"`
	CollectionID string    `json:"collection_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Advice       string    `json:"advice,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FromRecord converts a stored record to its response.
func FromRecord(r *models.AttemptRecord) *AttemptResponse {
	return &AttemptResponse{
		AttemptID:    r.ID.String(),
		CourseID:     r.CourseID.String(),
		Title:        r.Title,
		Owner:        r.OwnerIdentity,
		State:        string(r.State),
		Outcome:      string(r.Outcome),
		Stage:        string(r.Stage),
		Candidate:    r.Candidate.String(),
		CollectionID: r.CollectionID.String(),
		Reason:       r.Reason,
		Advice:       string(r.Advice),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// AttemptListResponse wraps the attempts made for one course.
type AttemptListResponse struct {
	CourseID string             `json:"course_id"`
	Attempts []*AttemptResponse `json:"attempts"`
}

func FromRecords(courseID string, records []*models.AttemptRecord) *AttemptListResponse {
	out := &AttemptListResponse{CourseID: courseID, Attempts: make([]*AttemptResponse, 0, len(records))}
	for _, r := range records {
		out.Attempts = append(out.Attempts, FromRecord(r))
	}
	return out
}

// SigningRequestResponse is what a wallet fetches before signing.
type SigningRequestResponse struct {
	ID          string     `json:"id"`
	AttemptID   string     `json:"attempt_id"`
	Transaction string     `json:"transaction"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func FromSigningRequest(req signer.SigningRequest) *SigningRequestResponse {
	return &SigningRequestResponse{
		ID:          req.ID.String(),
		AttemptID:   req.AttemptID.String(),
		Transaction: req.Transaction,
		CreatedAt:   req.CreatedAt,
		ExpiresAt:   req.ExpiresAt,
	}
}

type SigningRequestListResponse struct {
	Requests []*SigningRequestResponse `json:"requests"`
}

func FromSigningRequests(reqs []signer.SigningRequest) *SigningRequestListResponse {
	out := &SigningRequestListResponse{Requests: make([]*SigningRequestResponse, 0, len(reqs))}
	for _, r := range reqs {
		out.Requests = append(out.Requests, FromSigningRequest(r))
	}
	return out
}

// AuditEventResponse is one entry of a course's audit trail.
type AuditEventResponse struct {
	Action       string    `json:"action"`
	Category     string    `json:"category"`
	AttemptID    string    `json:"attempt_id,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	CollectionID string    `json:"collection_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type AuditTrailResponse struct {
	CourseID string                `json:"course_id"`
	Events   []*AuditEventResponse `json:"events"`
}

func FromAuditEvents(courseID string, events []audit.Event) *AuditTrailResponse {
	out := &AuditTrailResponse{CourseID: courseID, Events: make([]*AuditEventResponse, 0, len(events))}
	for _, e := range events {
		entry := &AuditEventResponse{
			Action:       e.Action,
			Category:     string(e.Category),
			ActorID:      e.ActorID,
			Stage:        e.Stage,
			CollectionID: e.CollectionID,
			Reason:       e.Reason,
			RequestID:    e.RequestID,
			Timestamp:    e.Timestamp,
		}
		if e.AttemptID != (id.AttemptID{}) {
			entry.AttemptID = e.AttemptID.String()
		}
		out.Events = append(out.Events, entry)
	}
	return out
}
