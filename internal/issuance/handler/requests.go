package handler

import (
	"encoding/base64"
	"strings"

	"certmint/internal/issuance/models"
	dErrors "certmint/pkg/domain-errors"
)

// SignatureRequest is the body of POST /issuances/{attemptID}/signature.
type SignatureRequest struct {
	SignedTransaction string `json:"signed_transaction"`

	signed []byte
}

// Validate implements httputil.Validatable.
func (r *SignatureRequest) Validate() error {
	r.SignedTransaction = strings.TrimSpace(r.SignedTransaction)
	if r.SignedTransaction == "" {
		return dErrors.New(dErrors.CodeValidation, "signed_transaction is required")
	}
	signed, err := base64.StdEncoding.Strict().DecodeString(r.SignedTransaction)
	if err != nil || len(signed) == 0 {
		return dErrors.New(dErrors.CodeValidation, "signed_transaction must be base64")
	}
	r.signed = signed
	return nil
}

// Signed returns the decoded transaction bytes.
func (r *SignatureRequest) Signed() []byte {
	return r.signed
}

// RejectRequest is the optional body of POST /issuances/{attemptID}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

func (r *RejectRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if len(r.Reason) > 500 {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 500 characters")
	}
	return nil
}

// ReconcileRequest is the body of POST /admin/courses/{courseID}/reconcile.
// An empty collection_id records that nothing was issued.
type ReconcileRequest struct {
	CollectionID string `json:"collection_id"`
}

func (r *ReconcileRequest) Validate() error {
	r.CollectionID = strings.TrimSpace(r.CollectionID)
	if len(r.CollectionID) > 128 {
		return dErrors.New(dErrors.CodeValidation, "collection_id must be at most 128 characters")
	}
	return nil
}

func (r *ReconcileRequest) Parsed() models.CollectionID {
	return models.CollectionID(r.CollectionID)
}
