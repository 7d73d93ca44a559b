package models

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. Collaborator adapters return these (wrapped with
// detail); the coordinator attaches the stage.
var (
	// ErrConstructionFailed: the mint service could not build the unsigned
	// transaction. Nothing reached the ledger; safe to retry.
	ErrConstructionFailed = errors.New("construction failed")

	// ErrDecode: the envelope transaction is not valid in the wire encoding.
	ErrDecode = errors.New("transaction decode failed")

	// ErrUserRejected: the signer's holder declined to sign.
	ErrUserRejected = errors.New("signature rejected by user")

	// ErrCapabilityUnavailable: no signing capability can sign this transaction.
	ErrCapabilityUnavailable = errors.New("signing capability unavailable")

	// ErrEncode: signed bytes could not be put in the submission encoding.
	ErrEncode = errors.New("submission encode failed")

	// ErrSubmissionRejected: the ledger definitely rejected the transaction.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrConfirmationTimeout: the submission outcome is unknown.
	ErrConfirmationTimeout = errors.New("confirmation timed out")

	// ErrIntegrity: the confirmed identifier differs from the constructed candidate.
	ErrIntegrity = errors.New("collection identifier mismatch")

	// ErrCancelled: the caller cancelled the attempt before submission.
	ErrCancelled = errors.New("issuance cancelled")
)

// StageError ties a pipeline failure to the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("issuance %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with its stage. A nil err yields nil.
func NewStageError(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf extracts the stage from err, or "" when err carries none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Reason returns a stable, machine-readable reason for a pipeline error.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrConstructionFailed):
		return "construction_failed"
	case errors.Is(err, ErrDecode):
		return "decode_error"
	case errors.Is(err, ErrUserRejected):
		return "user_rejected"
	case errors.Is(err, ErrCapabilityUnavailable):
		return "capability_unavailable"
	case errors.Is(err, ErrEncode):
		return "encode_error"
	case errors.Is(err, ErrSubmissionRejected):
		return "submission_rejected"
	case errors.Is(err, ErrConfirmationTimeout):
		return "confirmation_timeout"
	case errors.Is(err, ErrIntegrity):
		return "integrity_error"
	default:
		return "internal"
	}
}
