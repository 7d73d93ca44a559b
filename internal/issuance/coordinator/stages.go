package coordinator

import "certmint/internal/issuance/models"

// Stage values. Each is produced only by the step before it, so the pipeline
// cannot skip or reorder steps.

type pending struct {
	req models.IssuanceRequest
}

type constructed struct {
	req      models.IssuanceRequest
	envelope models.Envelope
}

type awaitingSignature struct {
	req       models.IssuanceRequest
	candidate models.CollectionID
	unsigned  []byte
}

type signed struct {
	req       models.IssuanceRequest
	candidate models.CollectionID
	signed    []byte
}

type submitting struct {
	req       models.IssuanceRequest
	candidate models.CollectionID
	payload   models.SubmissionPayload
}
