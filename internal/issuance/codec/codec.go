// Package codec converts transactions between the mint service's wire
// encoding and the confirmation service's submission encoding.
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"certmint/internal/issuance/models"
)

// TransportCodec is the boundary conversion used by the coordinator.
// Implementations must be pure and safe for concurrent use.
type TransportCodec interface {
	// Decode turns a wire-encoded transaction into raw bytes.
	Decode(transportEncoded string) ([]byte, error)
	// Encode turns signed bytes into a submission payload.
	Encode(signed []byte) (models.SubmissionPayload, error)
}

// Base64Base58 reads standard padded base64 and writes base58 with the
// Bitcoin alphabet.
type Base64Base58 struct{}

// New returns the default codec.
func New() Base64Base58 { return Base64Base58{} }

func (Base64Base58) Decode(transportEncoded string) ([]byte, error) {
	// The decoder silently drops line breaks; the wire form has none.
	if strings.ContainsAny(transportEncoded, "\r\n") {
		return nil, fmt.Errorf("%w: line break in transaction", models.ErrDecode)
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(transportEncoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecode, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", models.ErrDecode)
	}
	return raw, nil
}

func (Base64Base58) Encode(signed []byte) (models.SubmissionPayload, error) {
	if len(signed) == 0 {
		return "", fmt.Errorf("%w: empty signed transaction", models.ErrEncode)
	}
	return models.SubmissionPayload(base58.Encode(signed)), nil
}

// EncodeTransport is the inverse of Decode. The mint client and tests use it
// to produce wire-encoded transactions.
func EncodeTransport(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeSubmission is the inverse of Encode.
func DecodeSubmission(payload models.SubmissionPayload) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", models.ErrDecode)
	}
	raw, err := base58.Decode(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecode, err)
	}
	return raw, nil
}
