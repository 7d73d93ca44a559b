package signer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"certmint/internal/issuance/codec"
	"certmint/internal/issuance/metrics"
	"certmint/internal/issuance/models"
	id "certmint/pkg/domain"
	dErrors "certmint/pkg/domain-errors"
	"certmint/pkg/platform/sentinel"
	"certmint/pkg/requestcontext"
)

// SigningRequest is what the user's wallet needs to sign an attempt's
// transaction.
type SigningRequest struct {
	ID          uuid.UUID    `json:"id"`
	AttemptID   id.AttemptID `json:"attempt_id"`
	Transaction string       `json:"transaction"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

type approvalResult struct {
	signed []byte
	err    error
}

type pendingRequest struct {
	request  SigningRequest
	unsigned []byte
	result   chan approvalResult
}

// Approval parks each Sign call until the user approves or rejects it through
// Approve or Reject. Requests are keyed by the attempt ID the coordinator puts
// in the context.
type Approval struct {
	mu      sync.Mutex
	pending map[id.AttemptID]*pendingRequest

	timeout time.Duration
	verify  VerifyFunc
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type ApprovalOption func(*Approval)

// WithSigningTimeout rejects requests nobody answered within d. Zero waits
// until the context ends.
func WithSigningTimeout(d time.Duration) ApprovalOption {
	return func(a *Approval) {
		a.timeout = d
	}
}

// WithVerifier replaces the signature check applied in Approve.
func WithVerifier(v VerifyFunc) ApprovalOption {
	return func(a *Approval) {
		if v != nil {
			a.verify = v
		}
	}
}

func WithApprovalLogger(logger *slog.Logger) ApprovalOption {
	return func(a *Approval) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithApprovalMetrics(m *metrics.Metrics) ApprovalOption {
	return func(a *Approval) {
		a.metrics = m
	}
}

func NewApproval(opts ...ApprovalOption) *Approval {
	a := &Approval{
		pending: make(map[id.AttemptID]*pendingRequest),
		verify:  VerifySolana,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Approval) Sign(ctx context.Context, unsigned []byte) ([]byte, error) {
	attemptID := requestcontext.AttemptID(ctx)
	if attemptID.IsNil() {
		return nil, fmt.Errorf("%w: no attempt in context", models.ErrCapabilityUnavailable)
	}

	now := time.Now()
	p := &pendingRequest{
		request: SigningRequest{
			ID:          uuid.New(),
			AttemptID:   attemptID,
			Transaction: codec.EncodeTransport(unsigned),
			CreatedAt:   now,
		},
		unsigned: append([]byte(nil), unsigned...),
		result:   make(chan approvalResult, 1),
	}
	var expired <-chan time.Time
	if a.timeout > 0 {
		expiresAt := now.Add(a.timeout)
		p.request.ExpiresAt = &expiresAt
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	a.mu.Lock()
	if _, exists := a.pending[attemptID]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: attempt already has a signing request", models.ErrCapabilityUnavailable)
	}
	a.pending[attemptID] = p
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.IncrementPendingSignatures()
	}
	defer a.remove(attemptID, p)

	a.logger.InfoContext(ctx, "signing request waiting for approval",
		"attempt_id", attemptID.String(), "request_id", p.request.ID.String())

	select {
	case res := <-p.result:
		return res.signed, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		return nil, fmt.Errorf("%w: signing request expired after %s", models.ErrUserRejected, a.timeout)
	}
}

func (a *Approval) remove(attemptID id.AttemptID, p *pendingRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending[attemptID] == p {
		delete(a.pending, attemptID)
		if a.metrics != nil {
			a.metrics.DecrementPendingSignatures()
		}
	}
}

// take removes and returns the pending request so it is answered once.
func (a *Approval) take(attemptID id.AttemptID) (*pendingRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[attemptID]
	if !ok {
		return nil, fmt.Errorf("no signing request for attempt %s: %w", attemptID, sentinel.ErrNotFound)
	}
	delete(a.pending, attemptID)
	if a.metrics != nil {
		a.metrics.DecrementPendingSignatures()
	}
	return p, nil
}

// Pending returns the open signing request for an attempt.
func (a *Approval) Pending(attemptID id.AttemptID) (SigningRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[attemptID]
	if !ok {
		return SigningRequest{}, fmt.Errorf("no signing request for attempt %s: %w", attemptID, sentinel.ErrNotFound)
	}
	return p.request, nil
}

// List returns every open signing request, oldest first.
func (a *Approval) List() []SigningRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SigningRequest, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p.request)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Approve answers the attempt's request with the wallet's signed
// transaction. A signature that does not verify leaves the request open.
func (a *Approval) Approve(ctx context.Context, attemptID id.AttemptID, signed []byte) error {
	a.mu.Lock()
	p, ok := a.pending[attemptID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no signing request for attempt %s: %w", attemptID, sentinel.ErrNotFound)
	}
	if err := a.verify(p.unsigned, signed); err != nil {
		a.logger.WarnContext(ctx, "signed transaction failed verification",
			"attempt_id", attemptID.String(), "error", err)
		return dErrors.Wrap(err, dErrors.CodeValidation, "signed transaction does not match the signing request")
	}

	p, err := a.take(attemptID)
	if err != nil {
		return err
	}
	p.result <- approvalResult{signed: append([]byte(nil), signed...)}
	return nil
}

// Reject declines the attempt's request on the user's behalf.
func (a *Approval) Reject(ctx context.Context, attemptID id.AttemptID, reason string) error {
	p, err := a.take(attemptID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "declined in wallet"
	}
	a.logger.InfoContext(ctx, "signing request rejected", "attempt_id", attemptID.String(), "reason", reason)
	p.result <- approvalResult{err: fmt.Errorf("%w: %s", models.ErrUserRejected, reason)}
	return nil
}
