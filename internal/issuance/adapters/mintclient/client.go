// Package mintclient talks to the remote mint service over HTTP: it asks for
// unsigned create-collection transactions and submits signed ones.
package mintclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"certmint/internal/issuance/metrics"
	"certmint/internal/issuance/models"
	"certmint/pkg/platform/circuit"
)

const (
	constructPath = "/v1/collections/construct"
	confirmPath   = "/v1/collections/confirm"

	maxResponseBytes = 1 << 20
)

type constructRequest struct {
	Image       string `json:"image"`
	MediaType   string `json:"media_type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner"`
	AttemptID   string `json:"attempt_id"`
}

type constructResponse struct {
	Transaction  string `json:"transaction"`
	CollectionID string `json:"collection_id"`
}

type confirmRequest struct {
	Transaction string `json:"transaction"`
}

type confirmResponse struct {
	Status       string `json:"status,omitempty"`
	CollectionID string `json:"collection_id"`
	Message      string `json:"message,omitempty"`
}

// Client implements ports.MintService.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuit.Breaker
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// constructTimeout bounds one construct exchange. Confirm has no client
	// side bound; the caller's deadline governs it.
	constructTimeout time.Duration
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New builds a client for baseURL. timeout bounds each construct exchange.
// Confirm runs until the caller's context ends.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("mint service URL is required")
	}
	c := &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       &http.Client{},
		constructTimeout: timeout,
		breaker:          circuit.New("mint-service", circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(1), circuit.WithOpenTimeout(30*time.Second)),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Construct asks the service for an unsigned transaction. Every failure wraps
// models.ErrConstructionFailed; the circuit breaker opens after repeated
// failures and fails fast while open.
func (c *Client) Construct(ctx context.Context, req models.IssuanceRequest) (models.Envelope, error) {
	if !c.breaker.Allow() {
		return models.Envelope{}, fmt.Errorf("%w: %w", models.ErrConstructionFailed,
			&Error{Category: ErrorCircuitOpen, Op: "construct", Message: "mint service unavailable"})
	}

	img := req.Image()
	body := constructRequest{
		Image:       base64.StdEncoding.EncodeToString(img.Data),
		MediaType:   img.MediaType,
		Name:        req.Title(),
		Description: req.Description(),
		Owner:       req.OwnerIdentity(),
		AttemptID:   req.AttemptID().String(),
	}

	if c.constructTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.constructTimeout)
		defer cancel()
	}

	var out constructResponse
	if err := c.post(ctx, "construct", constructPath, body, &out); err != nil {
		c.record(ctx, err)
		return models.Envelope{}, fmt.Errorf("%w: %w", models.ErrConstructionFailed, err)
	}
	c.record(ctx, nil)

	if out.Transaction == "" || out.CollectionID == "" {
		return models.Envelope{}, fmt.Errorf("%w: %w", models.ErrConstructionFailed,
			&Error{Category: ErrorBadData, Op: "construct", Message: "response is missing transaction or collection_id"})
	}
	return models.Envelope{
		Transaction:                   out.Transaction,
		CollectionIdentifierCandidate: models.CollectionID(out.CollectionID),
	}, nil
}

// Confirm submits a signed transaction. Definite refusals wrap
// models.ErrSubmissionRejected; anything that leaves the ledger state unknown
// wraps models.ErrConfirmationTimeout. Confirm bypasses the breaker: a
// submission must always be attempted once it is signed.
func (c *Client) Confirm(ctx context.Context, payload models.SubmissionPayload) (models.CollectionID, error) {
	var out confirmResponse
	err := c.post(ctx, "confirm", confirmPath, confirmRequest{Transaction: string(payload)}, &out)
	if err != nil {
		switch Category(err) {
		case ErrorRejected:
			return "", fmt.Errorf("%w: %w", models.ErrSubmissionRejected, err)
		case ErrorAuthentication, ErrorRateLimited:
			// Refused before reaching the ledger.
			return "", fmt.Errorf("%w: %w", models.ErrSubmissionRejected, err)
		default:
			return "", fmt.Errorf("%w: %w", models.ErrConfirmationTimeout, err)
		}
	}
	if strings.EqualFold(out.Status, "rejected") {
		return "", fmt.Errorf("%w: %w", models.ErrSubmissionRejected,
			&Error{Category: ErrorRejected, Op: "confirm", Message: out.Message})
	}
	if out.CollectionID == "" {
		return "", fmt.Errorf("%w: %w", models.ErrConfirmationTimeout,
			&Error{Category: ErrorBadData, Op: "confirm", Message: "response is missing collection_id"})
	}
	return models.CollectionID(out.CollectionID), nil
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Category: ErrorBadData, Op: op, Message: "encode request", Underlying: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Category: ErrorOutage, Op: op, Message: "build request", Underlying: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Category: categorizeTransport(err), Op: op, Underlying: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Category: categorizeTransport(err), Op: op, StatusCode: resp.StatusCode, Message: "read response", Underlying: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Category:   categorizeStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Category: ErrorBadData, Op: op, StatusCode: resp.StatusCode, Message: "decode response", Underlying: err}
	}
	return nil
}

// record feeds the breaker. Refusals and bad payloads mean the service is up
// and count as successes; only outages, timeouts and throttling trip it. A
// call the caller cancelled says nothing about the service.
func (c *Client) record(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		c.breaker.Abandon()
		return
	}
	switch Category(err) {
	case ErrorOutage, ErrorTimeout, ErrorRateLimited:
		if change := c.breaker.RecordFailure(); change.Opened {
			c.logger.WarnContext(ctx, "mint service circuit opened", "breaker", c.breaker.Name(), "error", err)
			if c.metrics != nil {
				c.metrics.SetCircuitOpen(true)
			}
		}
	default:
		if change := c.breaker.RecordSuccess(); change.Closed {
			c.logger.InfoContext(ctx, "mint service circuit closed", "breaker", c.breaker.Name())
			if c.metrics != nil {
				c.metrics.SetCircuitOpen(false)
			}
		}
	}
}
