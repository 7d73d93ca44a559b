// Package coordinator drives one certificate collection issuance through
// construct, decode, sign, encode and confirm, and reduces whatever happens to
// a single models.Outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"certmint/internal/issuance/codec"
	"certmint/internal/issuance/metrics"
	"certmint/internal/issuance/models"
	"certmint/internal/issuance/ports"
	"certmint/pkg/requestcontext"
)

const (
	DefaultConfirmTimeout       = 60 * time.Second
	DefaultConstructMaxAttempts = 3
	DefaultConstructBackoff     = 200 * time.Millisecond
)

// Coordinator holds no per-attempt state; one instance serves any number of
// concurrent attempts.
type Coordinator struct {
	mint    ports.MintService
	signer  ports.Signer
	codec   codec.TransportCodec
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	confirmTimeout    time.Duration
	constructAttempts int
	constructBackoff  time.Duration
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithCodec(tc codec.TransportCodec) Option {
	return func(c *Coordinator) {
		if tc != nil {
			c.codec = tc
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithConfirmTimeout bounds the confirm call. Expiry yields an indeterminate
// outcome.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// WithConstructRetry sets the total number of construct calls and the initial
// backoff between them.
func WithConstructRetry(maxAttempts int, initial time.Duration) Option {
	return func(c *Coordinator) {
		if maxAttempts > 0 {
			c.constructAttempts = maxAttempts
		}
		if initial > 0 {
			c.constructBackoff = initial
		}
	}
}

func New(mint ports.MintService, signer ports.Signer, opts ...Option) (*Coordinator, error) {
	if mint == nil {
		return nil, errors.New("mint service is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	c := &Coordinator{
		mint:              mint,
		signer:            signer,
		codec:             codec.New(),
		logger:            slog.Default(),
		tracer:            otel.Tracer("certmint/issuance/coordinator"),
		confirmTimeout:    DefaultConfirmTimeout,
		constructAttempts: DefaultConstructMaxAttempts,
		constructBackoff:  DefaultConstructBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue runs an attempt to completion and returns its outcome. Cancelling ctx
// before submission yields a cancelled outcome; after submission it has no
// effect.
func (c *Coordinator) Issue(ctx context.Context, req models.IssuanceRequest) models.Outcome {
	a := c.Start(ctx, req)
	<-a.Done()
	o, _ := a.Outcome()
	return o
}

// Start launches an attempt in the background. Observers see every state
// change, including the terminal one, before Wait returns.
func (c *Coordinator) Start(ctx context.Context, req models.IssuanceRequest, observers ...Observer) *Attempt {
	runCtx, cancel := context.WithCancelCause(ctx)
	runCtx = requestcontext.WithAttemptID(runCtx, req.AttemptID())
	a := newAttempt(req, cancel, observers)

	if c.metrics != nil {
		c.metrics.IncrementStarted()
	}
	go c.run(runCtx, a, req)
	return a
}

func (c *Coordinator) run(ctx context.Context, a *Attempt, req models.IssuanceRequest) {
	ctx, span := c.tracer.Start(ctx, "issuance.attempt", trace.WithAttributes(
		attribute.String("attempt_id", req.AttemptID().String()),
		attribute.String("course_id", req.CourseID().String()),
	))
	defer span.End()

	o := c.pipeline(ctx, a, pending{req: req})

	if err := o.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, o.Reason())
	}
	span.SetAttributes(attribute.String("outcome", string(o.Kind())))

	level := slog.LevelInfo
	if o.Kind() != models.OutcomeConfirmed {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "issuance attempt finished",
		"attempt_id", req.AttemptID().String(),
		"course_id", req.CourseID().String(),
		"outcome", string(o.Kind()),
		"stage", string(o.Stage()),
		"reason", o.Reason(),
		"candidate", o.Candidate().String(),
		"collection_id", o.CollectionID().String(),
	)
	if c.metrics != nil {
		c.metrics.ObserveOutcome(string(o.Kind()), string(o.Stage()), o.Reason())
	}

	a.finish(o)
}

func (c *Coordinator) pipeline(ctx context.Context, a *Attempt, p pending) models.Outcome {
	if p.req.IsZero() {
		return models.Failed(models.StageConstruct, "", fmt.Errorf("%w: request was not built with NewIssuanceRequest", models.ErrConstructionFailed))
	}

	if err := a.advance(ctx, models.StateConstructing); err != nil {
		return c.stopped(ctx, models.StageConstruct, "", err)
	}
	cons, err := c.construct(ctx, p)
	if err != nil {
		if cancelled(ctx) {
			return c.stopped(ctx, models.StageConstruct, "", err)
		}
		return models.Failed(models.StageConstruct, "", err)
	}
	candidate := cons.envelope.CollectionIdentifierCandidate
	a.setCandidate(candidate)

	awaiting, err := c.decode(ctx, cons)
	if err != nil {
		return models.Failed(models.StageDecode, candidate, err)
	}
	if err := a.advance(ctx, models.StateAwaitingSignature); err != nil {
		return c.stopped(ctx, models.StageSign, candidate, err)
	}

	sig, err := c.sign(ctx, awaiting)
	if err != nil {
		if cancelled(ctx) {
			return c.stopped(ctx, models.StageSign, candidate, err)
		}
		return models.Failed(models.StageSign, candidate, err)
	}

	sub, err := c.encode(ctx, sig)
	if err != nil {
		return models.Failed(models.StageEncode, candidate, err)
	}

	// Commit point. Past this line cancellation is refused.
	if err := a.advance(ctx, models.StateSubmitting); err != nil {
		return c.stopped(ctx, models.StageSign, candidate, err)
	}
	if err := a.advance(ctx, models.StateConfirming); err != nil {
		return models.Failed(models.StageConfirm, candidate, err)
	}
	return c.confirm(ctx, sub)
}

// stopped turns a refused transition or a cancelled stage into an outcome.
func (c *Coordinator) stopped(ctx context.Context, stage models.Stage, candidate models.CollectionID, err error) models.Outcome {
	if errors.Is(err, errTransitionRefused) {
		return models.Failed(stage, candidate, err)
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, models.ErrCancelled) {
		return models.Cancelled(stage, candidate, models.ErrCancelled)
	}
	return models.Cancelled(stage, candidate, fmt.Errorf("%w: %w", models.ErrCancelled, cause))
}

func (c *Coordinator) construct(ctx context.Context, p pending) (constructed, error) {
	ctx, span := c.tracer.Start(ctx, "issuance.construct")
	defer span.End()
	start := time.Now()
	defer c.observeStage(models.StageConstruct, start)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.constructBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.constructAttempts-1)), ctx)

	var envelope models.Envelope
	op := func() error {
		env, err := c.mint.Construct(ctx, p.req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if env.Transaction == "" || env.CollectionIdentifierCandidate == "" {
			return backoff.Permanent(fmt.Errorf("%w: malformed envelope", models.ErrConstructionFailed))
		}
		envelope = env
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "construct failed, retrying",
			"attempt_id", p.req.AttemptID().String(),
			"error", err,
			"backoff", wait,
		)
		if c.metrics != nil {
			c.metrics.IncrementConstructRetries()
		}
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if !errors.Is(err, models.ErrConstructionFailed) {
			err = fmt.Errorf("%w: %w", models.ErrConstructionFailed, err)
		}
		endSpan(span, err)
		return constructed{}, err
	}
	span.SetAttributes(attribute.String("candidate", envelope.CollectionIdentifierCandidate.String()))
	return constructed{req: p.req, envelope: envelope}, nil
}

func (c *Coordinator) decode(ctx context.Context, cons constructed) (awaitingSignature, error) {
	_, span := c.tracer.Start(ctx, "issuance.decode")
	defer span.End()

	raw, err := c.codec.Decode(cons.envelope.Transaction)
	if err != nil {
		if !errors.Is(err, models.ErrDecode) {
			err = fmt.Errorf("%w: %w", models.ErrDecode, err)
		}
		endSpan(span, err)
		return awaitingSignature{}, err
	}
	return awaitingSignature{
		req:       cons.req,
		candidate: cons.envelope.CollectionIdentifierCandidate,
		unsigned:  raw,
	}, nil
}

func (c *Coordinator) sign(ctx context.Context, aw awaitingSignature) (signed, error) {
	ctx, span := c.tracer.Start(ctx, "issuance.sign")
	defer span.End()
	start := time.Now()
	defer c.observeStage(models.StageSign, start)

	out, err := c.signer.Sign(ctx, aw.unsigned)
	if err != nil {
		endSpan(span, err)
		return signed{}, err
	}
	return signed{req: aw.req, candidate: aw.candidate, signed: out}, nil
}

func (c *Coordinator) encode(ctx context.Context, s signed) (submitting, error) {
	_, span := c.tracer.Start(ctx, "issuance.encode")
	defer span.End()

	payload, err := c.codec.Encode(s.signed)
	if err != nil {
		if !errors.Is(err, models.ErrEncode) {
			err = fmt.Errorf("%w: %w", models.ErrEncode, err)
		}
		endSpan(span, err)
		return submitting{}, err
	}
	return submitting{req: s.req, candidate: s.candidate, payload: payload}, nil
}

type confirmResult struct {
	id  models.CollectionID
	err error
}

// confirm ignores cancellation of ctx: the transaction is on its way to the
// ledger and only the confirm timeout ends the wait.
func (c *Coordinator) confirm(ctx context.Context, sub submitting) models.Outcome {
	ctx, span := c.tracer.Start(context.WithoutCancel(ctx), "issuance.confirm")
	defer span.End()
	start := time.Now()
	defer c.observeStage(models.StageConfirm, start)

	cctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	results := make(chan confirmResult, 1)
	go func() {
		id, err := c.mint.Confirm(cctx, sub.payload)
		results <- confirmResult{id: id, err: err}
	}()

	var res confirmResult
	select {
	case res = <-results:
	case <-cctx.Done():
		res = confirmResult{err: fmt.Errorf("%w: no response within %s", models.ErrConfirmationTimeout, c.confirmTimeout)}
	}

	if res.err != nil {
		endSpan(span, res.err)
		switch {
		case errors.Is(res.err, models.ErrSubmissionRejected):
			return models.Failed(models.StageConfirm, sub.candidate, res.err)
		case errors.Is(res.err, models.ErrConfirmationTimeout):
			return models.Indeterminate(sub.candidate, res.err)
		case errors.Is(res.err, context.DeadlineExceeded):
			return models.Indeterminate(sub.candidate, fmt.Errorf("%w: %w", models.ErrConfirmationTimeout, res.err))
		default:
			// The transaction was handed over; without a definite rejection
			// its fate is unknown.
			return models.Indeterminate(sub.candidate, fmt.Errorf("confirmation outcome unknown: %w", res.err))
		}
	}

	if res.id != sub.candidate {
		err := fmt.Errorf("%w: constructed %q, confirmed %q", models.ErrIntegrity, sub.candidate, res.id)
		endSpan(span, err)
		c.logger.ErrorContext(ctx, "confirmed collection identifier does not match candidate",
			"attempt_id", sub.req.AttemptID().String(),
			"course_id", sub.req.CourseID().String(),
			"candidate", sub.candidate.String(),
			"collection_id", res.id.String(),
		)
		return models.Failed(models.StageConfirm, sub.candidate, err)
	}
	return models.Confirmed(res.id)
}

func (c *Coordinator) observeStage(stage models.Stage, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveStage(string(stage), time.Since(start))
	}
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
