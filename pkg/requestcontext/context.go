// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware and handlers set these values; services and adapters read them
// without importing net/http.
//
// Usage in adapters (read values):
//
//	attemptID := requestcontext.AttemptID(ctx)
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "certmint/pkg/domain"
)

// Context key types (unexported for encapsulation).
type (
	attemptIDKey   struct{}
	actorIDKey     struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyAttemptID   = attemptIDKey{}
	ContextKeyActorID     = actorIDKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// -----------------------------------------------------------------------------
// Issuance context
// -----------------------------------------------------------------------------

// AttemptID retrieves the issuance attempt ID from the context.
// Returns the zero value (nil UUID) if not set.
func AttemptID(ctx context.Context) id.AttemptID {
	if attemptID, ok := ctx.Value(ContextKeyAttemptID).(id.AttemptID); ok {
		return attemptID
	}
	return id.AttemptID{}
}

// WithAttemptID injects the attempt ID. The coordinator sets it before calling
// the signer so approval-based signers can key pending requests by attempt.
func WithAttemptID(ctx context.Context, attemptID id.AttemptID) context.Context {
	return context.WithValue(ctx, ContextKeyAttemptID, attemptID)
}

// ActorID retrieves the identity of the caller acting on an attempt.
func ActorID(ctx context.Context) string {
	if actor, ok := ctx.Value(ContextKeyActorID).(string); ok {
		return actor
	}
	return ""
}

// WithActorID injects the acting identity into the context.
func WithActorID(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ContextKeyActorID, actor)
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (for background attempts and tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}

// WithoutTime hides any request-scoped time so Now falls back to the clock.
// Work that outlives the request uses it.
func WithoutTime(ctx context.Context) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, nil)
}
