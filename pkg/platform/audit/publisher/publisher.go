// Package publisher persists audit events either inline or through a bounded
// background buffer.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "certmint/pkg/domain"
	audit "certmint/pkg/platform/audit"
	"certmint/pkg/requestcontext"
)

// ErrBufferFull is returned in async mode when the buffer cannot take more events.
var ErrBufferFull = errors.New("audit buffer full")

// Store is the persistence side of the publisher.
type Store interface {
	Append(ctx context.Context, event audit.Event) error
	ListByCourse(ctx context.Context, courseID id.CourseID) ([]audit.Event, error)
	ListByAttempt(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) ([]audit.Event, error)
}

type Publisher struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan audit.Event
	wg     sync.WaitGroup
}

type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to async mode with a buffer of size n.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.events = make(chan audit.Event, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	if p.events != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records an event. Sync mode writes through; async mode enqueues and
// returns ErrBufferFull instead of blocking the pipeline.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if p.events == nil {
		return p.store.Append(ctx, event)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return p.store.Append(ctx, event)
	}
	select {
	case p.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

// Trail returns a course's audit events oldest first. A non-zero attemptID
// narrows the trail to that attempt. Events still buffered in async mode
// are not visible yet.
func (p *Publisher) Trail(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) ([]audit.Event, error) {
	if attemptID == (id.AttemptID{}) {
		return p.store.ListByCourse(ctx, courseID)
	}
	return p.store.ListByAttempt(ctx, courseID, attemptID)
}

// Close stops accepting async events and waits for the buffer to drain.
func (p *Publisher) Close() {
	if p.events == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.events {
		if err := p.store.Append(context.Background(), event); err != nil && p.logger != nil {
			p.logger.Warn("failed to persist audit event", "action", event.Action, "error", err)
		}
	}
}
