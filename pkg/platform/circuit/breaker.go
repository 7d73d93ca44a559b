// Package circuit provides a consecutive-failure circuit breaker for outbound
// adapters.
//
// A closed breaker admits every call. After FailureThreshold consecutive
// failures it opens and refuses calls. Once OpenTimeout has elapsed it goes
// half-open and admits one probe at a time; SuccessThreshold consecutive
// successful probes close it, and any failed probe reopens it.
package circuit

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// StateChange reports a transition caused by a recorded result.
type StateChange struct {
	Opened bool
	Closed bool
}

type Breaker struct {
	mu    sync.Mutex
	name  string
	state State

	failures  int
	successes int
	probing   bool
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time
}

type Option func(*Breaker)

func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithOpenTimeout sets how long an open breaker refuses calls before probing.
// Zero keeps it open until Reset.
func WithOpenTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d >= 0 {
			b.openTimeout = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 1,
		openTimeout:      30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may reach the dependency. A true result from
// a half-open breaker reserves the probe slot; the caller must report the
// result with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.openTimeout <= 0 || b.now().Sub(b.openedAt) < b.openTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *Breaker) RecordFailure() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.open()
		return StateChange{}
	case StateOpen:
		return StateChange{}
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.open()
		return StateChange{Opened: true}
	}
	return StateChange{}
}

func (b *Breaker) RecordSuccess() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			return StateChange{Closed: true}
		}
	case StateClosed:
		b.failures = 0
	}
	return StateChange{}
}

// Abandon reports an admitted call that ended without a verdict, such as
// one cancelled by its caller. It frees a half-open probe slot and counts
// nothing.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.openedAt = time.Time{}
}

// open must be called with mu held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
	b.probing = false
}
