package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"certmint/internal/issuance/models"
	id "certmint/pkg/domain"
)

// Transition is reported to observers each time an attempt changes state.
type Transition struct {
	AttemptID id.AttemptID
	CourseID  id.CourseID
	From      models.State
	To        models.State
	Candidate models.CollectionID
	At        time.Time
	// Outcome is set on the transition into a terminal state.
	Outcome *models.Outcome
}

// Observer is called synchronously on the attempt's goroutine, in order.
// It must not block for long and must not call Wait on the same attempt.
type Observer func(Transition)

var errTransitionRefused = errors.New("transition refused")

// Attempt is one running pipeline. It is safe for concurrent use.
type Attempt struct {
	id       id.AttemptID
	courseID id.CourseID

	mu              sync.Mutex
	state           models.State
	candidate       models.CollectionID
	cancelRequested bool
	cancel          context.CancelCauseFunc
	observers       []Observer

	done    chan struct{}
	outcome models.Outcome
}

func newAttempt(req models.IssuanceRequest, cancel context.CancelCauseFunc, observers []Observer) *Attempt {
	return &Attempt{
		id:        req.AttemptID(),
		courseID:  req.CourseID(),
		state:     models.StateIdle,
		cancel:    cancel,
		observers: observers,
		done:      make(chan struct{}),
	}
}

func (a *Attempt) ID() id.AttemptID { return a.id }

func (a *Attempt) CourseID() id.CourseID { return a.courseID }

func (a *Attempt) State() models.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Cancel asks the attempt to stop. It returns false once the signed
// transaction may have been submitted, or when the attempt already finished;
// the attempt then runs to its own outcome.
func (a *Attempt) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.IsTerminal() || a.state.Committed() {
		return false
	}
	a.cancelRequested = true
	a.cancel(models.ErrCancelled)
	return true
}

// Done is closed once the outcome is available.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Wait blocks until the attempt finishes or ctx is done. Giving up on Wait
// does not cancel the attempt.
func (a *Attempt) Wait(ctx context.Context) (models.Outcome, error) {
	select {
	case <-a.done:
		return a.outcome, nil
	case <-ctx.Done():
		return models.Outcome{}, ctx.Err()
	}
}

// Outcome returns the outcome if the attempt finished.
func (a *Attempt) Outcome() (models.Outcome, bool) {
	select {
	case <-a.done:
		return a.outcome, true
	default:
		return models.Outcome{}, false
	}
}

// advance moves the attempt to next. Moves that stay before submission, and
// the move into Submitting itself, are refused once cancellation was
// requested or ctx is done. The check and the move happen under one lock, so
// Cancel either wins before Submitting or returns false after it.
func (a *Attempt) advance(ctx context.Context, next models.State) error {
	a.mu.Lock()
	from := a.state
	if !from.CanAdvanceTo(next) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", errTransitionRefused, from, next)
	}
	if !next.Committed() || next == models.StateSubmitting {
		if a.cancelRequested || ctx.Err() != nil {
			a.mu.Unlock()
			return models.ErrCancelled
		}
	}
	a.state = next
	candidate := a.candidate
	a.mu.Unlock()

	a.notify(Transition{From: from, To: next, Candidate: candidate})
	return nil
}

func (a *Attempt) setCandidate(c models.CollectionID) {
	a.mu.Lock()
	a.candidate = c
	a.mu.Unlock()
}

// finish records the terminal outcome and releases waiters.
func (a *Attempt) finish(o models.Outcome) {
	a.mu.Lock()
	from := a.state
	a.state = o.State()
	a.outcome = o
	a.mu.Unlock()

	a.notify(Transition{From: from, To: o.State(), Candidate: o.Candidate(), Outcome: &o})
	a.cancel(nil)
	close(a.done)
}

func (a *Attempt) notify(t Transition) {
	t.AttemptID = a.id
	t.CourseID = a.courseID
	t.At = time.Now()
	for _, obs := range a.observers {
		obs(t)
	}
}
