// Package memory keeps the audit trail in process. Each course holds a
// bounded window of its most recent events.
package memory

import (
	"context"
	"sync"

	id "certmint/pkg/domain"
	audit "certmint/pkg/platform/audit"
)

// DefaultRetention is the number of events kept per course.
const DefaultRetention = 256

type Store struct {
	mu        sync.RWMutex
	retention int
	byCourse  map[id.CourseID][]audit.Event
}

type Option func(*Store)

// WithRetention caps the events kept per course. Non-positive values keep
// the default.
func WithRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		retention: DefaultRetention,
		byCourse:  make(map[id.CourseID][]audit.Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records the event, evicting the course's oldest event once the
// window is full.
func (s *Store) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trail := append(s.byCourse[event.CourseID], event)
	if over := len(trail) - s.retention; over > 0 {
		trail = append(trail[:0:0], trail[over:]...)
	}
	s.byCourse[event.CourseID] = trail
	return nil
}

// ListByCourse returns the course's events oldest first.
func (s *Store) ListByCourse(_ context.Context, courseID id.CourseID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.byCourse[courseID]...), nil
}

// ListByAttempt narrows a course's trail to one attempt.
func (s *Store) ListByAttempt(_ context.Context, courseID id.CourseID, attemptID id.AttemptID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Event
	for _, event := range s.byCourse[courseID] {
		if event.AttemptID == attemptID {
			out = append(out, event)
		}
	}
	return out, nil
}
