// Package store persists issuance attempt records and the per-course
// reservation behind ports.AttemptStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"certmint/internal/issuance/models"
	id "certmint/pkg/domain"
	"certmint/pkg/platform/sentinel"
)

// InMemoryStore keeps attempts in process memory. Suitable for a single
// instance and for tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[id.AttemptID]*models.AttemptRecord
	holders  map[id.CourseID]id.AttemptID
	byCourse map[id.CourseID][]id.AttemptID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[id.AttemptID]*models.AttemptRecord),
		holders:  make(map[id.CourseID]id.AttemptID),
		byCourse: make(map[id.CourseID][]id.AttemptID),
	}
}

func (s *InMemoryStore) Reserve(_ context.Context, courseID id.CourseID, attemptID id.AttemptID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.holders[courseID]; ok && holder != attemptID {
		return fmt.Errorf("course %s held by attempt %s: %w", courseID, holder, sentinel.ErrConflict)
	}
	s.holders[courseID] = attemptID
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, courseID id.CourseID, attemptID id.AttemptID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.holders[courseID]; ok && holder == attemptID {
		delete(s.holders, courseID)
	}
	return nil
}

func (s *InMemoryStore) Holder(_ context.Context, courseID id.CourseID) (id.AttemptID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	holder, ok := s.holders[courseID]
	if !ok {
		return id.AttemptID{}, sentinel.ErrNotFound
	}
	return holder, nil
}

func (s *InMemoryStore) Save(_ context.Context, record *models.AttemptRecord) error {
	if record == nil {
		return fmt.Errorf("attempt record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; !exists {
		s.byCourse[record.CourseID] = append(s.byCourse[record.CourseID], record.ID)
	}
	stored := *record
	s.records[record.ID] = &stored
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, attemptID id.AttemptID) (*models.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[attemptID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := *record
	return &out, nil
}

// ListByCourse returns the course's attempts, oldest first.
func (s *InMemoryStore) ListByCourse(_ context.Context, courseID id.CourseID) ([]*models.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byCourse[courseID]
	out := make([]*models.AttemptRecord, 0, len(ids))
	for _, attemptID := range ids {
		record := *s.records[attemptID]
		out = append(out, &record)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
