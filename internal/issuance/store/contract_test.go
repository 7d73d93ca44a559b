package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"certmint/internal/issuance/models"
	"certmint/internal/issuance/ports"
	id "certmint/pkg/domain"
	"certmint/pkg/platform/sentinel"
)

// contractSuite holds the behaviour every AttemptStore must share. Backend
// suites embed it and set newStore.
type contractSuite struct {
	suite.Suite
	newStore func() ports.AttemptStore
	store    ports.AttemptStore
}

func (s *contractSuite) SetupTest() {
	s.store = s.newStore()
}

func newRecord(courseID id.CourseID, created time.Time) *models.AttemptRecord {
	return &models.AttemptRecord{
		ID:            id.NewAttemptID(),
		CourseID:      courseID,
		Title:         "DeFi 101",
		OwnerIdentity: "owner-wallet",
		State:         models.StateIdle,
		CreatedAt:     created.UTC().Truncate(time.Microsecond),
		UpdatedAt:     created.UTC().Truncate(time.Microsecond),
	}
}

func (s *contractSuite) TestReservation() {
	ctx := context.Background()
	course := id.CourseID("course-" + id.NewAttemptID().String())
	first, second := id.NewAttemptID(), id.NewAttemptID()

	s.Run("first reservation wins", func() {
		s.Require().NoError(s.store.Reserve(ctx, course, first))
		holder, err := s.store.Holder(ctx, course)
		s.Require().NoError(err)
		s.Equal(first, holder)
	})

	s.Run("reserving again with the same attempt is idempotent", func() {
		s.NoError(s.store.Reserve(ctx, course, first))
	})

	s.Run("another attempt conflicts", func() {
		err := s.store.Reserve(ctx, course, second)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("release by a non-holder is ignored", func() {
		s.Require().NoError(s.store.Release(ctx, course, second))
		holder, err := s.store.Holder(ctx, course)
		s.Require().NoError(err)
		s.Equal(first, holder)
	})

	s.Run("release by the holder frees the course", func() {
		s.Require().NoError(s.store.Release(ctx, course, first))
		_, err := s.store.Holder(ctx, course)
		s.ErrorIs(err, sentinel.ErrNotFound)
		s.NoError(s.store.Reserve(ctx, course, second))
	})
}

func (s *contractSuite) TestConcurrentReserveHasOneWinner() {
	ctx := context.Background()
	course := id.CourseID("race-" + id.NewAttemptID().String())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.store.Reserve(ctx, course, id.NewAttemptID()); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

// A conflict must always name a live holder, even while that holder is
// releasing and re-reserving the course.
func (s *contractSuite) TestReserveRacingRelease() {
	ctx := context.Background()
	course := id.CourseID("churn-" + id.NewAttemptID().String())
	first, second := id.NewAttemptID(), id.NewAttemptID()

	var (
		mu   sync.Mutex
		errs []error
	)
	churn := func(self, other id.AttemptID) {
		for range 200 {
			err := s.store.Reserve(ctx, course, self)
			if err == nil {
				err = s.store.Release(ctx, course, self)
			} else if errors.Is(err, sentinel.ErrConflict) && strings.Contains(err.Error(), other.String()) {
				err = nil
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); churn(first, second) }()
	go func() { defer wg.Done(); churn(second, first) }()
	wg.Wait()

	s.Empty(errs)
	_, err := s.store.Holder(ctx, course)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestSaveAndGet() {
	ctx := context.Background()
	record := newRecord("defi-101", time.Now())

	s.Run("missing attempt is not found", func() {
		_, err := s.store.Get(ctx, record.ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("saved record round trips", func() {
		s.Require().NoError(s.store.Save(ctx, record))
		got, err := s.store.Get(ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(record.ID, got.ID)
		s.Equal(record.CourseID, got.CourseID)
		s.Equal(models.StateIdle, got.State)
		s.WithinDuration(record.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	s.Run("save overwrites the outcome", func() {
		record.ApplyOutcome(models.Indeterminate("COL123", models.ErrConfirmationTimeout), time.Now().UTC())
		s.Require().NoError(s.store.Save(ctx, record))

		got, err := s.store.Get(ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StateIndeterminate, got.State)
		s.Equal(models.OutcomeIndeterminate, got.Outcome)
		s.Equal(models.CollectionID("COL123"), got.Candidate)
		s.Equal("confirmation_timeout", got.Reason)
		s.Equal(models.AdviceCheckStatus, got.Advice)
	})

	s.Run("returned records are copies", func() {
		got, err := s.store.Get(ctx, record.ID)
		s.Require().NoError(err)
		got.State = models.StateConfirmed
		again, err := s.store.Get(ctx, record.ID)
		s.Require().NoError(err)
		s.Equal(models.StateIndeterminate, again.State)
	})
}

func (s *contractSuite) TestListByCourse() {
	ctx := context.Background()
	course := id.CourseID("list-" + id.NewAttemptID().String())
	base := time.Now()

	older := newRecord(course, base.Add(-time.Hour))
	newer := newRecord(course, base)
	other := newRecord("another-course", base)
	s.Require().NoError(s.store.Save(ctx, newer))
	s.Require().NoError(s.store.Save(ctx, older))
	s.Require().NoError(s.store.Save(ctx, other))
	s.Require().NoError(s.store.Save(ctx, newer))

	got, err := s.store.ListByCourse(ctx, course)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(older.ID, got[0].ID)
	s.Equal(newer.ID, got[1].ID)

	empty, err := s.store.ListByCourse(ctx, "nothing-here")
	s.Require().NoError(err)
	s.Empty(empty)
}
