// Package service runs issuance attempts for courses. It owns the
// at-most-one-collection-per-course guard around the coordinator: a course is
// reserved before construction and stays reserved while anything might exist
// on the ledger for it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"certmint/internal/issuance/coordinator"
	"certmint/internal/issuance/metrics"
	"certmint/internal/issuance/models"
	"certmint/internal/issuance/ports"
	id "certmint/pkg/domain"
	dErrors "certmint/pkg/domain-errors"
	"certmint/pkg/platform/audit"
	"certmint/pkg/platform/sentinel"
	"certmint/pkg/requestcontext"
)

const storeTimeout = 5 * time.Second

// Issuer starts coordinator attempts. *coordinator.Coordinator implements it.
type Issuer interface {
	Start(ctx context.Context, req models.IssuanceRequest, observers ...coordinator.Observer) *coordinator.Attempt
}

// IssueCommand is the caller's input for a new attempt.
type IssueCommand struct {
	CourseID      string
	Image         models.Image
	Title         string
	Description   string
	OwnerIdentity string
}

type Service struct {
	issuer         Issuer
	store          ports.AttemptStore
	auditPublisher ports.AuditPublisher
	outcomes       ports.OutcomePublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu   sync.Mutex
	live map[id.AttemptID]*coordinator.Attempt
	wg   sync.WaitGroup
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithAuditPublisher(publisher ports.AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithOutcomePublisher(publisher ports.OutcomePublisher) Option {
	return func(s *Service) {
		s.outcomes = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(issuer Issuer, store ports.AttemptStore, opts ...Option) (*Service, error) {
	if issuer == nil {
		return nil, errors.New("issuer is required")
	}
	if store == nil {
		return nil, errors.New("attempt store is required")
	}
	s := &Service{
		issuer: issuer,
		store:  store,
		logger: slog.Default(),
		live:   make(map[id.AttemptID]*coordinator.Attempt),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start validates cmd, reserves the course and launches the attempt. The
// attempt outlives ctx; cancel it with Cancel.
func (s *Service) Start(ctx context.Context, cmd IssueCommand) (*models.AttemptRecord, error) {
	courseID, err := id.ParseCourseID(cmd.CourseID)
	if err != nil {
		return nil, err
	}
	req, err := models.NewIssuanceRequest(courseID, cmd.Image, cmd.Title, cmd.Description, cmd.OwnerIdentity)
	if err != nil {
		return nil, err
	}

	if err := s.store.Reserve(ctx, courseID, req.AttemptID()); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			if s.metrics != nil {
				s.metrics.IncrementConflicts()
			}
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "course already has a collection or an attempt in progress")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to reserve course")
	}

	now := requestcontext.Now(ctx)
	record := &models.AttemptRecord{
		ID:            req.AttemptID(),
		CourseID:      courseID,
		Title:         req.Title(),
		OwnerIdentity: req.OwnerIdentity(),
		State:         models.StateIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Save(ctx, record); err != nil {
		if relErr := s.store.Release(ctx, courseID, req.AttemptID()); relErr != nil {
			s.logger.ErrorContext(ctx, "failed to release course after save error",
				"course_id", courseID.String(), "attempt_id", req.AttemptID().String(), "error", relErr)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save attempt")
	}

	ports.LogAudit(ctx, s.logger, s.auditPublisher, audit.EventIssuanceStarted,
		"course_id", courseID.String(),
		"attempt_id", req.AttemptID().String(),
		"actor_id", req.OwnerIdentity(),
	)

	snapshot := *record
	runCtx := requestcontext.WithoutTime(context.WithoutCancel(ctx))

	// Hold the lock across Start so a fast attempt cannot finish and untrack
	// itself before it is tracked.
	s.mu.Lock()
	s.wg.Add(1)
	a := s.issuer.Start(runCtx, req, s.observer(runCtx, record))
	s.live[a.ID()] = a
	s.mu.Unlock()

	return &snapshot, nil
}

// observer persists every transition. It owns record from here on and runs
// on the attempt's goroutine.
func (s *Service) observer(ctx context.Context, record *models.AttemptRecord) coordinator.Observer {
	return func(t coordinator.Transition) {
		record.State = t.To
		record.Candidate = t.Candidate
		record.UpdatedAt = t.At
		if t.Outcome != nil {
			record.ApplyOutcome(*t.Outcome, t.At)
		}

		saveCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := s.store.Save(saveCtx, record); err != nil {
			s.logger.ErrorContext(ctx, "failed to save attempt transition",
				"attempt_id", record.ID.String(), "state", string(t.To), "error", err)
		}

		if t.Outcome != nil {
			s.finish(saveCtx, record, *t.Outcome)
		}
	}
}

func (s *Service) finish(ctx context.Context, record *models.AttemptRecord, o models.Outcome) {
	defer func() {
		s.mu.Lock()
		delete(s.live, record.ID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	if !record.HoldsCourse() {
		if err := s.store.Release(ctx, record.CourseID, record.ID); err != nil {
			s.logger.ErrorContext(ctx, "failed to release course",
				"course_id", record.CourseID.String(), "attempt_id", record.ID.String(), "error", err)
		}
	}

	attrs := []any{
		"course_id", record.CourseID.String(),
		"attempt_id", record.ID.String(),
		"actor_id", record.OwnerIdentity,
		"stage", string(o.Stage()),
		"reason", o.Reason(),
		"collection_id", record.CollectionID.String(),
	}
	ports.LogAudit(ctx, s.logger, s.auditPublisher, auditEventFor(o), attrs...)
	if errors.Is(o.Err(), models.ErrUserRejected) {
		ports.LogAudit(ctx, s.logger, s.auditPublisher, audit.EventSignatureRejected, attrs...)
	}

	s.publish(ctx, record)
}

func (s *Service) publish(ctx context.Context, record *models.AttemptRecord) {
	if s.outcomes == nil {
		return
	}
	if err := s.outcomes.Publish(ctx, models.NewOutcomeEvent(record)); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish issuance outcome",
			"attempt_id", record.ID.String(), "outcome", string(record.Outcome), "error", err)
		if s.metrics != nil {
			s.metrics.IncrementPublishErrors()
		}
	}
}

func auditEventFor(o models.Outcome) audit.AuditEvent {
	switch o.Kind() {
	case models.OutcomeConfirmed:
		return audit.EventIssuanceConfirmed
	case models.OutcomeCancelled:
		return audit.EventIssuanceCancelled
	case models.OutcomeIndeterminate:
		return audit.EventIssuanceIndeterminate
	}
	return audit.EventIssuanceFailed
}

// Get returns the stored record for attemptID.
func (s *Service) Get(ctx context.Context, attemptID id.AttemptID) (*models.AttemptRecord, error) {
	record, err := s.store.Get(ctx, attemptID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "attempt not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load attempt")
	}
	return record, nil
}

// ListByCourse returns every attempt made for a course.
func (s *Service) ListByCourse(ctx context.Context, courseID string) ([]*models.AttemptRecord, error) {
	parsed, err := id.ParseCourseID(courseID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListByCourse(ctx, parsed)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list attempts")
	}
	return records, nil
}

func (s *Service) attempt(attemptID id.AttemptID) (*coordinator.Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.live[attemptID]
	return a, ok
}

// Cancel stops an attempt that has not submitted yet and returns its final
// record. Once the signed transaction may be on its way, it fails with
// CodeInvalidState.
func (s *Service) Cancel(ctx context.Context, attemptID id.AttemptID) (*models.AttemptRecord, error) {
	a, ok := s.attempt(attemptID)
	if !ok {
		record, err := s.Get(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		return nil, dErrors.New(dErrors.CodeInvalidState, fmt.Sprintf("attempt is %s", record.State))
	}
	if !a.Cancel() {
		return nil, dErrors.New(dErrors.CodeInvalidState, "attempt has already submitted its transaction")
	}
	if _, err := a.Wait(ctx); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "attempt did not stop in time")
	}
	return s.Get(ctx, attemptID)
}

// Wait blocks until the attempt finishes or ctx is done, and returns the
// latest record either way.
func (s *Service) Wait(ctx context.Context, attemptID id.AttemptID) (*models.AttemptRecord, error) {
	if a, ok := s.attempt(attemptID); ok {
		if _, err := a.Wait(ctx); err != nil {
			record, getErr := s.Get(context.WithoutCancel(ctx), attemptID)
			if getErr != nil {
				return nil, getErr
			}
			return record, err
		}
	}
	return s.Get(ctx, attemptID)
}

// Reconcile resolves the attempt holding courseID after an operator checked
// the ledger. An empty collectionID means nothing was issued: the attempt is
// marked failed and the course released. Otherwise the attempt is marked
// confirmed with that identifier and the course stays held.
func (s *Service) Reconcile(ctx context.Context, courseID string, collectionID models.CollectionID) (*models.AttemptRecord, error) {
	parsed, err := id.ParseCourseID(courseID)
	if err != nil {
		return nil, err
	}
	holder, err := s.store.Holder(ctx, parsed)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "course has no held attempt")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read course reservation")
	}
	if _, running := s.attempt(holder); running {
		return nil, dErrors.New(dErrors.CodeInvalidState, "attempt is still running")
	}

	record, err := s.Get(ctx, holder)
	if err != nil {
		return nil, err
	}
	if record.Outcome == models.OutcomeConfirmed && record.CollectionID != "" {
		return nil, dErrors.New(dErrors.CodeInvalidState, "course already has a confirmed collection")
	}

	now := requestcontext.Now(ctx)
	if collectionID == "" {
		record.State = models.StateFailed
		record.Outcome = models.OutcomeFailed
		record.Reason = "reconciled_not_issued"
		record.Advice = models.AdviceRetry
	} else {
		record.State = models.StateConfirmed
		record.Outcome = models.OutcomeConfirmed
		record.CollectionID = collectionID
		record.Reason = ""
		record.Advice = models.AdviceNone
	}
	record.UpdatedAt = now

	if err := s.store.Save(ctx, record); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save reconciled attempt")
	}
	if collectionID == "" {
		if err := s.store.Release(ctx, parsed, holder); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to release course")
		}
	}

	ports.LogAudit(ctx, s.logger, s.auditPublisher, audit.EventIssuanceReconciled,
		"course_id", parsed.String(),
		"attempt_id", holder.String(),
		"collection_id", collectionID.String(),
		"reason", record.Reason,
	)
	s.publish(ctx, record)
	return record, nil
}

// Shutdown cancels attempts that have not submitted and waits for the rest
// to reach an outcome, or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, a := range s.live {
		a.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
