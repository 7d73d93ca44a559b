package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"certmint/internal/issuance/codec"
	"certmint/internal/issuance/metrics"
	"certmint/internal/issuance/models"
	"certmint/internal/issuance/ports/mocks"
	"certmint/pkg/requestcontext"
)

// =============================================================================
// Coordinator Test Suite
// =============================================================================
// The coordinator owns stage ordering, retry bounds, the cancellation commit
// point and the confirm timeout. Collaborators are gomock doubles so every
// test can assert exactly which calls were made.

var (
	unsignedTx = []byte{1, 2, 3, 4}
	signedTx   = []byte{9, 8, 7, 6, 5}
)

type CoordinatorSuite struct {
	suite.Suite
	ctrl        *gomock.Controller
	mint        *mocks.MockMintService
	signer      *mocks.MockSigner
	coordinator *Coordinator
	req         models.IssuanceRequest
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mint = mocks.NewMockMintService(s.ctrl)
	s.signer = mocks.NewMockSigner(s.ctrl)
	s.coordinator = s.newCoordinator()

	req, err := models.NewIssuanceRequest("defi-101",
		models.Image{Data: []byte("png"), MediaType: "image/png"},
		"DeFi 101", "Intro course", "owner-wallet")
	s.Require().NoError(err)
	s.req = req
}

func (s *CoordinatorSuite) newCoordinator(opts ...Option) *Coordinator {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithConstructRetry(3, time.Millisecond),
		WithConfirmTimeout(time.Second),
	}
	c, err := New(s.mint, s.signer, append(base, opts...)...)
	s.Require().NoError(err)
	return c
}

func (s *CoordinatorSuite) envelope(candidate models.CollectionID) models.Envelope {
	return models.Envelope{
		Transaction:                   codec.EncodeTransport(unsignedTx),
		CollectionIdentifierCandidate: candidate,
	}
}

func payloadOf(b []byte) models.SubmissionPayload {
	return models.SubmissionPayload(base58.Encode(b))
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *CoordinatorSuite) TestNew() {
	s.Run("nil mint service returns error", func() {
		_, err := New(nil, s.signer)
		s.Require().Error(err)
		s.Contains(err.Error(), "mint service is required")
	})

	s.Run("nil signer returns error", func() {
		_, err := New(s.mint, nil)
		s.Require().Error(err)
		s.Contains(err.Error(), "signer is required")
	})

	s.Run("defaults", func() {
		c, err := New(s.mint, s.signer)
		s.Require().NoError(err)
		s.Equal(DefaultConfirmTimeout, c.confirmTimeout)
		s.Equal(DefaultConstructMaxAttempts, c.constructAttempts)
	})

	s.Run("non-positive options keep defaults", func() {
		c, err := New(s.mint, s.signer, WithConfirmTimeout(0), WithConstructRetry(0, 0))
		s.Require().NoError(err)
		s.Equal(DefaultConfirmTimeout, c.confirmTimeout)
		s.Equal(DefaultConstructBackoff, c.constructBackoff)
	})
}

// =============================================================================
// Scenario Tests
// =============================================================================

func (s *CoordinatorSuite) TestHappyPath() {
	gomock.InOrder(
		s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil),
		s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(signedTx, nil),
		s.mint.EXPECT().Confirm(gomock.Any(), payloadOf(signedTx)).Return(models.CollectionID("COL123"), nil),
	)

	o := s.coordinator.Issue(context.Background(), s.req)

	s.Equal(models.OutcomeConfirmed, o.Kind())
	s.Equal(models.CollectionID("COL123"), o.CollectionID())
	s.NoError(o.Err())
	s.Equal(models.AdviceNone, o.Advice())
}

func (s *CoordinatorSuite) TestUserDeclines() {
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil).Times(1)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(nil, fmt.Errorf("wallet: %w", models.ErrUserRejected))

	o := s.coordinator.Issue(context.Background(), s.req)

	s.Equal(models.OutcomeFailed, o.Kind())
	s.Equal(models.StageSign, o.Stage())
	s.ErrorIs(o.Err(), models.ErrUserRejected)
	s.True(o.PartiallyIssued())
	s.True(o.Retryable())
	s.Equal(models.CollectionID("COL123"), o.Candidate())
}

func (s *CoordinatorSuite) TestConfirmTimeoutIsIndeterminate() {
	c := s.newCoordinator(WithConfirmTimeout(20 * time.Millisecond))
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(signedTx, nil)
	s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ models.SubmissionPayload) (models.CollectionID, error) {
			<-ctx.Done()
			return "", fmt.Errorf("%w: %w", models.ErrConfirmationTimeout, ctx.Err())
		})

	o := c.Issue(context.Background(), s.req)

	s.Equal(models.OutcomeIndeterminate, o.Kind())
	s.ErrorIs(o.Err(), models.ErrConfirmationTimeout)
	s.NotErrorIs(o.Err(), models.ErrSubmissionRejected)
	s.Equal(models.AdviceCheckStatus, o.Advice())
	s.False(o.Retryable())
}

func (s *CoordinatorSuite) TestConfirmNeverReturnsIsIndeterminate() {
	c := s.newCoordinator(WithConfirmTimeout(20 * time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(signedTx, nil)
	s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.SubmissionPayload) (models.CollectionID, error) {
			<-release
			return "COL123", nil
		})

	o := c.Issue(context.Background(), s.req)

	s.Equal(models.OutcomeIndeterminate, o.Kind())
	s.ErrorIs(o.Err(), models.ErrConfirmationTimeout)
}

func (s *CoordinatorSuite) TestIdentifierMismatch() {
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL1"), nil)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(signedTx, nil)
	s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(models.CollectionID("COL2"), nil)

	o := s.coordinator.Issue(context.Background(), s.req)

	s.Equal(models.OutcomeFailed, o.Kind())
	s.Equal(models.StageConfirm, o.Stage())
	s.ErrorIs(o.Err(), models.ErrIntegrity)
	s.Empty(o.CollectionID())
	s.Equal(models.CollectionID("COL1"), o.Candidate())
}

// =============================================================================
// Stage Failure Tests
// =============================================================================

func (s *CoordinatorSuite) TestConstructRetries() {
	s.Run("exhausted retries fail construct without signing or confirming", func() {
		s.mint.EXPECT().Construct(gomock.Any(), s.req).
			Return(models.Envelope{}, fmt.Errorf("%w: upstream 503", models.ErrConstructionFailed)).
			Times(3)

		o := s.coordinator.Issue(context.Background(), s.req)

		s.Equal(models.OutcomeFailed, o.Kind())
		s.Equal(models.StageConstruct, o.Stage())
		s.ErrorIs(o.Err(), models.ErrConstructionFailed)
		s.False(o.PartiallyIssued())
		s.True(o.Retryable())
	})

	s.Run("transient failure then success constructs exactly twice", func() {
		gomock.InOrder(
			s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(models.Envelope{}, models.ErrConstructionFailed),
			s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil),
		)
		s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(signedTx, nil)
		s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(models.CollectionID("COL123"), nil)

		o := s.coordinator.Issue(context.Background(), s.req)
		s.Equal(models.OutcomeConfirmed, o.Kind())
	})

	s.Run("unclassified construct errors are wrapped", func() {
		s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(models.Envelope{}, errors.New("dial tcp: refused")).Times(3)

		o := s.coordinator.Issue(context.Background(), s.req)
		s.ErrorIs(o.Err(), models.ErrConstructionFailed)
		s.Contains(o.Err().Error(), "dial tcp")
	})

	s.Run("malformed envelope is not retried", func() {
		s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(models.Envelope{Transaction: "AQID"}, nil).Times(1)

		o := s.coordinator.Issue(context.Background(), s.req)
		s.Equal(models.StageConstruct, o.Stage())
		s.ErrorIs(o.Err(), models.ErrConstructionFailed)
	})
}

func (s *CoordinatorSuite) TestDecodeFailure() {
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(models.Envelope{
		Transaction:                   "not base64!",
		CollectionIdentifierCandidate: "COL123",
	}, nil)

	o := s.coordinator.Issue(context.Background(), s.req)

	s.Equal(models.OutcomeFailed, o.Kind())
	s.Equal(models.StageDecode, o.Stage())
	s.ErrorIs(o.Err(), models.ErrDecode)
	s.True(o.PartiallyIssued())
}

func (s *CoordinatorSuite) TestCapabilityUnavailable() {
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(nil, models.ErrCapabilityUnavailable)

	o := s.coordinator.Issue(context.Background(), s.req)

	s.Equal(models.StageSign, o.Stage())
	s.ErrorIs(o.Err(), models.ErrCapabilityUnavailable)
}

func (s *CoordinatorSuite) TestEmptySignatureFailsEncode() {
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return([]byte{}, nil)

	o := s.coordinator.Issue(context.Background(), s.req)

	s.Equal(models.StageEncode, o.Stage())
	s.ErrorIs(o.Err(), models.ErrEncode)
}

func (s *CoordinatorSuite) TestSubmissionRejected() {
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(signedTx, nil)
	s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(models.CollectionID(""), models.ErrSubmissionRejected)

	o := s.coordinator.Issue(context.Background(), s.req)

	s.Equal(models.OutcomeFailed, o.Kind())
	s.Equal(models.StageConfirm, o.Stage())
	s.ErrorIs(o.Err(), models.ErrSubmissionRejected)
	s.Equal(models.AdviceCheckStatus, o.Advice())
}

func (s *CoordinatorSuite) TestUnclassifiedConfirmErrorIsIndeterminate() {
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(signedTx, nil)
	s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(models.CollectionID(""), errors.New("connection reset"))

	o := s.coordinator.Issue(context.Background(), s.req)

	s.Equal(models.OutcomeIndeterminate, o.Kind())
	s.Contains(o.Err().Error(), "connection reset")
}

func (s *CoordinatorSuite) TestZeroRequest() {
	o := s.coordinator.Issue(context.Background(), models.IssuanceRequest{})
	s.Equal(models.OutcomeFailed, o.Kind())
	s.Equal(models.StageConstruct, o.Stage())
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func (s *CoordinatorSuite) expectBlockingSign(signing chan<- struct{}) {
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil).Times(1)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).DoAndReturn(
		func(ctx context.Context, _ []byte) ([]byte, error) {
			close(signing)
			<-ctx.Done()
			return nil, ctx.Err()
		})
}

func (s *CoordinatorSuite) TestCancelWhileAwaitingSignature() {
	s.Run("explicit cancel", func() {
		signing := make(chan struct{})
		s.expectBlockingSign(signing)

		a := s.coordinator.Start(context.Background(), s.req)
		<-signing
		s.Equal(models.StateAwaitingSignature, a.State())
		s.True(a.Cancel())

		o, err := a.Wait(context.Background())
		s.Require().NoError(err)
		s.Equal(models.OutcomeCancelled, o.Kind())
		s.Equal(models.StageSign, o.Stage())
		s.ErrorIs(o.Err(), models.ErrCancelled)
		s.True(o.Retryable())
		s.Equal(models.StateCancelled, a.State())
		s.False(a.Cancel(), "cancel after finish is refused")
	})

	s.Run("caller context cancelled", func() {
		signing := make(chan struct{})
		s.expectBlockingSign(signing)

		ctx, cancel := context.WithCancel(context.Background())
		a := s.coordinator.Start(ctx, s.req)
		<-signing
		cancel()

		o, err := a.Wait(context.Background())
		s.Require().NoError(err)
		s.Equal(models.OutcomeCancelled, o.Kind())
		s.ErrorIs(o.Err(), models.ErrCancelled)
		s.ErrorIs(o.Err(), context.Canceled)
	})
}

func (s *CoordinatorSuite) TestCancelDuringConstruct() {
	constructing := make(chan struct{})
	s.mint.EXPECT().Construct(gomock.Any(), s.req).DoAndReturn(
		func(ctx context.Context, _ models.IssuanceRequest) (models.Envelope, error) {
			close(constructing)
			<-ctx.Done()
			return models.Envelope{}, ctx.Err()
		}).Times(1)

	a := s.coordinator.Start(context.Background(), s.req)
	<-constructing
	s.True(a.Cancel())

	o, err := a.Wait(context.Background())
	s.Require().NoError(err)
	s.Equal(models.OutcomeCancelled, o.Kind())
	s.Equal(models.StageConstruct, o.Stage())
	s.False(o.PartiallyIssued())
}

func (s *CoordinatorSuite) TestCancelAfterSubmitHasNoEffect() {
	confirming := make(chan struct{})
	release := make(chan struct{})

	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).Return(signedTx, nil)
	s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ models.SubmissionPayload) (models.CollectionID, error) {
			close(confirming)
			<-release
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "COL123", nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	a := s.coordinator.Start(ctx, s.req)
	<-confirming

	s.Equal(models.StateConfirming, a.State())
	s.False(a.Cancel())
	cancel()
	close(release)

	o, err := a.Wait(context.Background())
	s.Require().NoError(err)
	s.Equal(models.OutcomeConfirmed, o.Kind())
	s.Equal(models.CollectionID("COL123"), o.CollectionID())
}

func (s *CoordinatorSuite) TestWaitHonoursContext() {
	signing := make(chan struct{})
	s.expectBlockingSign(signing)

	a := s.coordinator.Start(context.Background(), s.req)
	<-signing

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Wait(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
	_, done := a.Outcome()
	s.False(done, "giving up on Wait leaves the attempt running")

	s.True(a.Cancel())
	<-a.Done()
}

// =============================================================================
// Observer and Concurrency Tests
// =============================================================================

func (s *CoordinatorSuite) TestObserversSeeForwardTransitions() {
	s.mint.EXPECT().Construct(gomock.Any(), s.req).Return(s.envelope("COL123"), nil)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).DoAndReturn(
		func(ctx context.Context, _ []byte) ([]byte, error) {
			s.Equal(s.req.AttemptID(), requestcontext.AttemptID(ctx))
			return signedTx, nil
		})
	s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(models.CollectionID("COL123"), nil)

	var mu sync.Mutex
	var seen []Transition
	a := s.coordinator.Start(context.Background(), s.req, func(t Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, t)
	})
	_, err := a.Wait(context.Background())
	s.Require().NoError(err)

	mu.Lock()
	defer mu.Unlock()
	var states []models.State
	for _, t := range seen {
		s.Equal(s.req.AttemptID(), t.AttemptID)
		states = append(states, t.To)
	}
	s.Equal([]models.State{
		models.StateConstructing,
		models.StateAwaitingSignature,
		models.StateSubmitting,
		models.StateConfirming,
		models.StateConfirmed,
	}, states)
	s.Require().NotNil(seen[len(seen)-1].Outcome)
	s.Equal(models.OutcomeConfirmed, seen[len(seen)-1].Outcome.Kind())
	s.Equal(models.CollectionID("COL123"), seen[1].Candidate)
}

func (s *CoordinatorSuite) TestIndependentAttemptsRunConcurrently() {
	other, err := models.NewIssuanceRequest("solidity-201",
		models.Image{Data: []byte("png"), MediaType: "image/png"}, "Solidity 201", "", "owner-wallet")
	s.Require().NoError(err)

	var bothSigning sync.WaitGroup
	bothSigning.Add(2)

	s.mint.EXPECT().Construct(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req models.IssuanceRequest) (models.Envelope, error) {
			return s.envelope(models.CollectionID("COL-" + req.CourseID().String())), nil
		}).Times(2)
	s.signer.EXPECT().Sign(gomock.Any(), unsignedTx).DoAndReturn(
		func(context.Context, []byte) ([]byte, error) {
			bothSigning.Done()
			bothSigning.Wait()
			return signedTx, nil
		}).Times(2)
	s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(models.CollectionID("COL-defi-101"), nil)
	s.mint.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(models.CollectionID("COL-solidity-201"), nil)

	a1 := s.coordinator.Start(context.Background(), s.req)
	a2 := s.coordinator.Start(context.Background(), other)
	<-a1.Done()
	<-a2.Done()

	o1, _ := a1.Outcome()
	o2, _ := a2.Outcome()
	s.NotEqual(a1.ID(), a2.ID())
	s.Equal(models.StageConfirm, o1.Stage())
	s.Equal(models.StageConfirm, o2.Stage())
}
