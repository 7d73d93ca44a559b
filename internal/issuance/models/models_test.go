package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "certmint/pkg/domain"
	dErrors "certmint/pkg/domain-errors"
)

func validImage() Image {
	return Image{Data: []byte{0x89, 'P', 'N', 'G'}, MediaType: "image/png"}
}

func TestNewIssuanceRequest(t *testing.T) {
	t.Run("accepts valid input and assigns an attempt id", func(t *testing.T) {
		req, err := NewIssuanceRequest("defi-101", validImage(), " DeFi 101 ", "", "owner-1")
		require.NoError(t, err)
		assert.False(t, req.IsZero())
		assert.Equal(t, "DeFi 101", req.Title())
		assert.Equal(t, "", req.Description())
		assert.Equal(t, id.CourseID("defi-101"), req.CourseID())
	})

	t.Run("copies image bytes", func(t *testing.T) {
		img := validImage()
		req, err := NewIssuanceRequest("c", img, "T", "", "o")
		require.NoError(t, err)

		img.Data[0] = 0
		assert.Equal(t, byte(0x89), req.Image().Data[0])

		out := req.Image()
		out.Data[0] = 0
		assert.Equal(t, byte(0x89), req.Image().Data[0])
	})

	cases := []struct {
		name  string
		image Image
		title string
		owner string
		desc  string
	}{
		{"blank title", validImage(), "  ", "o", ""},
		{"blank owner", validImage(), "T", " ", ""},
		{"missing image", Image{MediaType: "image/png"}, "T", "o", ""},
		{"missing media type", Image{Data: []byte{1}}, "T", "o", ""},
		{"overlong description", validImage(), "T", "o", string(make([]byte, MaxDescriptionLength+1))},
	}
	for _, tc := range cases {
		t.Run("rejects "+tc.name, func(t *testing.T) {
			_, err := NewIssuanceRequest("c", tc.image, tc.title, tc.desc, tc.owner)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

func TestStateTransitions(t *testing.T) {
	forward := []State{StateIdle, StateConstructing, StateAwaitingSignature, StateSubmitting, StateConfirming}
	for i := 0; i+1 < len(forward); i++ {
		assert.True(t, forward[i].CanAdvanceTo(forward[i+1]), "%s -> %s", forward[i], forward[i+1])
		assert.False(t, forward[i+1].CanAdvanceTo(forward[i]), "%s -> %s", forward[i+1], forward[i])
	}

	assert.False(t, StateAwaitingSignature.CanAdvanceTo(StateConfirming), "skipping submission")
	assert.False(t, StateAwaitingSignature.CanAdvanceTo(StateConfirmed))
	assert.True(t, StateConfirming.CanAdvanceTo(StateConfirmed))
	assert.True(t, StateConfirming.CanAdvanceTo(StateIndeterminate))
	assert.True(t, StateAwaitingSignature.CanAdvanceTo(StateCancelled))
	assert.False(t, StateSubmitting.CanAdvanceTo(StateCancelled))
	assert.False(t, StateConfirmed.CanAdvanceTo(StateFailed))

	assert.False(t, StateAwaitingSignature.Committed())
	assert.True(t, StateSubmitting.Committed())
	assert.True(t, StateIndeterminate.Committed())
}

func TestOutcome(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		o := Confirmed("COL123")
		assert.Equal(t, OutcomeConfirmed, o.Kind())
		assert.Equal(t, CollectionID("COL123"), o.CollectionID())
		assert.NoError(t, o.Err())
		assert.False(t, o.PartiallyIssued())
		assert.Equal(t, AdviceNone, o.Advice())
		assert.Equal(t, StateConfirmed, o.State())
	})

	t.Run("failed before construct succeeded is not partial", func(t *testing.T) {
		o := Failed(StageConstruct, "", fmt.Errorf("quota: %w", ErrConstructionFailed))
		assert.False(t, o.PartiallyIssued())
		assert.True(t, o.Retryable())
		assert.Equal(t, StageConstruct, StageOf(o.Err()))
		assert.ErrorIs(t, o.Err(), ErrConstructionFailed)
		assert.Equal(t, "construction_failed", o.Reason())
	})

	t.Run("sign failure after construct is partial and retryable", func(t *testing.T) {
		o := Failed(StageSign, "COL1", ErrUserRejected)
		assert.True(t, o.PartiallyIssued())
		assert.Equal(t, AdviceRetry, o.Advice())
	})

	t.Run("confirm stage failure advises status check", func(t *testing.T) {
		o := Failed(StageConfirm, "COL1", ErrSubmissionRejected)
		assert.False(t, o.Retryable())
		assert.Equal(t, AdviceCheckStatus, o.Advice())
	})

	t.Run("indeterminate", func(t *testing.T) {
		o := Indeterminate("COL1", ErrConfirmationTimeout)
		assert.Equal(t, StateIndeterminate, o.State())
		assert.Equal(t, AdviceCheckStatus, o.Advice())
		assert.False(t, o.Retryable())
		var se *StageError
		require.True(t, errors.As(o.Err(), &se))
		assert.Equal(t, StageConfirm, se.Stage)
	})

	t.Run("cancelled defaults cause", func(t *testing.T) {
		o := Cancelled(StageSign, "COL1", nil)
		assert.ErrorIs(t, o.Err(), ErrCancelled)
		assert.Equal(t, "cancelled", o.Reason())
	})
}

func TestAttemptRecordHoldsCourse(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		outcome Outcome
		holds   bool
	}{
		{"confirmed", Confirmed("C"), true},
		{"indeterminate", Indeterminate("C", ErrConfirmationTimeout), true},
		{"integrity", Failed(StageConfirm, "C", ErrIntegrity), true},
		{"rejected submission", Failed(StageConfirm, "C", ErrSubmissionRejected), false},
		{"sign declined", Failed(StageSign, "C", ErrUserRejected), false},
		{"cancelled", Cancelled(StageSign, "C", nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &AttemptRecord{}
			assert.True(t, r.HoldsCourse(), "in-flight record holds")
			r.ApplyOutcome(tc.outcome, now)
			assert.Equal(t, tc.holds, r.HoldsCourse())
		})
	}
}
