package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "certmint/pkg/domain-errors"
)

// TestParseAttemptID_Invariants validates the parsing invariant:
// "attempt IDs must be valid, non-empty, non-nil UUIDs"
func TestParseAttemptID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseAttemptID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseAttemptID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseAttemptID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		id, err := ParseAttemptID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, AttemptID(valid), id)
		assert.False(t, id.IsNil())
	})
}

func TestAttemptID_JSON(t *testing.T) {
	id := NewAttemptID()
	b, err := json.Marshal(map[string]AttemptID{"attempt_id": id})
	require.NoError(t, err)
	assert.Contains(t, string(b), id.String())

	var decoded map[string]AttemptID
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, id, decoded["attempt_id"])
}

func TestParseCourseID(t *testing.T) {
	t.Run("trims surrounding whitespace", func(t *testing.T) {
		id, err := ParseCourseID("  defi-101 ")
		require.NoError(t, err)
		assert.Equal(t, CourseID("defi-101"), id)
	})

	t.Run("rejects blank", func(t *testing.T) {
		_, err := ParseCourseID("   ")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects overlong", func(t *testing.T) {
		_, err := ParseCourseID(strings.Repeat("c", maxCourseIDLength+1))
		require.Error(t, err)
	})

	t.Run("rejects control characters", func(t *testing.T) {
		_, err := ParseCourseID("course\x00id")
		require.Error(t, err)
	})
}
