package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "certmint/pkg/domain-errors"
)

// AttemptID identifies one run of the issuance pipeline.
type AttemptID uuid.UUID

// CourseID is the caller's opaque course handle. The course catalog owns its
// format; this service only requires it to be printable and bounded.
type CourseID string

const maxCourseIDLength = 128

// NewAttemptID returns a fresh random attempt ID.
func NewAttemptID() AttemptID {
	return AttemptID(uuid.New())
}

// ParseAttemptID parses a non-nil UUID string into an AttemptID.
func ParseAttemptID(s string) (AttemptID, error) {
	if s == "" {
		return AttemptID{}, dErrors.New(dErrors.CodeInvalidInput, "attempt_id is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return AttemptID{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "attempt_id must be a valid UUID")
	}
	if parsed == uuid.Nil {
		return AttemptID{}, dErrors.New(dErrors.CodeInvalidInput, "attempt_id must not be nil")
	}
	return AttemptID(parsed), nil
}

func (id AttemptID) String() string {
	return uuid.UUID(id).String()
}

func (id AttemptID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// MarshalText lets AttemptID appear as a plain UUID string in JSON and logs.
func (id AttemptID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *AttemptID) UnmarshalText(b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = AttemptID(parsed)
	return nil
}

// ParseCourseID trims and validates a course handle.
func ParseCourseID(s string) (CourseID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "course_id is required")
	}
	if len(s) > maxCourseIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, "course_id is too long")
	}
	if !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "course_id must be valid UTF-8")
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", dErrors.New(dErrors.CodeInvalidInput, "course_id contains control characters")
		}
	}
	return CourseID(s), nil
}

func (id CourseID) String() string {
	return string(id)
}
