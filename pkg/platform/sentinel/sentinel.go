// Package sentinel holds the infrastructure errors that stores and adapters
// return, wrapped or bare. Services translate them into domain errors; Code
// is the fallback for any that reach the transport untranslated.
//
// Input validation failures belong in pkg/domain-errors, not here.
package sentinel

import (
	"errors"

	dErrors "certmint/pkg/domain-errors"
)

var (
	// ErrNotFound: no attempt, reservation or pending signing request.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the course is reserved by another attempt.
	ErrConflict = errors.New("conflict")
	// ErrExpired: a signing request outlived its deadline.
	ErrExpired = errors.New("expired")
	// ErrInvalidState: the attempt cannot take the requested action now.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable: a backing store or remote service is down.
	ErrUnavailable = errors.New("unavailable")
)

var codes = []struct {
	err  error
	code dErrors.Code
}{
	{ErrNotFound, dErrors.CodeNotFound},
	{ErrConflict, dErrors.CodeConflict},
	{ErrExpired, dErrors.CodeInvalidState},
	{ErrInvalidState, dErrors.CodeInvalidState},
	{ErrUnavailable, dErrors.CodeUnavailable},
}

// Code reports the domain code for the first sentinel in err's chain.
func Code(err error) (dErrors.Code, bool) {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code, true
		}
	}
	return "", false
}
