package mintclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCategory is the normalized failure taxonomy for mint service calls.
type ErrorCategory string

const (
	// ErrorTimeout: no answer in time. For confirm the outcome is unknown.
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorRejected: the service or the ledger refused the request.
	ErrorRejected ErrorCategory = "rejected"

	// ErrorBadData: the service answered with something we cannot use.
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorAuthentication: the API key was refused.
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorOutage: the service is unreachable or failing.
	ErrorOutage ErrorCategory = "outage"

	// ErrorRateLimited: too many requests.
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorCircuitOpen: calls are short-circuited after repeated failures.
	ErrorCircuitOpen ErrorCategory = "circuit_open"
)

// Error describes one failed mint service call.
type Error struct {
	Category   ErrorCategory
	Op         string
	StatusCode int
	Message    string
	Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("mint service %s [%s]", e.Op, e.Category)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Underlying != nil {
		msg += ": " + e.Underlying.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Category extracts the category from err, or "" if err is not an *Error.
func Category(err error) ErrorCategory {
	var me *Error
	if errors.As(err, &me) {
		return me.Category
	}
	return ""
}

func categorizeStatus(status int) ErrorCategory {
	switch {
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return ErrorRejected
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuthentication
	case status == http.StatusTooManyRequests:
		return ErrorRateLimited
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return ErrorTimeout
	default:
		return ErrorOutage
	}
}

func categorizeTransport(err error) ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	return ErrorOutage
}
