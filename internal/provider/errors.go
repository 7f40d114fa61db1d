package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoModel is returned when no model is configured or reachable.
var ErrNoModel = errors.New("no model available")

// Error codes.
const (
	CodeUnavailable    = "unavailable"
	CodeAuth           = "auth"
	CodeRateLimit      = "rate_limit"
	CodeInvalidRequest = "invalid_request"
	CodeServer         = "server"
	CodeNetwork        = "network"
	CodeBadResponse    = "bad_response"
)

// Error is a provider failure with a retry classification.
type Error struct {
	Code      string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s (status %d): %v", e.Code, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Unavailable wraps ErrNoModel with a reason.
func Unavailable(reason string) *Error {
	return &Error{Code: CodeUnavailable, Err: fmt.Errorf("%w: %s", ErrNoModel, reason)}
}

// StatusError classifies an HTTP status: 429 and 5xx are transient,
// everything else is not.
func StatusError(status int, body string) *Error {
	e := &Error{Status: status, Err: errors.New(truncate(body, 500))}
	switch {
	case status == http.StatusTooManyRequests:
		e.Code, e.Retryable = CodeRateLimit, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Code = CodeAuth
	case status == http.StatusNotFound:
		e.Code = CodeUnavailable
		e.Err = fmt.Errorf("%w: %s", ErrNoModel, e.Err)
	case status >= 500:
		e.Code, e.Retryable = CodeServer, true
	default:
		e.Code = CodeInvalidRequest
	}
	return e
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsUnavailable reports whether err means no model can serve the request.
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrNoModel) {
		return true
	}
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeUnavailable
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
