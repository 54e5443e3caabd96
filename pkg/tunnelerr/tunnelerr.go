// Package tunnelerr defines the shared error taxonomy used by every tunnel
// component. Errors carry a category, a stable code for documentation lookup,
// an internal message, and a user-facing message with an optional suggestion.
package tunnelerr

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a tunnel error for retry and surfacing decisions.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryConfiguration  Category = "configuration"
	CategoryServer         Category = "server"
	CategoryProtocol       Category = "protocol"
	CategoryUnknown        Category = "unknown"
)

// Stable error codes. These appear in logs, response headers, and user-facing
// documentation; never reuse or renumber them.
const (
	CodeDialFailed       = "CND-N-DIAL"
	CodeHeartbeatLost    = "CND-N-HEARTBEAT"
	CodeTransportClosed  = "CND-N-CLOSED"
	CodeRetriesExhausted = "CND-N-RETRY-MAX"
	CodeNotConnected     = "CND-N-NOTCONN"
	CodeAuthRejected     = "CND-A-REJECTED"
	CodeTokenExpired     = "CND-A-EXPIRED"
	CodeBadProfile       = "CND-C-PROFILE"
	CodeInvalidConfig    = "CND-C-INVALID"
	CodeQueueFull        = "CND-Q-FULL"
	CodeQueueTimeout     = "CND-Q-TIMEOUT"
	CodeBreakerOpen      = "CND-S-BREAKER"
	CodeRateLimited      = "CND-S-RATELIMIT"
	CodePoolExhausted    = "CND-S-POOLMAX"
	CodeBackendFailed    = "CND-S-BACKEND"
	CodeNoSuchTenant     = "CND-S-NOTENANT"
	CodeBadEnvelope      = "CND-P-ENVELOPE"
	CodeVersionMismatch  = "CND-P-VERSION"
	CodeInternal         = "CND-U-INTERNAL"
)

// Error is the taxonomy's concrete error type. It is created at the point of
// failure and never mutated afterward.
type Error struct {
	Category    Category
	Code        string
	Message     string
	UserMessage string
	Suggestion  string
	Timestamp   time.Time
	Context     map[string]string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Category, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the connection manager may retry the failed
// operation internally. Authentication and configuration errors are
// user-actionable and never auto-retried; unknown errors are treated
// conservatively as non-retryable.
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryNetwork, CategoryServer:
		return true
	default:
		return false
	}
}

// WithContext returns a shallow copy of e with an extra context entry. The
// original error is left untouched.
func (e *Error) WithContext(key, value string) *Error {
	cp := *e
	cp.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

func newError(cat Category, code, msg string, cause error) *Error {
	return &Error{
		Category:  cat,
		Code:      code,
		Message:   msg,
		Timestamp: time.Now(),
		cause:     cause,
	}
}

// Network builds a retryable transport-level error.
func Network(code, msg string, cause error) *Error {
	e := newError(CategoryNetwork, code, msg, cause)
	e.UserMessage = "The tunnel connection was interrupted."
	e.Suggestion = "The client retries automatically; check your network if this persists."
	return e
}

// Auth builds a credential error. Never auto-retried.
func Auth(code, msg string, cause error) *Error {
	e := newError(CategoryAuthentication, code, msg, cause)
	e.UserMessage = "Your access token was rejected."
	e.Suggestion = "Re-authenticate to obtain a fresh token."
	return e
}

// Config builds a configuration error. Fails fast, never retried.
func Config(code, msg string, cause error) *Error {
	e := newError(CategoryConfiguration, code, msg, cause)
	e.UserMessage = "The tunnel configuration is invalid."
	e.Suggestion = "Fix the reported setting and restart."
	return e
}

// Server builds a remote-side error, retryable with backoff.
func Server(code, msg string, cause error) *Error {
	e := newError(CategoryServer, code, msg, cause)
	e.UserMessage = "The tunnel server reported a failure."
	e.Suggestion = "Try again shortly."
	return e
}

// Protocol builds a framing/version error, fatal for the current connection.
func Protocol(code, msg string, cause error) *Error {
	e := newError(CategoryProtocol, code, msg, cause)
	e.UserMessage = "The tunnel spoke an unexpected protocol."
	e.Suggestion = "Upgrade the client and server to matching versions."
	return e
}

// Unknown wraps an unclassified failure.
func Unknown(msg string, cause error) *Error {
	e := newError(CategoryUnknown, CodeInternal, msg, cause)
	e.UserMessage = "An unexpected error occurred."
	e.Suggestion = "Check the client logs for details."
	return e
}

// CategoryOf extracts the category from any error, returning CategoryUnknown
// for errors outside the taxonomy.
func CategoryOf(err error) Category {
	var te *Error
	if errors.As(err, &te) {
		return te.Category
	}
	return CategoryUnknown
}

// CodeOf extracts the stable code from any error, or CodeInternal.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// SuggestionOf extracts the remediation hint from any error, or "".
func SuggestionOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Suggestion
	}
	return ""
}

// HasCode reports whether err carries the given stable code.
func HasCode(err error, code string) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}

// IsRetryable reports whether err may be retried. Errors outside the taxonomy
// are not retryable.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retryable()
}
