// Package shared provides the error taxonomy used across the chat core.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for programmatic handling by callers and the UI.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindNoCredential        Kind = "no_credential"
	KindMalformedCredential Kind = "malformed_credential"
	KindSessionExpired      Kind = "session_expired"
	KindAuthRequired        Kind = "auth_required"
	KindForbidden           Kind = "forbidden"
	KindInvalidRequest      Kind = "invalid_request"
	KindRateLimited         Kind = "rate_limited"
	KindServerError         Kind = "server_error"
	KindHTTPError           Kind = "http_error"
	KindNetwork             Kind = "network"
	KindNotReady            Kind = "not_ready"
	KindOffline             Kind = "offline"
	KindTimeout             Kind = "timeout"
)

// Error is the concrete error type returned by every component of the core.
type Error struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so callers can write
// errors.Is(err, &shared.Error{Kind: shared.KindOffline}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NoCredential reports that no bearer credential is available.
func NoCredential() *Error {
	return &Error{Kind: KindNoCredential, Message: "no credential"}
}

// MalformedCredential reports a credential that could not be parsed.
func MalformedCredential(err error) *Error {
	return &Error{Kind: KindMalformedCredential, Message: "malformed credential", Err: err}
}

// SessionExpired is returned by the Request Gate when the pre-flight check fails.
func SessionExpired() *Error {
	return &Error{Kind: KindSessionExpired, Status: http.StatusUnauthorized, Message: "session expired"}
}

// InvalidRequest reports a pre-flight validation failure.
func InvalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Status: http.StatusUnprocessableEntity, Message: fmt.Sprintf(format, args...)}
}

// NotReady reports a send attempted before the handshake completed.
func NotReady(endpoint string) *Error {
	return &Error{Kind: KindNotReady, Message: "connection not ready: " + endpoint}
}

// Offline reports an unsafe request attempted without connectivity.
func Offline() *Error {
	return &Error{Kind: KindOffline, Message: "offline"}
}

// Timeout reports an exhausted task polling budget.
func Timeout(taskID string, attempts int) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("task %s not finished after %d attempts", taskID, attempts)}
}

// Network wraps a transport-level failure.
func Network(err error) *Error {
	return &Error{Kind: KindNetwork, Message: "network error", Err: err}
}

// FromStatus translates a non-2xx HTTP status into an error kind.
func FromStatus(status int, retryAfter time.Duration, body string) *Error {
	e := &Error{Status: status, Message: body}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthRequired
	case status == http.StatusForbidden:
		e.Kind = KindForbidden
	case status == http.StatusUnprocessableEntity:
		e.Kind = KindInvalidRequest
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = retryAfter
	case status >= 500:
		e.Kind = KindServerError
	default:
		e.Kind = KindHTTPError
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err may succeed if attempted again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServerError, KindRateLimited:
		return true
	default:
		return false
	}
}

// IsAuth reports whether err belongs to the authentication class.
func IsAuth(err error) bool {
	switch KindOf(err) {
	case KindNoCredential, KindMalformedCredential, KindSessionExpired, KindAuthRequired:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the server-provided retry delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// UserMessage returns the human-readable text shown for an error kind.
func UserMessage(kind Kind) string {
	switch kind {
	case KindNoCredential, KindMalformedCredential, KindSessionExpired, KindAuthRequired:
		return "Authentication required"
	case KindForbidden:
		return "You do not have permission to do that"
	case KindInvalidRequest:
		return "The message could not be sent because it is invalid"
	case KindRateLimited:
		return "Too many requests, please wait a moment"
	case KindServerError, KindHTTPError:
		return "The server could not complete the request"
	case KindNetwork, KindOffline:
		return "Network unavailable"
	case KindNotReady:
		return "Connection is not ready yet"
	case KindTimeout:
		return "The request took too long to complete"
	default:
		return "Something went wrong"
	}
}
