// Package apierror defines the single error shape used across the gateway,
// the OAuth flow and the HTTP layer. Upstream error bodies are normalized into
// an *Error as soon as they are read; nothing downstream inspects raw payloads.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the stable, client-visible error code.
type Kind string

const (
	KindStateInvalid        Kind = "STATE_INVALID"
	KindStateExpired        Kind = "STATE_EXPIRED"
	KindStateAlreadyUsed    Kind = "STATE_ALREADY_USED"
	KindCredentials         Kind = "CREDENTIALS_ERROR"
	KindTokenExchange       Kind = "TOKEN_EXCHANGE_ERROR"
	KindTokenRefresh        Kind = "TOKEN_REFRESH_ERROR"
	KindInvalidRefreshToken Kind = "INVALID_REFRESH_TOKEN"
	KindAuthentication      Kind = "AUTHENTICATION_ERROR"
	KindRateLimit           Kind = "RATE_LIMIT_ERROR"
	KindNotFound            Kind = "NOT_FOUND_ERROR"
	KindTimeout             Kind = "TIMEOUT_ERROR"
	KindNetwork             Kind = "NETWORK_ERROR"
	KindServer              Kind = "SERVER_ERROR"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindUnknown             Kind = "UNKNOWN_ERROR"
)

// Sentinels for errors.Is comparisons. Matching is by Kind only.
var (
	ErrStateInvalid        = &Error{Kind: KindStateInvalid}
	ErrStateExpired        = &Error{Kind: KindStateExpired}
	ErrStateAlreadyUsed    = &Error{Kind: KindStateAlreadyUsed}
	ErrCredentials         = &Error{Kind: KindCredentials}
	ErrInvalidRefreshToken = &Error{Kind: KindInvalidRefreshToken}
)

// Error is the tagged error variant.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Retryable  bool
	// RetryAfter is the server-requested delay, if the upstream sent one.
	RetryAfter time.Duration
	// RequiresReauthentication tells the caller that retrying is pointless and a
	// fresh login is needed.
	RequiresReauthentication bool
	Details                  map[string]any
	Err                      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Detail returns a string detail, or "" when absent.
func (e *Error) Detail(key string) string {
	if e == nil || e.Details == nil {
		return ""
	}
	s, _ := e.Details[key].(string)
	return s
}

// New creates an error of the given kind with its default status code.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		StatusCode: DefaultStatus(kind),
	}
}

// Wrap creates an error of the given kind around err.
func Wrap(kind Kind, err error, message string) *Error {
	e := New(kind, message)
	e.Err = err
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok && e.Kind != "" {
		return e.Kind
	}
	return KindUnknown
}

// KindFromStatus infers the stable code for an HTTP status.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// FromStatus builds an error from an upstream HTTP status.
func FromStatus(status int, message string) *Error {
	return &Error{
		Kind:       KindFromStatus(status),
		Message:    message,
		StatusCode: status,
	}
}

// DefaultStatus maps a kind to the HTTP status the service answers with.
func DefaultStatus(kind Kind) int {
	switch kind {
	case KindStateInvalid, KindStateExpired, KindStateAlreadyUsed, KindValidation, KindTokenExchange:
		return http.StatusBadRequest
	case KindAuthentication, KindInvalidRefreshToken:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
