// Package apperr defines the stable failure kinds returned by the join path.
//
// Every failure a client can observe carries exactly one Kind, so the caller can
// decide whether retrying makes sense (no_capacity, timeout, rate_limited) or not
// (version_mismatch, missing_version, missing_identity).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable failure code.
type Kind string

const (
	KindMissingVersion     Kind = "missing_version"
	KindMissingIdentity    Kind = "missing_identity"
	KindVersionMismatch    Kind = "version_mismatch"
	KindNoCapacity         Kind = "no_capacity"
	KindTimeout            Kind = "timeout"
	KindBackendUnreachable Kind = "backend_unreachable" // internal, never sent to clients
	KindRateLimited        Kind = "rate_limited"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal"
)

// Error is the error type shared by registry, matchmaker and api.
type Error struct {
	// Kind is the stable failure code.
	Kind Kind `json:"code"`
	// Message is a human-readable message.
	Message string `json:"message"`
	// Inner is a wrapped error that is never shown to API consumers.
	Inner error `json:"-"`
}

func New(kind Kind, message string, inner error) *Error {
	return &Error{Kind: kind, Message: message, Inner: inner}
}

func MissingVersion(message string) *Error {
	return New(KindMissingVersion, message, nil)
}

func MissingIdentity(message string) *Error {
	return New(KindMissingIdentity, message, nil)
}

func VersionMismatch(requested int) *Error {
	return New(KindVersionMismatch, fmt.Sprintf("version %d out of date -- please update", requested), nil)
}

func NoCapacity(message string) *Error {
	return New(KindNoCapacity, message, nil)
}

func Timeout(inner error) *Error {
	return New(KindTimeout, "join request timed out", inner)
}

func BackendUnreachable(id string, inner error) *Error {
	return New(KindBackendUnreachable, "backend "+id+" unreachable", inner)
}

func RateLimited() *Error {
	return New(KindRateLimited, "rate limit exceeded", nil)
}

func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

// Internal wraps inner unless it already is an *Error, in which case that error is returned as is.
func Internal(message string, inner error) *Error {
	if e := As(inner); e != nil {
		return e
	}
	return New(KindInternal, message, inner)
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Message, e.Inner)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Message)
}

// Unwrap returns the error's reason.
func (e *Error) Unwrap() error {
	return e.Inner
}

// As returns the *Error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a client may retry the same request later.
func Retryable(kind Kind) bool {
	switch kind {
	case KindNoCapacity, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

var statusByKind = map[Kind]int{
	KindMissingVersion:     http.StatusBadRequest,
	KindMissingIdentity:    http.StatusBadRequest,
	KindVersionMismatch:    http.StatusConflict,
	KindNoCapacity:         http.StatusServiceUnavailable,
	KindTimeout:            http.StatusGatewayTimeout,
	KindBackendUnreachable: http.StatusBadGateway,
	KindRateLimited:        http.StatusTooManyRequests,
	KindNotFound:           http.StatusNotFound,
	KindInternal:           http.StatusInternalServerError,
}

// HTTPStatus maps a kind to the status the front-end answers with.
func HTTPStatus(kind Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// FromHTTPStatus is the inverse of HTTPStatus for statuses that map to a single client-visible kind.
// 400 is ambiguous and resolves to "" so callers fall back to the response body.
func FromHTTPStatus(status int) Kind {
	switch status {
	case http.StatusConflict:
		return KindVersionMismatch
	case http.StatusServiceUnavailable:
		return KindNoCapacity
	case http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusInternalServerError:
		return KindInternal
	}
	return ""
}
