// Package apperr defines the error-kind taxonomy shared by every gateway
// and endpoint in pushd. Every failure a store or service can surface is
// one of the kinds below; the HTTP boundary maps each kind to exactly one
// status code.
package apperr

import (
	"errors"
	"net/http"

	"github.com/zeebo/errs"
)

// Kind is one of the error kinds named in the specification.
type Kind string

const (
	NotFound         Kind = "not-found"
	AlreadyExists    Kind = "already-exists"
	MalformedRequest Kind = "malformed-request"
	Unauthorized     Kind = "unauthorized"
	Forbidden        Kind = "forbidden"
	Conflict         Kind = "conflict"
	TooLarge         Kind = "too-large"
	ConnectionFailed Kind = "connection-failed"
	Expired          Kind = "expired"
	Invalid          Kind = "invalid"
	RateLimited      Kind = "rate-limited"
	Other            Kind = "other"
)

var classes = map[Kind]*errs.Class{
	NotFound:         errs.Class(NotFound),
	AlreadyExists:    errs.Class(AlreadyExists),
	MalformedRequest: errs.Class(MalformedRequest),
	Unauthorized:     errs.Class(Unauthorized),
	Forbidden:        errs.Class(Forbidden),
	Conflict:         errs.Class(Conflict),
	TooLarge:         errs.Class(TooLarge),
	ConnectionFailed: errs.Class(ConnectionFailed),
	Expired:          errs.Class(Expired),
	Invalid:          errs.Class(Invalid),
	RateLimited:      errs.Class(RateLimited),
	Other:            errs.Class(Other),
}

var statusCodes = map[Kind]int{
	NotFound:         http.StatusNotFound,
	AlreadyExists:    http.StatusConflict,
	MalformedRequest: http.StatusBadRequest,
	Unauthorized:     http.StatusUnauthorized,
	Forbidden:        http.StatusForbidden,
	Conflict:         http.StatusConflict,
	TooLarge:         http.StatusRequestEntityTooLarge,
	ConnectionFailed: http.StatusServiceUnavailable,
	Expired:          http.StatusUnauthorized,
	Invalid:          http.StatusBadRequest,
	RateLimited:      http.StatusTooManyRequests,
	Other:            http.StatusInternalServerError,
}

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	class, ok := classes[kind]
	if !ok {
		class = classes[Other]
	}
	return class.New(format, args...)
}

// Wrap attaches kind to an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	class, ok := classes[kind]
	if !ok {
		class = classes[Other]
	}
	return class.Wrap(err)
}

// KindOf classifies err by walking the known error classes. Unclassified
// errors report Other so the HTTP boundary always has a status to return.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		for kind, class := range classes {
			if class.Has(cur) {
				return kind
			}
		}
	}
	return Other
}

// HTTPStatus returns the status code a kind maps to at the HTTP boundary.
func HTTPStatus(kind Kind) int {
	if code, ok := statusCodes[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	class, ok := classes[kind]
	if !ok {
		return false
	}
	return class.Has(err)
}
