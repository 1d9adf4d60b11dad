// Package apperr defines the error kinds shared by every warp component.
// Errors are plain values: callers branch on Kind (or errors.Is against the
// sentinels) and never on message text.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the machine-checkable category of a failure.
type Kind string

const (
	KindSessionNotFound     Kind = "SessionNotFound"
	KindSessionBusy         Kind = "SessionBusy"
	KindCommandBlocked      Kind = "CommandBlocked"
	KindRepositoryRequired  Kind = "RepositoryRequired"
	KindAccessDenied        Kind = "AccessDenied"
	KindExecutionTimeout    Kind = "ExecutionTimeout"
	KindCapacityUnavailable Kind = "CapacityUnavailable"
	KindRemoteProtocolError Kind = "RemoteProtocolError"
	KindServiceUnavailable  Kind = "ServiceUnavailable"
	KindInternal            Kind = "Internal"
)

// Sentinel errors, one per kind. *Error values match them through errors.Is.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionBusy         = errors.New("session has a command in flight")
	ErrCommandBlocked      = errors.New("command blocked")
	ErrRepositoryRequired  = errors.New("repository required")
	ErrAccessDenied        = errors.New("access denied")
	ErrExecutionTimeout    = errors.New("execution timed out")
	ErrCapacityUnavailable = errors.New("compute capacity unavailable")
	ErrRemoteProtocol      = errors.New("remote protocol error")
	ErrServiceUnavailable  = errors.New("service unavailable")
)

var sentinels = map[Kind]error{
	KindSessionNotFound:     ErrSessionNotFound,
	KindSessionBusy:         ErrSessionBusy,
	KindCommandBlocked:      ErrCommandBlocked,
	KindRepositoryRequired:  ErrRepositoryRequired,
	KindAccessDenied:        ErrAccessDenied,
	KindExecutionTimeout:    ErrExecutionTimeout,
	KindCapacityUnavailable: ErrCapacityUnavailable,
	KindRemoteProtocolError: ErrRemoteProtocol,
	KindServiceUnavailable:  ErrServiceUnavailable,
}

// Error carries a Kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap returns an *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf reports the kind of err. Errors that are not *Error but wrap one of
// the sentinels get that sentinel's kind; anything else is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindInternal
}

// Message returns the human-readable part of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps a kind to the status code used at the HTTP boundary.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindSessionBusy:
		return http.StatusConflict
	case KindAccessDenied, KindCommandBlocked:
		return http.StatusForbidden
	case KindRepositoryRequired:
		return http.StatusUnprocessableEntity
	case KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case KindCapacityUnavailable, KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindRemoteProtocolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
