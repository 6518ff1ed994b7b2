// Package apperr defines the failure kinds shared by the request client and
// the media cache. Kinds stay structurally distinct inside the core so retry
// logic can branch on them; Message flattens any error into the text shown to
// the caller at the command boundary.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindUnknown is never produced by this package; KindOf reports it for
	// errors that did not originate here.
	KindUnknown Kind = iota
	KindTransport
	KindSessionExpired
	KindUnauthorized
	KindApplication
	KindInvalidLocator
	KindFileTooLarge
	KindIO
	KindRefreshFailure
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindSessionExpired:
		return "session_expired"
	case KindUnauthorized:
		return "unauthorized"
	case KindApplication:
		return "application"
	case KindInvalidLocator:
		return "invalid_locator"
	case KindFileTooLarge:
		return "file_too_large"
	case KindIO:
		return "io"
	case KindRefreshFailure:
		return "refresh_failure"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Message is the human readable detail: the
// server-supplied message when one exists.
type Error struct {
	Kind    Kind
	Message string

	// Status is the HTTP status when the failure came from a response.
	Status int
	// Code is the application-level envelope code, when present.
	Code int

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind. The message describes the failed operation.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message converts any error into the text displayed by the shell. Classified
// errors yield their message (falling back to a synthesized description);
// anything else yields err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}

	if e.Message != "" {
		return e.Message
	}

	switch e.Kind {
	case KindSessionExpired:
		return "session expired, token refresh failed"
	case KindUnauthorized:
		return "please log in again"
	case KindTransport:
		if e.Status != 0 {
			return fmt.Sprintf("request failed (HTTP %d)", e.Status)
		}
		return "network request failed"
	case KindApplication:
		if e.Code != 0 {
			return fmt.Sprintf("request failed with code %d", e.Code)
		}
		return "request failed"
	case KindInvalidLocator:
		return "invalid media URI"
	case KindFileTooLarge:
		return "file too large"
	case KindIO:
		return "file system error"
	case KindRefreshFailure:
		return "token refresh failed"
	}

	return e.Error()
}
