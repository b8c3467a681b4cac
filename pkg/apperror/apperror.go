package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures so transport layers can map them
// to status codes without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindInvalidInput
	KindNotFound
	KindAlreadyInProgress
	KindInconsistentState
	KindTimeout
	KindUpstreamFailure
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindAlreadyInProgress:
		return "ALREADY_IN_PROGRESS"
	case KindInconsistentState:
		return "INCONSISTENT_STATE"
	case KindTimeout:
		return "TIMEOUT"
	case KindUpstreamFailure:
		return "UPSTREAM_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Error carries a kind plus an optional wrapped cause. For upstream
// failures UpstreamStatus/UpstreamBody hold the remote status and body
// verbatim; they are relayed, never translated.
type Error struct {
	Kind           Kind
	Message        string
	Cause          error
	UpstreamStatus int
	UpstreamBody   string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message)
}

func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message)
}

func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

func AlreadyInProgress(message string) *Error {
	return New(KindAlreadyInProgress, message)
}

func InconsistentState(message string) *Error {
	return New(KindInconsistentState, message)
}

func Timeout(message string, cause error) *Error {
	return Wrap(KindTimeout, message, cause)
}

// Upstream builds an UpstreamFailure relaying the remote status and body.
func Upstream(status int, body string) *Error {
	return &Error{
		Kind:           KindUpstreamFailure,
		Message:        fmt.Sprintf("knowledge service returned status %d", status),
		UpstreamStatus: status,
		UpstreamBody:   body,
	}
}

// KindOf extracts the kind from any error in the chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
