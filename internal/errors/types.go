package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an error for policy decisions: HTTP status mapping, retry
// eligibility, and tool-response shaping.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindValidationFailed   Kind = "validation_failed"
	KindUncommittedChanges Kind = "uncommitted_changes"
	KindDepthExceeded      Kind = "depth_exceeded"
	KindApprovalRequired   Kind = "approval_required"
	KindTimeout            Kind = "timeout"
	KindTransient          Kind = "transient"
	KindFatal              Kind = "fatal"
	KindInternal           Kind = "internal"
)

// Error is a classified error carrying a machine-readable kind alongside a
// human-readable message. Callers distinguish not-found from constraint
// violations by kind, never by message text.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound creates a not_found error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// ValidationFailed creates a validation_failed error.
func ValidationFailed(format string, args ...any) *Error {
	return New(KindValidationFailed, format, args...)
}

// KindOf extracts the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err is worth retrying: explicitly classified
// transient errors, network errors, and 5xx/429-shaped failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if kind := KindOf(err); kind == KindTransient {
		return true
	} else if kind != KindInternal {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"deadline exceeded",
		"timeout",
		"429",
		"500",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
