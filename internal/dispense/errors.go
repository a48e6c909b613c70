package dispense

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failures surfaced by the engine.
type ErrorKind string

const (
	KindIdentityNotFound   ErrorKind = "IDENTITY_NOT_FOUND"
	KindNoPackagesFound    ErrorKind = "NO_PACKAGES_FOUND"
	KindNoActivePackages   ErrorKind = "NO_ACTIVE_PACKAGES"
	KindUpstreamService    ErrorKind = "UPSTREAM_SERVICE_ERROR"
	KindAdvisoryService    ErrorKind = "ADVISORY_SERVICE_ERROR"
	KindInvalidRequirement ErrorKind = "INVALID_REQUIREMENT"
)

// Error is the single structured error type of the engine.
type Error struct {
	Kind         ErrorKind         `json:"code"`
	Message      string            `json:"error"`
	Details      map[string]string `json:"details,omitempty"`
	Explanations []Explanation     `json:"explanations,omitempty"`
	Cause        error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithTrail attaches the explanation steps recorded so far.
func (e *Error) WithTrail(t *Trail) *Error {
	e.Explanations = t.Steps()
	return e
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
