// Package errors provides the typed error taxonomy used across the
// protection engine, plus RFC 7807 Problem Details for the HTTP boundary.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies an engine error so callers can branch without string
// matching.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindReplay          Kind = "replay"
	KindRateLimit       Kind = "rate_limit"
	KindSignature       Kind = "signature"
	KindServiceDegraded Kind = "service_degraded"
)

// Error carries a kind, a caller-safe message and an optional cause. The
// message is what gets surfaced to the serving layer; the cause stays in
// internal logs.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches on kind so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// Wrap returns a copy of the error with the cause attached.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain returns a copy of the error with a formatted message.
func (e *Error) Explain(format string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(format, args...)
	return &err
}

// Sentinel values for the engine taxonomy. Compare with errors.Is; derive
// specific instances with Explain/Wrap.
var (
	ErrValidation      = &Error{Kind: KindValidation, Message: "invalid request context"}
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
	ErrReplay          = &Error{Kind: KindReplay, Message: "nonce already used"}
	ErrRateLimit       = &Error{Kind: KindRateLimit, Message: "rate limit exceeded"}
	ErrSignature       = &Error{Kind: KindSignature, Message: "signature verification failed"}
	ErrServiceDegraded = &Error{Kind: KindServiceDegraded, Message: "dependency unavailable"}
)

// NewValidation builds a validation error naming the offending field.
func NewValidation(field, reason string) *Error {
	return ErrValidation.Explain("%s: %s", field, reason)
}

// NewNotFound builds a not-found error for an entity/id pair.
func NewNotFound(entity, id string) *Error {
	return ErrNotFound.Explain("%s %q not found", entity, id)
}
