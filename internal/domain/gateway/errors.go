// Package gateway contains cross-cutting domain types for the SARK gateway:
// the error taxonomy shared by every component and the action taxonomy
// consumed by policies.
package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the stable error class of a GatewayError.
// Each kind maps to one HTTP status class at the inbound boundary.
type ErrorKind string

const (
	KindAuthentication    ErrorKind = "authentication_error"
	KindAuthorization     ErrorKind = "authorization_error"
	KindValidation        ErrorKind = "validation_error"
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	KindBudgetExceeded    ErrorKind = "budget_exceeded"
	KindAdapterConnection ErrorKind = "adapter_connection_error"
	KindAdapterTimeout    ErrorKind = "adapter_timeout_error"
	KindAdapterProtocol   ErrorKind = "adapter_protocol_error"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindSandboxViolation  ErrorKind = "sandbox_violation"
	KindInternal          ErrorKind = "internal_error"
)

// ErrDenied is the sentinel all authorization denials unwrap to.
var ErrDenied = errors.New("request denied")

// GatewayError is the single error type crossing component boundaries.
// Details never carry secret material; redaction happens at construction.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *GatewayError) Unwrap() error { return e.cause }

// Retryable reports whether the error class is safe to retry.
// Only transport-level adapter failures qualify; authn/authz, schema and
// budget failures must propagate immediately.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindAdapterConnection, KindAdapterTimeout:
		return true
	default:
		return false
	}
}

// New creates a GatewayError with the given kind and message.
func New(kind ErrorKind, msg string) *GatewayError {
	return &GatewayError{Kind: kind, Message: msg}
}

// Newf creates a GatewayError with a formatted message.
func Newf(kind ErrorKind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a GatewayError wrapping a cause.
func Wrap(kind ErrorKind, msg string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: msg, cause: cause}
}

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *GatewayError) WithDetail(key string, value any) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the ErrorKind from an error chain.
// Unclassified errors report KindInternal.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsRetryable reports whether any error in the chain is a retryable GatewayError.
func IsRetryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable()
	}
	return false
}
