// Package ratelimit provides sliding-window rate limiting domain types.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limit defines the parameters of one sliding window.
type Limit struct {
	// Requests is the maximum number of admits per window.
	Requests int
	// Window is the window length.
	Window time.Duration
}

// Result is the outcome of a rate-limit check.
type Result struct {
	// Allowed indicates whether the request was admitted.
	Allowed bool
	// Limit echoes the configured per-window maximum.
	Limit int
	// Remaining is the number of admits left in the current window.
	Remaining int
	// ResetAt is when the oldest retained admit leaves the window.
	ResetAt time.Time
	// RetryAfter is how long to wait before retrying; only meaningful on
	// rejection, floored at one second.
	RetryAfter time.Duration
}

// Limiter admits or rejects requests per identifier under a sliding window.
// A backend failure fails open: implementations admit and report the error.
type Limiter interface {
	// Check admits or rejects one request for the identifier.
	Check(ctx context.Context, identifier string, limit Limit) (Result, error)
}

// IdentifierKind orders the identifier precedence at the call site:
// API key > principal > token hash > client IP.
type IdentifierKind string

const (
	KindAPIKey    IdentifierKind = "api_key"
	KindPrincipal IdentifierKind = "principal"
	KindTokenHash IdentifierKind = "token_hash"
	KindClientIP  IdentifierKind = "ip"
)

// FormatKey returns a structured bucket key, "ratelimit:{kind}:{value}".
func FormatKey(kind IdentifierKind, value string) string {
	return fmt.Sprintf("ratelimit:%s:%s", kind, value)
}
