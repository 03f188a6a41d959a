// Package audit contains the immutable audit event schema and store
// contract. Events are append-only: once written they are never mutated.
package audit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Severity ranks how security-relevant an event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event kinds emitted by the gateway.
const (
	EventAuthorization = "gateway_authorization"
	EventInvocation    = "gateway_invocation"
	EventPolicyChange  = "gateway_policy_change"
	EventRateLimited   = "gateway_rate_limited"
	EventBudgetDenied  = "gateway_budget_denied"
)

// Decision strings recorded on events.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionError = "error"
)

// Outcome strings recorded on invocation events.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Actor identifies who triggered an event.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Target identifies the resource an event concerns.
type Target struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// CapabilityRef names the capability an event concerns.
type CapabilityRef struct {
	Name string `json:"name,omitempty"`
}

// PolicyRef identifies the policy bundle behind a decision.
type PolicyRef struct {
	Bundle  string `json:"bundle,omitempty"`
	Version int    `json:"version,omitempty"`
}

// Network captures the caller's network origin.
type Network struct {
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Event is one append-only audit record. IntegrityHash is SHA-256 over the
// JCS-canonicalized event bytes (with the hash field empty) and is
// re-verified on read when requested.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	Severity      Severity       `json:"severity"`
	Actor         Actor          `json:"actor"`
	Action        string         `json:"action,omitempty"`
	Resource      Target         `json:"resource,omitempty"`
	Capability    CapabilityRef  `json:"capability,omitempty"`
	Decision      string         `json:"decision,omitempty"`
	Outcome       string         `json:"outcome,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Policy        PolicyRef      `json:"policy,omitempty"`
	Network       Network        `json:"network,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	IntegrityHash string         `json:"integrity_hash,omitempty"`
}

// ComputeIntegrityHash returns the base64 SHA-256 of the canonicalized
// event with IntegrityHash cleared.
func (e Event) ComputeIntegrityHash() (string, error) {
	e.IntegrityHash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// VerifyIntegrity recomputes the hash and compares it to the stored one in
// constant time.
func (e Event) VerifyIntegrity() (bool, error) {
	want := e.IntegrityHash
	got, err := e.ComputeIntegrityHash()
	if err != nil {
		return false, err
	}
	return want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1, nil
}

// Store persists audit events durably. Implementations must reject any
// mutation of stored events.
type Store interface {
	// Append writes events; returns the first error encountered.
	Append(ctx context.Context, events ...Event) error
	// Recent returns the last n events, newest first, optionally verifying
	// integrity hashes.
	Recent(ctx context.Context, n int, verify bool) ([]Event, error)
	// Purge removes events older than the retention cutoff; returns the
	// number removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// sensitiveKeywords lists substrings marking an argument key as sensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactArgs returns a copy of args with sensitive values masked. Keys
// listed in extra are always masked regardless of name.
func RedactArgs(args map[string]any, extra []string) map[string]any {
	if len(args) == 0 {
		return args
	}
	extraSet := make(map[string]struct{}, len(extra))
	for _, k := range extra {
		extraSet[k] = struct{}{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if _, forced := extraSet[k]; forced || isSensitiveKey(k) {
			out[k] = "***REDACTED***"
		} else {
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
