// Package policy contains domain types for policy evaluation: the decision
// input document, the decision itself, the engine contract, the decision
// plugin registry, and the policy change log.
package policy

import (
	"context"
	"time"

	"github.com/sark-gateway/sark/internal/domain/filter"
	"github.com/sark-gateway/sark/internal/domain/principal"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// Input is the declarative document evaluated by policies. The engine
// performs no I/O beyond reading its loaded policy source.
type Input struct {
	// Principal is the authenticated caller.
	Principal *principal.Principal
	// Action is the namespaced action name (e.g. "gateway:tool:invoke").
	Action string
	// Resource is the resolved target resource, when the action names one.
	Resource *resource.Resource
	// Capability is the resolved target capability, when the action names one.
	Capability *resource.Capability
	// Arguments are the caller-supplied invocation arguments.
	Arguments map[string]any
	// Context carries environmental signals (client_ip, geo_country,
	// session_id, request_id, vpn, business_hours, timestamp).
	Context map[string]any
	// RequestTime is when the request was received.
	RequestTime time.Time
}

// Decision is the structured outcome of policy evaluation.
type Decision struct {
	// Allow permits the request when true.
	Allow bool
	// Reason explains the decision; denial reasons concatenate across rules.
	Reason string
	// RuleID identifies the rule that produced the decision, when any.
	RuleID string
	// FilterDirectives rewrite the arguments before forwarding.
	FilterDirectives []filter.Directive
	// CacheTTLOverride, when non-nil, replaces the sensitivity-derived TTL.
	// A zero override forbids caching.
	CacheTTLOverride *time.Duration
	// RequiresApproval marks decisions pending human approval.
	RequiresApproval bool
	// AuditID is filled by the orchestrator after the audit write.
	AuditID string
}

// Engine evaluates a decision input against the loaded policy bundle.
// Engine failures must be treated as deny by callers (fail closed).
type Engine interface {
	// Evaluate returns the composed decision for the input.
	Evaluate(ctx context.Context, in Input) (Decision, error)
	// Reload reloads and recompiles the policy bundle.
	Reload(ctx context.Context) error
	// BundleVersion returns the active bundle's version and content hash.
	BundleVersion() (int, string)
	// SalientContextKeys returns the context keys the bundle declares as
	// decision-relevant; only these participate in cache keys.
	SalientContextKeys() []string
}
