package policy

import (
	"context"
	"time"

	"github.com/sark-gateway/sark/internal/domain/filter"
)

// Effect is the outcome a rule produces when it matches.
type Effect string

const (
	EffectAllow          Effect = "allow"
	EffectDeny           Effect = "deny"
	EffectApprovalNeeded Effect = "approval_required"
)

// Rule is one authorization rule inside a bundle package. Its condition is
// a CEL expression over the decision input document.
type Rule struct {
	// ID is the unique identifier.
	ID string
	// Name is the human-readable name.
	Name string
	// Priority orders evaluation within a package; higher runs first.
	Priority int
	// ActionMatch is a glob over action names (e.g. "gateway:tool:*").
	ActionMatch string
	// Condition is a CEL expression that must evaluate to true for the rule
	// to apply. Empty means always applies.
	Condition string
	// Effect is the result when the rule matches.
	Effect Effect
	// Reason is the explanation attached to the decision.
	Reason string
	// FilterDirectives are parameter rewrites attached to allow decisions.
	FilterDirectives []filter.Directive
	// CacheTTLSeconds overrides the sensitivity TTL when non-nil; zero
	// forbids caching.
	CacheTTLSeconds *int
	// CreatedAt is when the rule was created (UTC).
	CreatedAt time.Time
}

// Package groups rules under a name. Packages compose conjunctively: the
// request is allowed iff every package allows it.
type Package struct {
	// Name is the package name (e.g. "rbac", "business_hours").
	Name string
	// Rules are evaluated in priority order; the first match decides the
	// package's verdict. A package with no matching rule abstains (allows).
	Rules []Rule
}

// Bundle is a versioned set of policy packages.
type Bundle struct {
	// ID is the bundle identifier.
	ID string
	// Name is the human-readable name.
	Name string
	// Version increments on every change.
	Version int
	// Packages are the policy modules.
	Packages []Package
	// SalientContextKeys declares which context keys affect decisions and
	// therefore participate in cache keys. Default empty.
	SalientContextKeys []string
	// Enabled marks the bundle as active.
	Enabled bool
	// UpdatedAt is when the bundle last changed (UTC).
	UpdatedAt time.Time
}

// BundleStore persists policy bundles.
type BundleStore interface {
	// GetActiveBundle returns the enabled bundle, or nil when none exists.
	GetActiveBundle(ctx context.Context) (*Bundle, error)
	// SaveBundle creates or updates a bundle, bumping its version.
	SaveBundle(ctx context.Context, b *Bundle) error
}
