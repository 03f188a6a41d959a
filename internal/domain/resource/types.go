// Package resource contains domain types for capability providers and the
// callables they expose.
package resource

import (
	"context"
	"encoding/json"
	"time"
)

// Protocol tags the transport a resource is addressable via.
type Protocol string

const (
	ProtocolMCP  Protocol = "mcp"
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// Sensitivity classifies how carefully decisions about a resource or
// capability must be handled; it controls decision-cache TTLs.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// CacheTTL returns the decision-cache TTL for the sensitivity class.
// Critical decisions are never cached.
func (s Sensitivity) CacheTTL() time.Duration {
	switch s {
	case SensitivityLow:
		return 30 * time.Minute
	case SensitivityHigh:
		return time.Minute
	case SensitivityCritical:
		return 0
	default:
		return 5 * time.Minute
	}
}

// Status is the resource lifecycle state. Registered resources become
// active/inactive/unhealthy through health observations; decommissioned
// is terminal.
type Status string

const (
	StatusRegistered     Status = "registered"
	StatusActive         Status = "active"
	StatusInactive       Status = "inactive"
	StatusUnhealthy      Status = "unhealthy"
	StatusDecommissioned Status = "decommissioned"
)

// Resource is a provider instance addressable via a protocol.
type Resource struct {
	// ID is the stable identifier.
	ID string
	// Name is the human-readable name.
	Name string
	// Protocol selects the adapter used to reach the provider.
	Protocol Protocol
	// Endpoint is the protocol-specific address.
	Endpoint string
	// Sensitivity is the default sensitivity for the resource's capabilities.
	Sensitivity Sensitivity
	// Metadata carries free-form protocol metadata (model ids, pricing hints).
	Metadata map[string]any
	// Status is the lifecycle state.
	Status Status
}

// Capability is a single callable exposed by a resource.
type Capability struct {
	// ID is the stable identifier.
	ID string
	// ResourceID links to the owning resource.
	ResourceID string
	// Name is unique per resource.
	Name string
	// InputSchema is a JSON-Schema document for the arguments.
	InputSchema json.RawMessage
	// OutputSchema is a JSON-Schema document for the result.
	OutputSchema json.RawMessage
	// Sensitivity overrides the parent resource's class when set.
	Sensitivity Sensitivity
	// RequiresApproval marks capabilities needing human approval.
	RequiresApproval bool
	// SensitiveParams names argument keys that must be redacted in audit.
	SensitiveParams []string
	// RequiredCapabilities are capability labels a principal must hold.
	RequiredCapabilities []string
}

// EffectiveSensitivity returns the capability's class, defaulting to the
// parent resource's class when unset.
func (c *Capability) EffectiveSensitivity(parent *Resource) Sensitivity {
	if c.Sensitivity != "" {
		return c.Sensitivity
	}
	if parent != nil && parent.Sensitivity != "" {
		return parent.Sensitivity
	}
	return SensitivityMedium
}

// Store persists resources and capabilities.
// Deleting a resource cascades to its capabilities.
type Store interface {
	GetResource(ctx context.Context, id string) (*Resource, error)
	ListResources(ctx context.Context) ([]*Resource, error)
	SaveResource(ctx context.Context, r *Resource) error
	// DeleteResource removes a resource and all its capabilities.
	DeleteResource(ctx context.Context, id string) error
	// SetStatus transitions the lifecycle state. Transitions out of
	// decommissioned are rejected.
	SetStatus(ctx context.Context, id string, status Status) error

	GetCapability(ctx context.Context, id string) (*Capability, error)
	ListCapabilities(ctx context.Context, resourceID string) ([]*Capability, error)
	SaveCapability(ctx context.Context, c *Capability) error
}
