// Package adapter defines the uniform protocol-adapter contract: discovery,
// capability enumeration, validation, invocation, streaming, and health.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/sark-gateway/sark/internal/domain/resource"
)

// InvocationRequest is the ephemeral request forwarded to a provider.
// Arguments must validate against the capability input schema before Invoke.
type InvocationRequest struct {
	// CapabilityID is the target capability.
	CapabilityID string
	// CapabilityName is the resolved capability name.
	CapabilityName string
	// PrincipalID is the invoking principal.
	PrincipalID string
	// Arguments is the (possibly filtered) argument object.
	Arguments map[string]any
	// Context carries caller-supplied key/values.
	Context map[string]any
	// TraceID correlates the invocation across audit and cost records.
	TraceID string
}

// InvocationResult is the collected outcome of one invocation.
type InvocationResult struct {
	// Success reports whether the provider call succeeded.
	Success bool
	// Result is the provider response payload on success.
	Result any
	// Err is the terminal error on failure; protocol errors are
	// distinguishable from adapter errors via their kind.
	Err error
	// DurationMS is the wall time of the provider call.
	DurationMS int64
	// Metadata carries provider extras (usage fields, response headers).
	Metadata map[string]any
}

// StreamChunk is one element of a streaming invocation. Chunks arrive on a
// bounded channel; the consumer cancelling the context releases transport.
type StreamChunk struct {
	// Sequence numbers chunks from zero.
	Sequence int
	// Data is the chunk payload.
	Data any
	// Err terminates the stream with a failure when non-nil.
	Err error
	// Final marks the terminal chunk.
	Final bool
}

// ValidationError describes one argument-schema violation.
type ValidationError struct {
	// Path locates the offending value.
	Path string
	// Message describes the violation.
	Message string
}

func (v ValidationError) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// AuthMode selects the adapter authentication injector.
type AuthMode string

const (
	AuthNone     AuthMode = "none"
	AuthBearer   AuthMode = "bearer"
	AuthAPIKey   AuthMode = "api_key"
	AuthMTLS     AuthMode = "mtls"
	AuthMetadata AuthMode = "metadata"
)

// AuthConfig configures the outbound authentication injector.
type AuthConfig struct {
	// Mode selects the injector.
	Mode AuthMode
	// Token is the bearer token (bearer mode).
	Token string
	// APIKeyHeader is the header name carrying the key (api_key mode).
	APIKeyHeader string
	// APIKey is the key value (api_key mode).
	APIKey string
	// CertFile, KeyFile, CAFile are PEM paths (mtls mode).
	CertFile string
	KeyFile  string
	CAFile   string
	// Metadata is injected as headers or gRPC metadata (metadata mode).
	Metadata map[string]string
}

// ResilienceConfig configures the uniform wrapper around every adapter.
type ResilienceConfig struct {
	// RPS caps adapter calls per second; zero disables the limiter.
	RPS float64
	// Burst is the limiter burst size; defaults to max(1, RPS).
	Burst int
	// MaxRetries bounds retry attempts over retryable errors.
	MaxRetries int
	// BackoffBase is the exponential backoff multiplier (default 2.0).
	BackoffBase float64
	// BackoffCap bounds a single backoff sleep (default 60s).
	BackoffCap time.Duration
	// BreakerFailures opens the circuit after this many consecutive
	// failures (default 5).
	BreakerFailures int
	// BreakerCooldown is the open-state duration before a probe (default 60s).
	BreakerCooldown time.Duration
	// CallTimeout bounds one provider call; zero means no extra deadline.
	CallTimeout time.Duration
	// Auth configures the outbound authentication injector.
	Auth AuthConfig
}

// Adapter is the per-protocol provider contract.
type Adapter interface {
	// Protocol returns the protocol tag this adapter serves.
	Protocol() resource.Protocol
	// DiscoverResources enumerates addressable providers from config.
	DiscoverResources(ctx context.Context, cfg map[string]any) ([]*resource.Resource, error)
	// GetCapabilities enumerates callables on a provider.
	GetCapabilities(ctx context.Context, res *resource.Resource) ([]*resource.Capability, error)
	// ValidateRequest schema-checks arguments against the capability.
	// A nil slice means valid.
	ValidateRequest(ctx context.Context, req *InvocationRequest, cap *resource.Capability) []ValidationError
	// Invoke forwards the request and collects the result.
	Invoke(ctx context.Context, req *InvocationRequest, res *resource.Resource) (*InvocationResult, error)
	// InvokeStreaming forwards the request and emits chunks on the returned
	// channel. The channel closes after the terminal chunk. Cancelling ctx
	// releases the transport.
	InvokeStreaming(ctx context.Context, req *InvocationRequest, res *resource.Resource) (<-chan StreamChunk, error)
	// HealthCheck probes the provider.
	HealthCheck(ctx context.Context, res *resource.Resource) bool
	// OnResourceUnregistered releases per-resource state.
	OnResourceUnregistered(res *resource.Resource)
}
