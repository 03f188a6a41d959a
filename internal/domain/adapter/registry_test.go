package adapter

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/sark-gateway/sark/internal/domain/resource"
)

// stubAdapter satisfies Adapter for registry tests.
type stubAdapter struct {
	proto resource.Protocol
}

func (s *stubAdapter) Protocol() resource.Protocol { return s.proto }
func (s *stubAdapter) DiscoverResources(context.Context, map[string]any) ([]*resource.Resource, error) {
	return nil, nil
}
func (s *stubAdapter) GetCapabilities(context.Context, *resource.Resource) ([]*resource.Capability, error) {
	return nil, nil
}
func (s *stubAdapter) ValidateRequest(context.Context, *InvocationRequest, *resource.Capability) []ValidationError {
	return nil
}
func (s *stubAdapter) Invoke(context.Context, *InvocationRequest, *resource.Resource) (*InvocationResult, error) {
	return &InvocationResult{Success: true}, nil
}
func (s *stubAdapter) InvokeStreaming(context.Context, *InvocationRequest, *resource.Resource) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}
func (s *stubAdapter) HealthCheck(context.Context, *resource.Resource) bool { return true }
func (s *stubAdapter) OnResourceUnregistered(*resource.Resource)            {}

var _ Adapter = (*stubAdapter)(nil)

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	r := newTestRegistry()
	a := &stubAdapter{proto: resource.ProtocolMCP}

	if err := r.Register(a); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if got := r.Lookup(resource.ProtocolMCP); got != a {
		t.Error("Lookup should return the registered adapter")
	}

	r.Unregister(resource.ProtocolMCP)
	if got := r.Lookup(resource.ProtocolMCP); got != nil {
		t.Error("Lookup after Unregister should return nil")
	}
}

func TestRegistry_DuplicateRegisterFails(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register(&stubAdapter{proto: resource.ProtocolHTTP}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := r.Register(&stubAdapter{proto: resource.ProtocolHTTP}); err == nil {
		t.Error("duplicate protocol registration should fail")
	}
}

func TestRegistry_LookupUnknownProtocol(t *testing.T) {
	r := newTestRegistry()
	if got := r.Lookup(resource.ProtocolGRPC); got != nil {
		t.Error("Lookup on empty registry should return nil")
	}
}

func TestRegistry_InitializeIdempotent(t *testing.T) {
	r := newTestRegistry()
	first := []Adapter{
		&stubAdapter{proto: resource.ProtocolMCP},
		&stubAdapter{proto: resource.ProtocolHTTP},
	}
	if err := r.Initialize(first); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	// A repeat call must not re-register or error.
	if err := r.Initialize([]Adapter{&stubAdapter{proto: resource.ProtocolGRPC}}); err != nil {
		t.Fatalf("repeat Initialize() error: %v", err)
	}
	if r.Lookup(resource.ProtocolGRPC) != nil {
		t.Error("repeat Initialize must be a no-op")
	}
	if len(r.Protocols()) != 2 {
		t.Errorf("Protocols() = %v, want the two initial protocols", r.Protocols())
	}
}
