package adapter

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sark-gateway/sark/internal/domain/resource"
)

// Registry maps protocol names to adapters. It is read-mostly: lookups take
// a read lock, registration a write lock. One instance per process, passed
// through constructors so tests can substitute fakes.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[resource.Protocol]Adapter
	initialized bool
	logger      *slog.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		adapters: make(map[resource.Protocol]Adapter),
		logger:   logger,
	}
}

// Register adds an adapter. Duplicate protocol names fail.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	proto := a.Protocol()
	if _, exists := r.adapters[proto]; exists {
		return fmt.Errorf("adapter for protocol %q already registered", proto)
	}
	r.adapters[proto] = a
	r.logger.Info("adapter registered", "protocol", proto)
	return nil
}

// Unregister removes the adapter for a protocol.
func (r *Registry) Unregister(proto resource.Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, proto)
}

// Lookup returns the adapter for a protocol, or nil when none is registered.
func (r *Registry) Lookup(proto resource.Protocol) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[proto]
}

// Protocols returns the registered protocol names.
func (r *Registry) Protocols() []resource.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]resource.Protocol, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// Initialize registers the given adapters once. Repeat calls are idempotent
// no-ops that log instead of re-registering.
func (r *Registry) Initialize(enabled []Adapter) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		r.logger.Warn("adapter registry already initialized, ignoring repeat call")
		return nil
	}
	r.initialized = true
	r.mu.Unlock()

	for _, a := range enabled {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}
