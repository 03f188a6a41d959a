package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/principal"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// PrincipalStore implements principal.Store over in-memory maps.
// Principals are provisioned externally; this store is seeded from config.
type PrincipalStore struct {
	mu         sync.RWMutex
	principals map[string]*principal.Principal
	keysByHash map[string]*principal.APIKey
}

// NewPrincipalStore creates an empty store.
func NewPrincipalStore() *PrincipalStore {
	return &PrincipalStore{
		principals: make(map[string]*principal.Principal),
		keysByHash: make(map[string]*principal.APIKey),
	}
}

// SeedPrincipal adds or replaces a principal.
func (s *PrincipalStore) SeedPrincipal(p *principal.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
}

// SeedAPIKey adds or replaces key metadata.
func (s *PrincipalStore) SeedAPIKey(k *principal.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysByHash[k.Hash] = k
}

// GetPrincipal returns a principal by id, or nil.
func (s *PrincipalStore) GetPrincipal(_ context.Context, id string) (*principal.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principals[id], nil
}

// GetAPIKey returns key metadata by hash, or nil.
func (s *PrincipalStore) GetAPIKey(_ context.Context, hash string) (*principal.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keysByHash[hash], nil
}

// ListAPIKeys returns all key metadata.
func (s *PrincipalStore) ListAPIKeys(_ context.Context) ([]*principal.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*principal.APIKey, 0, len(s.keysByHash))
	for _, k := range s.keysByHash {
		out = append(out, k)
	}
	return out, nil
}

var _ principal.Store = (*PrincipalStore)(nil)

// ResourceStore implements resource.Store over in-memory maps.
// Deleting a resource cascades to its capabilities.
type ResourceStore struct {
	mu           sync.RWMutex
	resources    map[string]*resource.Resource
	capabilities map[string]*resource.Capability
}

// NewResourceStore creates an empty store.
func NewResourceStore() *ResourceStore {
	return &ResourceStore{
		resources:    make(map[string]*resource.Resource),
		capabilities: make(map[string]*resource.Capability),
	}
}

// GetResource returns a resource by id, or nil.
func (s *ResourceStore) GetResource(_ context.Context, id string) (*resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources[id], nil
}

// ListResources returns all resources.
func (s *ResourceStore) ListResources(_ context.Context) ([]*resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*resource.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	return out, nil
}

// SaveResource creates or updates a resource. New resources start in the
// registered state.
func (s *ResourceStore) SaveResource(_ context.Context, r *resource.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == "" {
		r.Status = resource.StatusRegistered
	}
	s.resources[r.ID] = r
	return nil
}

// DeleteResource removes a resource and all its capabilities.
func (s *ResourceStore) DeleteResource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, id)
	for capID, c := range s.capabilities {
		if c.ResourceID == id {
			delete(s.capabilities, capID)
		}
	}
	return nil
}

// SetStatus transitions the lifecycle state. Decommissioned is terminal.
func (s *ResourceStore) SetStatus(_ context.Context, id string, status resource.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return fmt.Errorf("resource %q not found", id)
	}
	if r.Status == resource.StatusDecommissioned {
		return fmt.Errorf("resource %q is decommissioned", id)
	}
	r.Status = status
	return nil
}

// GetCapability returns a capability by id, or nil.
func (s *ResourceStore) GetCapability(_ context.Context, id string) (*resource.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities[id], nil
}

// ListCapabilities returns all capabilities for a resource.
func (s *ResourceStore) ListCapabilities(_ context.Context, resourceID string) ([]*resource.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*resource.Capability
	for _, c := range s.capabilities {
		if c.ResourceID == resourceID {
			out = append(out, c)
		}
	}
	return out, nil
}

// SaveCapability creates or updates a capability. The parent resource must
// exist.
func (s *ResourceStore) SaveCapability(_ context.Context, c *resource.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[c.ResourceID]; !ok {
		return fmt.Errorf("resource %q not found for capability %q", c.ResourceID, c.Name)
	}
	s.capabilities[c.ID] = c
	return nil
}

var _ resource.Store = (*ResourceStore)(nil)

// BundleStore implements policy.BundleStore in memory.
type BundleStore struct {
	mu     sync.RWMutex
	bundle *policy.Bundle
}

// NewBundleStore creates a store holding the given bundle.
func NewBundleStore(b *policy.Bundle) *BundleStore {
	return &BundleStore{bundle: b}
}

// GetActiveBundle returns the enabled bundle, or nil.
func (s *BundleStore) GetActiveBundle(_ context.Context) (*policy.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bundle == nil || !s.bundle.Enabled {
		return nil, nil
	}
	return s.bundle, nil
}

// SaveBundle replaces the bundle, bumping its version.
func (s *BundleStore) SaveBundle(_ context.Context, b *policy.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	s.bundle = b
	return nil
}

var _ policy.BundleStore = (*BundleStore)(nil)

// ChangeLog implements policy.ChangeLog as a bounded in-memory ring.
type ChangeLog struct {
	mu      sync.Mutex
	records []policy.ChangeRecord
	max     int
}

// NewChangeLog creates a change log retaining up to max records.
func NewChangeLog(max int) *ChangeLog {
	if max <= 0 {
		max = 1000
	}
	return &ChangeLog{max: max}
}

// Record appends a change record, evicting the oldest past capacity.
func (l *ChangeLog) Record(_ context.Context, rec policy.ChangeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if len(l.records) > l.max {
		l.records = l.records[len(l.records)-l.max:]
	}
	return nil
}

// Recent returns the last n records, newest first.
func (l *ChangeLog) Recent(_ context.Context, n int) ([]policy.ChangeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.records) {
		n = len(l.records)
	}
	out := make([]policy.ChangeRecord, 0, n)
	for i := len(l.records) - 1; i >= len(l.records)-n; i-- {
		out = append(out, l.records[i])
	}
	return out, nil
}

var _ policy.ChangeLog = (*ChangeLog)(nil)
