// Package decision contains the decision-cache contract and the canonical
// cache-key derivation.
package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/sark-gateway/sark/internal/domain/policy"
)

// SweepStats reports one sweeper pass over the cache.
type SweepStats struct {
	// Removed is the number of expired entries removed.
	Removed int
	// Duration is how long the pass took.
	Duration time.Duration
}

// Cache stores policy decisions keyed by the full decision input.
// Backend failures degrade to miss; they never fail authorization.
type Cache interface {
	// Get returns the cached decision, or ok=false on miss or expiry.
	Get(ctx context.Context, key string) (policy.Decision, bool)
	// Put stores a decision for ttl. A zero or negative ttl is a no-op.
	Put(ctx context.Context, key string, d policy.Decision, ttl time.Duration)
	// Invalidate removes all entries whose key has the given prefix.
	// An empty prefix clears the cache.
	Invalidate(ctx context.Context, prefix string) int
	// CleanupExpired removes expired entries and reports the pass.
	CleanupExpired(ctx context.Context) SweepStats
	// Len returns the current entry count.
	Len() int
}

// keyDocument is the canonical serialization input for cache keys. Keys
// derive from decision inputs only, never from argument values.
type keyDocument struct {
	PrincipalID  string         `json:"principal_id"`
	Action       string         `json:"action"`
	ResourceID   string         `json:"resource_id"`
	CapabilityID string         `json:"capability_id"`
	Context      map[string]any `json:"context,omitempty"`
}

// Key derives the stable cache key: SHA-256 over the JCS canonical JSON of
// (principal, action, resource, capability, salient-context-subset).
func Key(principalID, action, resourceID, capabilityID string, context map[string]any, salientKeys []string) (string, error) {
	doc := keyDocument{
		PrincipalID:  principalID,
		Action:       action,
		ResourceID:   resourceID,
		CapabilityID: capabilityID,
	}
	if len(salientKeys) > 0 && context != nil {
		salient := make(map[string]any, len(salientKeys))
		for _, k := range salientKeys {
			if v, ok := context[k]; ok {
				salient[k] = v
			}
		}
		if len(salient) > 0 {
			doc.Context = salient
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
