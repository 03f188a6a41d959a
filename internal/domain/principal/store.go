package principal

import (
	"context"
	"time"
)

// APIKey is stored metadata for an issued key. The raw key is never stored;
// only the hash (SHA-256 hex for seeded keys, Argon2id for issued keys).
type APIKey struct {
	// ID is the key's stable identifier.
	ID string
	// Hash is the stored key hash.
	Hash string
	// PrincipalID is the owning principal.
	PrincipalID string
	// Scopes restrict the actions the key may request; empty means all.
	Scopes []string
	// ExpiresAt is the expiry instant, nil for non-expiring keys.
	ExpiresAt *time.Time
	// Revoked marks the key as unusable.
	Revoked bool
	// CreatedAt is when the key was issued (UTC).
	CreatedAt time.Time
}

// Expired reports whether the key has passed its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Store persists principals and API-key metadata.
// The gateway never creates principals; provisioning is external (§1).
type Store interface {
	// GetPrincipal returns a principal by ID, or nil if unknown.
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	// GetAPIKey returns key metadata by stored hash, or nil if unknown.
	GetAPIKey(ctx context.Context, hash string) (*APIKey, error)
	// ListAPIKeys returns all key metadata (needed for Argon2id verification).
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
}
