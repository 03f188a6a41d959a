// Package principal contains domain types for authenticated identities and
// the credential services that resolve them.
package principal

import (
	"time"
)

// Type is the principal variant.
type Type string

const (
	TypeHuman   Type = "human"
	TypeService Type = "service"
	TypeAgent   Type = "agent"
	TypeDevice  Type = "device"
)

// TrustLevel is the coarse trust classification of a principal.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustLimited   TrustLevel = "limited"
	TrustUntrusted TrustLevel = "untrusted"
)

// Principal is an authenticated identity initiating requests through the
// gateway: human user, service account, autonomous agent, or device.
type Principal struct {
	// ID is the unique identifier.
	ID string
	// Email is the contact address, when known.
	Email string
	// Type is the identity variant.
	Type Type
	// Roles are role labels used by policies.
	Roles []string
	// Teams are team labels used by policies.
	Teams []string
	// Permissions are fine-grained permission labels.
	Permissions []string
	// Capabilities are capability labels granted to agent principals.
	Capabilities []string
	// TrustLevel classifies how much the gateway trusts this principal.
	TrustLevel TrustLevel
	// Environment labels the deployment environment the principal belongs to.
	Environment string
	// MFAVerifiedAt is the instant of the last MFA verification, nil if never.
	MFAVerifiedAt *time.Time
	// RevokedAt marks the principal as revoked from that instant on, nil if active.
	RevokedAt *time.Time
	// Admin marks principals that may bypass rate limiting when configured.
	Admin bool
}

// Revoked reports whether the principal is revoked as of now.
func (p *Principal) Revoked(now time.Time) bool {
	return p.RevokedAt != nil && p.RevokedAt.Before(now)
}

// MFAVerified reports whether the principal completed MFA within maxAge.
// A zero maxAge accepts any past verification.
func (p *Principal) MFAVerified(now time.Time, maxAge time.Duration) bool {
	if p.MFAVerifiedAt == nil {
		return false
	}
	if maxAge == 0 {
		return true
	}
	return now.Sub(*p.MFAVerifiedAt) <= maxAge
}
