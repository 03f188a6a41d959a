package policy

import (
	"context"
	"time"
)

// ChangeKind categorizes a policy bundle change.
type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangeActivated   ChangeKind = "activated"
	ChangeDeactivated ChangeKind = "deactivated"
	ChangeDeleted     ChangeKind = "deleted"
	ChangeRolledBack  ChangeKind = "rolled-back"
)

// ChangeRecord documents one bundle change for the policy change log.
type ChangeRecord struct {
	// Kind is the change category.
	Kind ChangeKind
	// Version is the bundle version after the change.
	Version int
	// Actor identifies who made the change.
	Actor string
	// ContentHash is the SHA-256 hex of the bundle content after the change.
	ContentHash string
	// Timestamp is when the change occurred (UTC).
	Timestamp time.Time
}

// ChangeLog records bundle changes.
type ChangeLog interface {
	// Record appends a change record.
	Record(ctx context.Context, rec ChangeRecord) error
	// Recent returns the last n records, newest first.
	Recent(ctx context.Context, n int) ([]ChangeRecord, error)
}
