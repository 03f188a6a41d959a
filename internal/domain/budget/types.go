// Package budget gates invocations against per-principal spending limits
// and attributes cost after the call.
package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sark-gateway/sark/internal/domain/cost"
)

// Budget is the per-principal spending state for the current period.
type Budget struct {
	// PrincipalID is the owner.
	PrincipalID string
	// DailyLimitUSD is the per-period cap; nil means unlimited.
	DailyLimitUSD *decimal.Decimal
	// SpentUSD is the amount spent so far in the current period.
	SpentUSD decimal.Decimal
	// PeriodStart is when the current period began (UTC).
	PeriodStart time.Time
}

// CheckResult is the outcome of a pre-call budget check.
type CheckResult struct {
	// Allowed reports whether the invocation fits the budget.
	Allowed bool
	// Reason explains a denial.
	Reason string
	// Metadata carries projected_spending, overage, and warning markers.
	Metadata map[string]string
}

// Controller checks estimated cost against budgets and records spending.
// A backend failure during check fails open with a warning marker; a failure
// during record lands the entry in the durable outbox for replay.
type Controller interface {
	// CheckBudget verifies spent+estimated <= limit for the principal.
	// Principals without a limit always pass.
	CheckBudget(ctx context.Context, principalID string, estimated decimal.Decimal) (CheckResult, error)
	// Record attributes the cost of one invocation; idempotent per trace id.
	Record(ctx context.Context, rec cost.Record) error
	// Summary returns the principal's spending for the period containing at.
	Summary(ctx context.Context, principalID string, at time.Time) (Budget, error)
}

// Store persists budgets and cost records.
type Store interface {
	// GetBudget returns the principal's budget row, or nil when none is
	// configured.
	GetBudget(ctx context.Context, principalID string) (*Budget, error)
	// AddSpent atomically adds amount to the principal's period spending,
	// rolling the period when boundary has passed.
	AddSpent(ctx context.Context, principalID string, amount decimal.Decimal, at time.Time) error
	// SaveRecord persists a cost record; duplicate trace ids are no-ops.
	SaveRecord(ctx context.Context, rec cost.Record) error
	// HasRecord reports whether a record exists for the trace id.
	HasRecord(ctx context.Context, traceID string) (bool, error)
}
