// Package cost contains provider pricing models and cost estimation for
// invocations. All monetary arithmetic uses decimals; floats never touch
// money.
package cost

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// Estimate is a cost figure in USD with its computation breakdown.
type Estimate struct {
	// AmountUSD is the cost, rounded half-even to 6 decimal places.
	AmountUSD decimal.Decimal
	// Provider tags the pricing model that produced the estimate.
	Provider string
	// Breakdown carries per-provider detail (token counts, unit prices).
	Breakdown map[string]any
}

// Record is one attributed cost entry per (principal, resource, capability).
type Record struct {
	// PrincipalID is the charged principal.
	PrincipalID string
	// ResourceID is the invoked resource.
	ResourceID string
	// CapabilityName is the invoked capability.
	CapabilityName string
	// TraceID correlates the record with the invocation; records are
	// idempotent per trace id.
	TraceID string
	// EstimatedUSD is the pre-call estimate.
	EstimatedUSD decimal.Decimal
	// ActualUSD is the post-call cost when the provider reported one.
	ActualUSD *decimal.Decimal
	// Provider tags the pricing model.
	Provider string
	// Breakdown carries the estimate detail.
	Breakdown map[string]any
	// Timestamp is when the record was written (UTC).
	Timestamp time.Time
}

// Billed returns the amount budget accounting charges: actual when present,
// estimated otherwise.
func (r *Record) Billed() decimal.Decimal {
	if r.ActualUSD != nil {
		return *r.ActualUSD
	}
	return r.EstimatedUSD
}

// Estimator prices invocations for one provider class.
type Estimator interface {
	// ProviderName identifies the pricing model.
	ProviderName() string
	// Estimate prices a request before the call.
	Estimate(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (Estimate, error)
	// RecordActual extracts the true cost from the provider response.
	// Returns nil when the response carries no usage information.
	RecordActual(ctx context.Context, req *adapter.InvocationRequest, result *adapter.InvocationResult, res *resource.Resource) (*Estimate, error)
}

// moneyScale is the number of decimal places kept on USD amounts.
const moneyScale = 6

// RoundUSD applies banker's rounding at the last represented unit.
func RoundUSD(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(moneyScale)
}
