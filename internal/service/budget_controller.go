package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cost"
)

// warnRatio marks budget checks approaching the limit with a warning.
var warnRatio = decimal.RequireFromString("0.8")

// BudgetController checks estimated cost against per-principal daily
// limits and attributes spending after each invocation. Checks fail open
// with a warning marker on store errors: budgets are advisory cost control,
// not the security boundary.
type BudgetController struct {
	store   budget.Store
	metrics *Metrics
	logger  *slog.Logger
}

// NewBudgetController creates the controller.
func NewBudgetController(store budget.Store, metrics *Metrics, logger *slog.Logger) *BudgetController {
	return &BudgetController{store: store, metrics: metrics, logger: logger}
}

// CheckBudget verifies spent + estimated stays within the principal's
// limit. Principals without a configured limit always pass.
func (c *BudgetController) CheckBudget(ctx context.Context, principalID string, estimated decimal.Decimal) (budget.CheckResult, error) {
	b, err := c.store.GetBudget(ctx, principalID)
	if err != nil {
		c.logger.Warn("budget check failed open", "principal", principalID, "error", err)
		return budget.CheckResult{
			Allowed:  true,
			Metadata: map[string]string{"warning": "budget_backend_unavailable"},
		}, nil
	}
	if b == nil || b.DailyLimitUSD == nil {
		return budget.CheckResult{Allowed: true}, nil
	}

	projected := b.SpentUSD.Add(estimated)
	meta := map[string]string{
		"projected_spending": projected.String(),
		"daily_limit":        b.DailyLimitUSD.String(),
	}

	if projected.GreaterThan(*b.DailyLimitUSD) {
		if c.metrics != nil {
			c.metrics.BudgetDenials.Inc()
		}
		meta["overage"] = projected.Sub(*b.DailyLimitUSD).String()
		return budget.CheckResult{
			Allowed:  false,
			Reason:   "daily budget exceeded",
			Metadata: meta,
		}, nil
	}

	if b.DailyLimitUSD.IsPositive() && projected.GreaterThanOrEqual(b.DailyLimitUSD.Mul(warnRatio)) {
		meta["warning"] = "approaching_budget_limit"
	}
	return budget.CheckResult{Allowed: true, Metadata: meta}, nil
}

// Record attributes the billed cost of one invocation. Idempotent per
// trace id: a replayed record neither double-charges nor errors.
func (c *BudgetController) Record(ctx context.Context, rec cost.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	exists, err := c.store.HasRecord(ctx, rec.TraceID)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Debug("duplicate cost record ignored", "trace_id", rec.TraceID)
		return nil
	}

	if err := c.store.SaveRecord(ctx, rec); err != nil {
		return err
	}
	billed := rec.Billed()
	if billed.IsZero() {
		return nil
	}
	return c.store.AddSpent(ctx, rec.PrincipalID, billed, rec.Timestamp)
}

// Summary returns the principal's spending state for the period containing
// at. Principals without a budget row report zero spending.
func (c *BudgetController) Summary(ctx context.Context, principalID string, at time.Time) (budget.Budget, error) {
	b, err := c.store.GetBudget(ctx, principalID)
	if err != nil {
		return budget.Budget{}, err
	}
	if b == nil {
		return budget.Budget{
			PrincipalID: principalID,
			SpentUSD:    decimal.Zero,
			PeriodStart: at.UTC().Truncate(24 * time.Hour),
		}, nil
	}
	return *b, nil
}

var _ budget.Controller = (*BudgetController)(nil)
