package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cost"
)

// fakeBudgetStore keeps budgets and cost records in memory.
type fakeBudgetStore struct {
	budgets  map[string]*budget.Budget
	records  map[string]cost.Record
	failWith error
	saves    int
	spends   int
}

func newFakeBudgetStore() *fakeBudgetStore {
	return &fakeBudgetStore{
		budgets: make(map[string]*budget.Budget),
		records: make(map[string]cost.Record),
	}
}

func (s *fakeBudgetStore) GetBudget(_ context.Context, principalID string) (*budget.Budget, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.budgets[principalID], nil
}

func (s *fakeBudgetStore) SetLimit(_ context.Context, principalID string, limit *decimal.Decimal, now time.Time) error {
	s.budgets[principalID] = &budget.Budget{
		PrincipalID:   principalID,
		DailyLimitUSD: limit,
		SpentUSD:      decimal.Zero,
		PeriodStart:   now.UTC().Truncate(24 * time.Hour),
	}
	return nil
}

func (s *fakeBudgetStore) AddSpent(_ context.Context, principalID string, amount decimal.Decimal, now time.Time) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.spends++
	b, ok := s.budgets[principalID]
	if !ok {
		b = &budget.Budget{PrincipalID: principalID, SpentUSD: decimal.Zero}
		s.budgets[principalID] = b
	}
	b.SpentUSD = b.SpentUSD.Add(amount)
	return nil
}

func (s *fakeBudgetStore) SaveRecord(_ context.Context, rec cost.Record) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.saves++
	s.records[rec.TraceID] = rec
	return nil
}

func (s *fakeBudgetStore) HasRecord(_ context.Context, traceID string) (bool, error) {
	if s.failWith != nil {
		return false, s.failWith
	}
	_, ok := s.records[traceID]
	return ok, nil
}

var _ budget.Store = (*fakeBudgetStore)(nil)

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func setLimit(t *testing.T, s *fakeBudgetStore, principalID, limit, spent string) {
	t.Helper()
	l := mustDec(t, limit)
	s.budgets[principalID] = &budget.Budget{
		PrincipalID:   principalID,
		DailyLimitUSD: &l,
		SpentUSD:      mustDec(t, spent),
		PeriodStart:   time.Now().UTC().Truncate(24 * time.Hour),
	}
}

func TestCheckBudget_NoLimitAlwaysPasses(t *testing.T) {
	store := newFakeBudgetStore()
	c := NewBudgetController(store, nil, testLogger())

	res, err := c.CheckBudget(context.Background(), "nobody", mustDec(t, "1000000"))
	if err != nil {
		t.Fatalf("CheckBudget() error: %v", err)
	}
	if !res.Allowed {
		t.Error("principals without a budget must always pass")
	}
}

func TestCheckBudget_WithinLimit(t *testing.T) {
	store := newFakeBudgetStore()
	setLimit(t, store, "p1", "10", "2")
	c := NewBudgetController(store, nil, testLogger())

	res, err := c.CheckBudget(context.Background(), "p1", mustDec(t, "1"))
	if err != nil {
		t.Fatalf("CheckBudget() error: %v", err)
	}
	if !res.Allowed {
		t.Error("spend within limit must be allowed")
	}
	if res.Metadata["projected_spending"] != "3" {
		t.Errorf("projected_spending = %q, want 3", res.Metadata["projected_spending"])
	}
}

func TestCheckBudget_ExactLimitAllowed(t *testing.T) {
	store := newFakeBudgetStore()
	setLimit(t, store, "p1", "10", "9")
	c := NewBudgetController(store, nil, testLogger())

	// spent + estimated == limit is within budget.
	res, err := c.CheckBudget(context.Background(), "p1", mustDec(t, "1"))
	if err != nil {
		t.Fatalf("CheckBudget() error: %v", err)
	}
	if !res.Allowed {
		t.Error("projection equal to the limit must be allowed")
	}
}

func TestCheckBudget_OverLimitDenied(t *testing.T) {
	store := newFakeBudgetStore()
	setLimit(t, store, "p1", "10", "9.50")
	c := NewBudgetController(store, nil, testLogger())

	res, err := c.CheckBudget(context.Background(), "p1", mustDec(t, "1"))
	if err != nil {
		t.Fatalf("CheckBudget() error: %v", err)
	}
	if res.Allowed {
		t.Fatal("projection over the limit must be denied")
	}
	if res.Reason != "daily budget exceeded" {
		t.Errorf("Reason = %q", res.Reason)
	}
	if res.Metadata["overage"] != "0.5" {
		t.Errorf("overage = %q, want 0.5", res.Metadata["overage"])
	}
}

func TestCheckBudget_WarnsNearLimit(t *testing.T) {
	store := newFakeBudgetStore()
	setLimit(t, store, "p1", "10", "7")
	c := NewBudgetController(store, nil, testLogger())

	res, err := c.CheckBudget(context.Background(), "p1", mustDec(t, "1.50"))
	if err != nil {
		t.Fatalf("CheckBudget() error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("85% projection must still be allowed")
	}
	if res.Metadata["warning"] != "approaching_budget_limit" {
		t.Errorf("warning = %q, want approaching_budget_limit", res.Metadata["warning"])
	}
}

func TestCheckBudget_WarnsAtExactThreshold(t *testing.T) {
	store := newFakeBudgetStore()
	setLimit(t, store, "p1", "0.3", "0.14")
	c := NewBudgetController(store, nil, testLogger())

	// 0.24 projected against a 0.3 limit is exactly 80%; binary floats
	// place 0.24/0.3 just under 0.8, so the comparison must stay decimal.
	res, err := c.CheckBudget(context.Background(), "p1", mustDec(t, "0.10"))
	if err != nil {
		t.Fatalf("CheckBudget() error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("80% projection must still be allowed")
	}
	if res.Metadata["warning"] != "approaching_budget_limit" {
		t.Errorf("warning = %q, want approaching_budget_limit", res.Metadata["warning"])
	}
}

func TestCheckBudget_StoreErrorFailsOpen(t *testing.T) {
	store := newFakeBudgetStore()
	store.failWith = errors.New("db locked")
	c := NewBudgetController(store, nil, testLogger())

	res, err := c.CheckBudget(context.Background(), "p1", mustDec(t, "1"))
	if err != nil {
		t.Fatalf("CheckBudget() error: %v", err)
	}
	if !res.Allowed {
		t.Error("budget backend failure must admit the request")
	}
	if res.Metadata["warning"] != "budget_backend_unavailable" {
		t.Errorf("warning = %q, want budget_backend_unavailable", res.Metadata["warning"])
	}
}

func TestRecord_AttributesBilledCost(t *testing.T) {
	store := newFakeBudgetStore()
	setLimit(t, store, "p1", "10", "0")
	c := NewBudgetController(store, nil, testLogger())

	actual := mustDec(t, "0.30")
	rec := cost.Record{
		PrincipalID:  "p1",
		TraceID:      "trace-1",
		EstimatedUSD: mustDec(t, "0.50"),
		ActualUSD:    &actual,
	}
	if err := c.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	// Actual cost wins over the estimate.
	if !store.budgets["p1"].SpentUSD.Equal(actual) {
		t.Errorf("spent = %s, want 0.30", store.budgets["p1"].SpentUSD)
	}
}

func TestRecord_IdempotentPerTrace(t *testing.T) {
	store := newFakeBudgetStore()
	c := NewBudgetController(store, nil, testLogger())

	rec := cost.Record{PrincipalID: "p1", TraceID: "trace-1", EstimatedUSD: mustDec(t, "0.50")}
	if err := c.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := c.Record(context.Background(), rec); err != nil {
		t.Fatalf("duplicate Record() error: %v", err)
	}
	if store.saves != 1 || store.spends != 1 {
		t.Errorf("saves = %d, spends = %d, want 1 and 1", store.saves, store.spends)
	}
}

func TestRecord_ZeroBilledSkipsSpend(t *testing.T) {
	store := newFakeBudgetStore()
	c := NewBudgetController(store, nil, testLogger())

	rec := cost.Record{PrincipalID: "p1", TraceID: "trace-1", EstimatedUSD: decimal.Zero}
	if err := c.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if store.spends != 0 {
		t.Error("free invocations must not touch the spending counter")
	}
}

func TestSummary_MissingBudgetReportsZero(t *testing.T) {
	store := newFakeBudgetStore()
	c := NewBudgetController(store, nil, testLogger())
	at := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)

	b, err := c.Summary(context.Background(), "nobody", at)
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if !b.SpentUSD.IsZero() || b.DailyLimitUSD != nil {
		t.Error("missing budget should summarize as zero unlimited spending")
	}
	if !b.PeriodStart.Equal(at.Truncate(24 * time.Hour)) {
		t.Errorf("PeriodStart = %v, want start of the UTC day", b.PeriodStart)
	}
}
