package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/gateway"
)

// BudgetStore persists per-principal budgets and attributed cost records.
// Monetary columns store decimal strings; floats never touch money.
type BudgetStore struct {
	db *sql.DB
}

// NewBudgetStore creates the store and runs migrations.
func NewBudgetStore(db *sql.DB) (*BudgetStore, error) {
	s := &BudgetStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BudgetStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS budgets (
			principal_id TEXT PRIMARY KEY,
			daily_limit_usd TEXT,
			spent_usd TEXT NOT NULL DEFAULT '0',
			period_start TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cost_records (
			trace_id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			capability_name TEXT NOT NULL,
			estimated_usd TEXT NOT NULL,
			actual_usd TEXT,
			provider TEXT NOT NULL,
			breakdown JSON,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_records_principal
			ON cost_records (principal_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate budget store: %w", err)
		}
	}
	return nil
}

// SetLimit creates or updates a principal's daily limit. A nil limit makes
// the principal unlimited.
func (s *BudgetStore) SetLimit(ctx context.Context, principalID string, limit *decimal.Decimal, at time.Time) error {
	var limitStr sql.NullString
	if limit != nil {
		limitStr = sql.NullString{String: limit.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (principal_id, daily_limit_usd, spent_usd, period_start)
		VALUES (?, ?, '0', ?)
		ON CONFLICT (principal_id) DO UPDATE SET daily_limit_usd = excluded.daily_limit_usd`,
		principalID, limitStr, periodStart(at).Format(time.RFC3339))
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, "set budget limit", err)
	}
	return nil
}

// GetBudget returns the principal's budget, rolled forward to the period
// containing now. Returns nil when no budget row exists.
func (s *BudgetStore) GetBudget(ctx context.Context, principalID string) (*budget.Budget, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT daily_limit_usd, spent_usd, period_start
		FROM budgets WHERE principal_id = ?`, principalID)

	var (
		limitStr sql.NullString
		spentStr string
		startStr string
	)
	if err := row.Scan(&limitStr, &spentStr, &startStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, gateway.Wrap(gateway.KindInternal, "query budget", err)
	}

	b := &budget.Budget{PrincipalID: principalID}
	if limitStr.Valid {
		limit, err := decimal.NewFromString(limitStr.String)
		if err != nil {
			return nil, gateway.Wrap(gateway.KindInternal, "parse budget limit", err)
		}
		b.DailyLimitUSD = &limit
	}
	spent, err := decimal.NewFromString(spentStr)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "parse budget spent", err)
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "parse budget period", err)
	}
	b.SpentUSD = spent
	b.PeriodStart = start

	// Stale rows read as a fresh period without writing; AddSpent rolls the
	// row on the next write.
	if periodStart(time.Now().UTC()).After(start) {
		b.SpentUSD = decimal.Zero
		b.PeriodStart = periodStart(time.Now().UTC())
	}
	return b, nil
}

// AddSpent atomically adds amount to the principal's period spending,
// resetting the counter when the UTC day has rolled.
func (s *BudgetStore) AddSpent(ctx context.Context, principalID string, amount decimal.Decimal, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, "begin add spent", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		spentStr string
		startStr string
	)
	row := tx.QueryRowContext(ctx,
		`SELECT spent_usd, period_start FROM budgets WHERE principal_id = ?`, principalID)
	err = row.Scan(&spentStr, &startStr)
	switch {
	case err == sql.ErrNoRows:
		// No configured budget; track spending anyway so summaries work.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO budgets (principal_id, daily_limit_usd, spent_usd, period_start)
			VALUES (?, NULL, ?, ?)`,
			principalID, amount.String(), periodStart(at).Format(time.RFC3339))
		if err != nil {
			return gateway.Wrap(gateway.KindInternal, "insert budget row", err)
		}
	case err != nil:
		return gateway.Wrap(gateway.KindInternal, "query budget for update", err)
	default:
		spent, perr := decimal.NewFromString(spentStr)
		if perr != nil {
			return gateway.Wrap(gateway.KindInternal, "parse budget spent", perr)
		}
		start, perr := time.Parse(time.RFC3339, startStr)
		if perr != nil {
			return gateway.Wrap(gateway.KindInternal, "parse budget period", perr)
		}
		newStart := start
		if periodStart(at).After(start) {
			spent = decimal.Zero
			newStart = periodStart(at)
		}
		spent = spent.Add(amount)
		_, err = tx.ExecContext(ctx,
			`UPDATE budgets SET spent_usd = ?, period_start = ? WHERE principal_id = ?`,
			spent.String(), newStart.Format(time.RFC3339), principalID)
		if err != nil {
			return gateway.Wrap(gateway.KindInternal, "update budget spent", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return gateway.Wrap(gateway.KindInternal, "commit add spent", err)
	}
	return nil
}

// SaveRecord persists a cost record. Duplicate trace ids are no-ops so the
// recording path stays idempotent under retries.
func (s *BudgetStore) SaveRecord(ctx context.Context, rec cost.Record) error {
	var breakdown sql.NullString
	if rec.Breakdown != nil {
		raw, err := json.Marshal(rec.Breakdown)
		if err != nil {
			return gateway.Wrap(gateway.KindInternal, "marshal cost breakdown", err)
		}
		breakdown = sql.NullString{String: string(raw), Valid: true}
	}
	var actual sql.NullString
	if rec.ActualUSD != nil {
		actual = sql.NullString{String: rec.ActualUSD.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_records (
			trace_id, principal_id, resource_id, capability_name,
			estimated_usd, actual_usd, provider, breakdown, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trace_id) DO NOTHING`,
		rec.TraceID, rec.PrincipalID, rec.ResourceID, rec.CapabilityName,
		rec.EstimatedUSD.String(), actual, rec.Provider, breakdown,
		rec.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, "insert cost record", err)
	}
	return nil
}

// HasRecord reports whether a cost record exists for the trace id.
func (s *BudgetStore) HasRecord(ctx context.Context, traceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cost_records WHERE trace_id = ?`, traceID).Scan(&n)
	if err != nil {
		return false, gateway.Wrap(gateway.KindInternal, "query cost record", err)
	}
	return n > 0, nil
}

// periodStart truncates to the UTC day boundary.
func periodStart(at time.Time) time.Time {
	return at.UTC().Truncate(24 * time.Hour)
}

var _ budget.Store = (*BudgetStore)(nil)
