package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/gateway"
)

// AuditStore persists audit events append-only. Triggers reject UPDATE and
// DELETE on stored rows; the only removal path is Purge, which disables the
// delete trigger inside its own transaction.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates the store and runs migrations.
func NewAuditStore(db *sql.DB) (*AuditStore, error) {
	s := &AuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AuditStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			correlation_id TEXT,
			integrity_hash TEXT NOT NULL,
			payload JSON NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp
			ON audit_events (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_actor
			ON audit_events (actor_id, timestamp)`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_update
			BEFORE UPDATE ON audit_events
			BEGIN
				SELECT RAISE(ABORT, 'audit events are immutable');
			END`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
			BEFORE DELETE ON audit_events
			WHEN (SELECT value FROM audit_maintenance WHERE key = 'purge_active') IS NULL
			BEGIN
				SELECT RAISE(ABORT, 'audit events are immutable');
			END`,
		`CREATE TABLE IF NOT EXISTS audit_maintenance (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate audit store: %w", err)
		}
	}
	return nil
}

// Append writes events in one transaction. Each event gets its integrity
// hash computed here if the caller did not set one.
func (s *AuditStore) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, "begin audit append", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `INSERT INTO audit_events (
		id, timestamp, event_type, severity, actor_id, correlation_id, integrity_hash, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	for i := range events {
		e := events[i]
		if e.IntegrityHash == "" {
			hash, err := e.ComputeIntegrityHash()
			if err != nil {
				return gateway.Wrap(gateway.KindInternal, "compute integrity hash", err)
			}
			e.IntegrityHash = hash
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return gateway.Wrap(gateway.KindInternal, "marshal audit event", err)
		}
		_, err = tx.ExecContext(ctx, query,
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.EventType,
			string(e.Severity),
			e.Actor.ID,
			e.CorrelationID,
			e.IntegrityHash,
			string(payload),
		)
		if err != nil {
			return gateway.Wrap(gateway.KindInternal, "insert audit event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return gateway.Wrap(gateway.KindInternal, "commit audit append", err)
	}
	return nil
}

// Recent returns the last n events, newest first. With verify set, events
// whose stored hash does not match the recomputed one produce an error.
func (s *AuditStore) Recent(ctx context.Context, n int, verify bool) ([]audit.Event, error) {
	const query = `SELECT payload FROM audit_events ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "query audit events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, gateway.Wrap(gateway.KindInternal, "scan audit event", err)
		}
		var e audit.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, gateway.Wrap(gateway.KindInternal, "unmarshal audit event", err)
		}
		if verify {
			ok, err := e.VerifyIntegrity()
			if err != nil {
				return nil, gateway.Wrap(gateway.KindInternal, "verify audit event", err)
			}
			if !ok {
				return nil, gateway.Newf(gateway.KindInternal, "audit event %s failed integrity verification", e.ID)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "iterate audit events", err)
	}
	return out, nil
}

// Purge removes events older than the cutoff. The delete trigger is bypassed
// by setting the purge marker inside the same transaction.
func (s *AuditStore) Purge(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, gateway.Wrap(gateway.KindInternal, "begin audit purge", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_maintenance (key, value) VALUES ('purge_active', '1')`); err != nil {
		return 0, gateway.Wrap(gateway.KindInternal, "mark purge active", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM audit_events WHERE timestamp < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, gateway.Wrap(gateway.KindInternal, "purge audit events", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM audit_maintenance WHERE key = 'purge_active'`); err != nil {
		return 0, gateway.Wrap(gateway.KindInternal, "clear purge marker", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, gateway.Wrap(gateway.KindInternal, "count purged events", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, gateway.Wrap(gateway.KindInternal, "commit audit purge", err)
	}
	return int(removed), nil
}

// Count returns the number of stored events.
func (s *AuditStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n)
	if err != nil {
		return 0, gateway.Wrap(gateway.KindInternal, "count audit events", err)
	}
	return n, nil
}

var _ audit.Store = (*AuditStore)(nil)
