package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/siem"
)

// Outbox durably preserves SIEM batches that exhausted their delivery
// retries. Batches are stored whole and replayed oldest first.
type Outbox struct {
	db *sql.DB
}

// NewOutbox creates the outbox and runs migrations.
func NewOutbox(db *sql.DB) (*Outbox, error) {
	o := &Outbox{db: db}
	if err := o.migrate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS siem_outbox (
			id TEXT PRIMARY KEY,
			sink TEXT NOT NULL,
			batch JSON NOT NULL,
			preserved_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_siem_outbox_sink
			ON siem_outbox (sink, preserved_at)`,
	}
	for _, stmt := range stmts {
		if _, err := o.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate siem outbox: %w", err)
		}
	}
	return nil
}

// Preserve stores a failed batch for later replay.
func (o *Outbox) Preserve(ctx context.Context, sink string, batch []siem.Envelope) error {
	if len(batch) == 0 {
		return nil
	}
	raw, err := json.Marshal(batch)
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, "marshal outbox batch", err)
	}
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO siem_outbox (id, sink, batch, preserved_at)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), sink, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, "preserve outbox batch", err)
	}
	return nil
}

// Replay returns up to n preserved batches for a sink, oldest first, and
// removes them. Batches that fail again must be re-preserved by the caller.
func (o *Outbox) Replay(ctx context.Context, sink string, n int) ([][]siem.Envelope, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "begin outbox replay", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, batch FROM siem_outbox
		WHERE sink = ? ORDER BY preserved_at ASC LIMIT ?`, sink, n)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "query outbox", err)
	}

	var (
		ids     []string
		batches [][]siem.Envelope
	)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			_ = rows.Close()
			return nil, gateway.Wrap(gateway.KindInternal, "scan outbox row", err)
		}
		var batch []siem.Envelope
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			_ = rows.Close()
			return nil, gateway.Wrap(gateway.KindInternal, "unmarshal outbox batch", err)
		}
		ids = append(ids, id)
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, gateway.Wrap(gateway.KindInternal, "iterate outbox", err)
	}
	_ = rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM siem_outbox WHERE id = ?`, id); err != nil {
			return nil, gateway.Wrap(gateway.KindInternal, "remove replayed batch", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "commit outbox replay", err)
	}
	return batches, nil
}

// Pending returns the number of preserved batches for a sink.
func (o *Outbox) Pending(ctx context.Context, sink string) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM siem_outbox WHERE sink = ?`, sink).Scan(&n)
	if err != nil {
		return 0, gateway.Wrap(gateway.KindInternal, "count outbox", err)
	}
	return n, nil
}

var _ siem.Outbox = (*Outbox)(nil)
