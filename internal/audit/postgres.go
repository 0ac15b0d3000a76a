package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// PostgresIndex mirrors SQLIndex's role but against a shared Postgres
// instance, for deployments running multiple transport processes against
// one audit log (spec.md §6 deployments that share trust/audit state
// across replicas). Grounded on the teacher's lib/pq idempotency store.
type PostgresIndex struct {
	db *sql.DB
}

// NewPostgresIndex wraps an already-opened *sql.DB (so callers control
// connection pooling/lifetime) and ensures the schema exists.
func NewPostgresIndex(ctx context.Context, db *sql.DB) (*PostgresIndex, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS ha2ha_audit_entries (
	sequence BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	source_peer TEXT,
	target_peer TEXT,
	task_id TEXT,
	human_id TEXT,
	trust_level INTEGER,
	outcome TEXT,
	ts TIMESTAMPTZ NOT NULL,
	detail_json JSONB
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("audit: creating postgres schema: %w", err)
	}
	return &PostgresIndex{db: db}, nil
}

// Index upserts e into the shared index.
func (p *PostgresIndex) Index(ctx context.Context, e contracts.AuditEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("audit: encoding detail for postgres index: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO ha2ha_audit_entries (sequence, entry_id, event_type, source_peer, target_peer, task_id, human_id, trust_level, outcome, ts, detail_json)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (sequence) DO UPDATE SET
	entry_id = $2, event_type = $3, source_peer = $4, target_peer = $5,
	task_id = $6, human_id = $7, trust_level = $8, outcome = $9, ts = $10, detail_json = $11
`, e.Sequence, e.EntryID, string(e.EventType), e.SourcePeer, e.TargetPeer,
		e.TaskID, e.HumanID, int(e.TrustLevel), string(e.Outcome), e.Timestamp, string(detail))
	if err != nil {
		return fmt.Errorf("audit: indexing entry in postgres: %w", err)
	}
	return nil
}

// TaskSequences returns sequence numbers for taskID, ascending.
func (p *PostgresIndex) TaskSequences(ctx context.Context, taskID string) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT sequence FROM ha2ha_audit_entries WHERE task_id = $1 ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("audit: querying postgres task index: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("audit: scanning postgres task row: %w", err)
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}
