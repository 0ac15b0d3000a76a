package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// SQLIndex is an optional secondary query index over the NDJSON log,
// backed by the pure-Go modernc.org/sqlite driver. The NDJSON file remains
// the source of truth for chain verification; the index exists purely to
// make large-log lookups (by task id, by peer) fast without rescanning
// the file.
type SQLIndex struct {
	db *sql.DB
}

// OpenSQLIndex opens (creating if needed) a SQLite index file at path.
func OpenSQLIndex(ctx context.Context, path string) (*SQLIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening sqlite index: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS entries (
	sequence INTEGER PRIMARY KEY,
	entry_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	source_peer TEXT,
	target_peer TEXT,
	task_id TEXT,
	human_id TEXT,
	trust_level INTEGER,
	outcome TEXT,
	timestamp TEXT NOT NULL,
	detail_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_entries_task ON entries(task_id);
CREATE INDEX IF NOT EXISTS idx_entries_peer ON entries(source_peer, target_peer);
CREATE INDEX IF NOT EXISTS idx_entries_time ON entries(timestamp);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: creating sqlite schema: %w", err)
	}
	return &SQLIndex{db: db}, nil
}

func (idx *SQLIndex) Close() error { return idx.db.Close() }

// Index upserts e into the secondary index. Called after every Append so
// the index stays in lockstep with the authoritative NDJSON log.
func (idx *SQLIndex) Index(ctx context.Context, e contracts.AuditEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("audit: encoding detail for index: %w", err)
	}
	_, err = idx.db.ExecContext(ctx, `
INSERT INTO entries (sequence, entry_id, event_type, source_peer, target_peer, task_id, human_id, trust_level, outcome, timestamp, detail_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sequence) DO UPDATE SET
	entry_id=excluded.entry_id, event_type=excluded.event_type,
	source_peer=excluded.source_peer, target_peer=excluded.target_peer,
	task_id=excluded.task_id, human_id=excluded.human_id,
	trust_level=excluded.trust_level, outcome=excluded.outcome,
	timestamp=excluded.timestamp, detail_json=excluded.detail_json
`, e.Sequence, e.EntryID, string(e.EventType), e.SourcePeer, e.TargetPeer,
		e.TaskID, e.HumanID, int(e.TrustLevel), string(e.Outcome),
		e.Timestamp.UTC().Format(time.RFC3339Nano), string(detail))
	if err != nil {
		return fmt.Errorf("audit: indexing entry: %w", err)
	}
	return nil
}

// TaskSequences returns the sequence numbers of every indexed entry for
// taskID, ascending — used to fetch the full entries back from the NDJSON
// log without a linear scan.
func (idx *SQLIndex) TaskSequences(ctx context.Context, taskID string) ([]int64, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT sequence FROM entries WHERE task_id = ? ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("audit: querying task index: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("audit: scanning task index row: %w", err)
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

// PeerSequences returns the sequence numbers of every indexed entry where
// peer appears as source or target, ascending.
func (idx *SQLIndex) PeerSequences(ctx context.Context, peer string) ([]int64, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT sequence FROM entries WHERE source_peer = ? OR target_peer = ? ORDER BY sequence ASC`, peer, peer)
	if err != nil {
		return nil, fmt.Errorf("audit: querying peer index: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("audit: scanning peer index row: %w", err)
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}
