// Package audit implements the hash-chained, append-only audit log
// (spec.md §4.5): newline-delimited JSON primary storage, chain
// verification with tamper evidence, and a query surface over entries.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ha2ha/ha2ha-core/internal/canon"
	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// Index is the interface a secondary query index (SQLIndex, PostgresIndex)
// must satisfy to be attached to a Log via WithIndex. The NDJSON file
// remains the source of truth; the index only accelerates lookups that
// would otherwise linear-scan the in-memory entry slice.
type Index interface {
	Index(ctx context.Context, e contracts.AuditEntry) error
	TaskSequences(ctx context.Context, taskID string) ([]int64, error)
}

// peerIndex is satisfied by indexes that also support peer-based lookup.
// PostgresIndex omits it, so PeerHistory falls back to a linear scan when
// only a PostgresIndex is attached.
type peerIndex interface {
	PeerSequences(ctx context.Context, peer string) ([]int64, error)
}

// Input is the caller-supplied content of a new entry; Sequence, Timestamp,
// EntryID, PrevHash, and Hash are computed by Append.
type Input struct {
	EventType  contracts.AuditEventType
	SourcePeer string
	TargetPeer string
	TaskID     string
	HumanID    string
	TrustLevel contracts.TrustLevel
	Outcome    contracts.Outcome
	Detail     map[string]any
}

// Log is an append-only, hash-chained audit log backed by a
// newline-delimited JSON file. Once tamper is detected, it refuses
// further appends until reopened against clean storage.
type Log struct {
	mu      sync.Mutex
	path    string
	now     func() time.Time
	entries []contracts.AuditEntry
	tainted bool
	index   Index
}

// Option configures a Log at construction.
type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithIndex attaches a secondary query index (SQLIndex or PostgresIndex),
// kept in lockstep via Append and consulted by Query/PeerHistory in place
// of a linear scan over the in-memory entry slice (spec.md §4.5).
func WithIndex(idx Index) Option {
	return func(l *Log) { l.index = idx }
}

// Open loads an existing NDJSON audit log from path, or creates one with a
// genesis entry if the file does not yet exist.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}

	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	l.entries = entries

	if len(l.entries) == 0 {
		if _, err := l.appendLocked(Input{
			EventType: contracts.EventChainGenesis,
			Outcome:   contracts.OutcomeSuccess,
		}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func readEntries(path string) ([]contracts.AuditEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: opening log: %w", err)
	}
	defer f.Close()

	var entries []contracts.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e contracts.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: decoding entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scanning log: %w", err)
	}
	return entries, nil
}

// hashableEntry composes everything that goes into an entry's hash: every
// field of AuditEntry except Hash itself.
type hashableEntry struct {
	Sequence   int64          `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
	EntryID    string         `json:"entry_id"`
	EventType  contracts.AuditEventType `json:"event_type"`
	SourcePeer string         `json:"source_peer,omitempty"`
	TargetPeer string         `json:"target_peer,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	HumanID    string         `json:"human_id,omitempty"`
	TrustLevel contracts.TrustLevel `json:"trust_level"`
	Outcome    contracts.Outcome    `json:"outcome"`
	Detail     map[string]any `json:"detail,omitempty"`
	PrevHash   *string        `json:"prev_hash"`
}

func entryHash(e contracts.AuditEntry) (string, error) {
	h := hashableEntry{
		Sequence: e.Sequence, Timestamp: e.Timestamp, EntryID: e.EntryID,
		EventType: e.EventType, SourcePeer: e.SourcePeer, TargetPeer: e.TargetPeer,
		TaskID: e.TaskID, HumanID: e.HumanID, TrustLevel: e.TrustLevel,
		Outcome: e.Outcome, Detail: e.Detail, PrevHash: e.PrevHash,
	}
	return canon.Hash(h)
}

// Append composes and persists a new entry, returning it. Append refuses
// once the log has detected tamper.
func (l *Log) Append(in Input) (contracts.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(in)
}

func (l *Log) appendLocked(in Input) (contracts.AuditEntry, error) {
	if l.tainted {
		return contracts.AuditEntry{}, fmt.Errorf("audit: log is tainted, refusing further appends")
	}

	var prevHash *string
	seq := int64(1)
	if n := len(l.entries); n > 0 {
		last := l.entries[n-1]
		h := last.Hash
		prevHash = &h
		seq = last.Sequence + 1
	}

	e := contracts.AuditEntry{
		Sequence:   seq,
		Timestamp:  l.now(),
		EntryID:    uuid.NewString(),
		EventType:  in.EventType,
		SourcePeer: in.SourcePeer,
		TargetPeer: in.TargetPeer,
		TaskID:     in.TaskID,
		HumanID:    in.HumanID,
		TrustLevel: in.TrustLevel,
		Outcome:    in.Outcome,
		Detail:     in.Detail,
		PrevHash:   prevHash,
	}

	hash, err := entryHash(e)
	if err != nil {
		return contracts.AuditEntry{}, fmt.Errorf("audit: hashing entry: %w", err)
	}
	e.Hash = hash

	if err := l.appendToFile(e); err != nil {
		return contracts.AuditEntry{}, err
	}
	l.entries = append(l.entries, e)
	l.indexEntry(e)
	return e, nil
}

// indexEntry mirrors e into the attached secondary index, if any. The
// NDJSON file is already the durable record by this point, so an index
// failure is logged and otherwise ignored rather than failing the append.
func (l *Log) indexEntry(e contracts.AuditEntry) {
	if l.index == nil {
		return
	}
	if err := l.index.Index(context.Background(), e); err != nil {
		slog.Warn("audit: secondary index write failed", "sequence", e.Sequence, "error", err)
	}
}

// entriesBySequence resolves sequence numbers to their full entries
// directly, without scanning the in-memory slice: sequence numbers are
// contiguous starting at 1, so entries[seq-1] is exact.
func (l *Log) entriesBySequence(seqs []int64) []contracts.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contracts.AuditEntry, 0, len(seqs))
	for _, seq := range seqs {
		if seq >= 1 && int(seq) <= len(l.entries) {
			out = append(out, l.entries[seq-1])
		}
	}
	return out
}

func (l *Log) appendToFile(e contracts.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encoding entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("audit: creating log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: opening log for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: writing entry: %w", err)
	}
	return f.Sync()
}

// Verify walks the chain in order, checking self-consistent hashes and
// prev_hash linkage. On mismatch it returns up to three evidence entries
// around the break and marks the log tainted, writing one final
// CHAIN_TAMPER_DETECTED record.
func (l *Log) Verify() contracts.VerifyResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verifyLocked()
}

func (l *Log) verifyLocked() contracts.VerifyResult {
	for i, e := range l.entries {
		wantHash, err := entryHash(e)
		if err != nil {
			return l.fail(i, contracts.ChainErrInvalidFormat, fmt.Sprintf("could not hash entry %d: %v", i, err))
		}
		if wantHash != e.Hash {
			return l.fail(i, contracts.ChainErrHashMismatch, fmt.Sprintf("entry %d hash mismatch", i))
		}
		if i == 0 {
			if e.PrevHash != nil {
				return l.fail(i, contracts.ChainErrPrevHashMismatch, "genesis entry must have nil prev_hash")
			}
			continue
		}
		prev := l.entries[i-1]
		if e.PrevHash == nil || *e.PrevHash != prev.Hash {
			return l.fail(i, contracts.ChainErrPrevHashMismatch, fmt.Sprintf("entry %d prev_hash does not match entry %d hash", i, i-1))
		}
	}
	return contracts.VerifyResult{Valid: true}
}

func (l *Log) fail(brokenAt int, kind contracts.ChainErrorKind, message string) contracts.VerifyResult {
	l.tainted = true

	lo := brokenAt - 1
	if lo < 0 {
		lo = 0
	}
	hi := brokenAt + 2
	if hi > len(l.entries) {
		hi = len(l.entries)
	}
	evidence := append([]contracts.AuditEntry{}, l.entries[lo:hi]...)

	result := contracts.VerifyResult{
		Valid:     false,
		BrokenAt:  brokenAt,
		ErrorKind: kind,
		Message:   message,
		Evidence:  evidence,
	}

	detail := map[string]any{
		"broken_at":  brokenAt,
		"error_kind": string(kind),
		"message":    message,
	}
	// Best-effort: append the tamper record directly, bypassing appendLocked's
	// tainted check (which would otherwise refuse this very record).
	var prevHash *string
	seq := int64(1)
	if n := len(l.entries); n > 0 {
		h := l.entries[n-1].Hash
		prevHash = &h
		seq = l.entries[n-1].Sequence + 1
	}
	tamperEntry := contracts.AuditEntry{
		Sequence:  seq,
		Timestamp: l.now(),
		EntryID:   uuid.NewString(),
		EventType: contracts.EventChainTamperDetected,
		Outcome:   contracts.OutcomeError,
		Detail:    detail,
		PrevHash:  prevHash,
	}
	if h, err := entryHash(tamperEntry); err == nil {
		tamperEntry.Hash = h
		_ = l.appendToFile(tamperEntry)
		l.entries = append(l.entries, tamperEntry)
		l.indexEntry(tamperEntry)
	}

	return result
}

// Len returns the current number of entries, including genesis.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// All returns a copy of every entry in sequence order.
func (l *Log) All() []contracts.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]contracts.AuditEntry{}, l.entries...)
}
