// Package trust implements the graduated trust registry: a durable
// per-peer trust level with cooldown-gated elevation and
// severity-scaled violation handling (spec.md §4.3).
package trust

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// schemaVersion is bumped whenever the on-disk document shape changes.
const schemaVersion = 1

type document struct {
	SchemaVersion int                              `json:"schema_version"`
	Entries       map[string]*contracts.TrustEntry `json:"entries"`
}

// fileStore persists the trust map with atomic rewrite-and-rename plus a
// one-shot backup of the last known-good file, grounded on the teacher's
// artifact store's write-temp-then-rename pattern.
type fileStore struct {
	path       string
	backupPath string
	mu         sync.Mutex
}

func newFileStore(path string) *fileStore {
	return &fileStore{path: path, backupPath: path + ".bak"}
}

func (s *fileStore) load() (map[string]*contracts.TrustEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]*contracts.TrustEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trust: reading store: %w", err)
	}

	doc, err := decodeDocument(data)
	if err == nil {
		return doc.Entries, nil
	}

	backup, berr := os.ReadFile(s.backupPath)
	if berr != nil {
		return nil, fmt.Errorf("trust: primary store corrupt (%v) and no usable backup (%v)", err, berr)
	}
	backupDoc, berr := decodeDocument(backup)
	if berr != nil {
		return nil, fmt.Errorf("trust: primary store corrupt (%v) and backup also corrupt (%v)", err, berr)
	}
	return backupDoc.Entries, nil
}

func decodeDocument(data []byte) (document, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, err
	}
	if doc.Entries == nil {
		doc.Entries = map[string]*contracts.TrustEntry{}
	}
	if doc.SchemaVersion != 0 && doc.SchemaVersion != schemaVersion {
		slog.Warn("trust: store has an unrecognized schema_version, proceeding with best-effort decode",
			"found", doc.SchemaVersion, "expected", schemaVersion)
	}
	return doc, nil
}

func (s *fileStore) save(entries map[string]*contracts.TrustEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{SchemaVersion: schemaVersion, Entries: entries}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("trust: encoding store: %w", err)
	}

	if existing, err := os.ReadFile(s.path); err == nil {
		_ = os.WriteFile(s.backupPath, existing, 0o600)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("trust: creating store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".trust-*.tmp")
	if err != nil {
		return fmt.Errorf("trust: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("trust: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("trust: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("trust: rename: %w", err)
	}
	_ = os.WriteFile(s.backupPath, data, 0o600)
	return nil
}
