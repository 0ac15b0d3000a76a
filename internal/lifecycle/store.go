package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// store persists one file per task (plus its approval/rejection, if any)
// under dir, with an index file of known task ids. Writes are atomic
// (temp file + rename, grounded on the teacher's artifact store) and
// idempotent; reads fall back to scanning the directory if the index is
// missing or unreadable. An index that parses but lacks some task ids is
// used as is.
type store struct {
	dir string
}

func newStore(dir string) *store {
	return &store{dir: dir}
}

type taskFile struct {
	Task       contracts.PendingTask        `json:"task"`
	Approval   *contracts.ApprovalRecord    `json:"approval,omitempty"`
	Rejection  *contracts.RejectionRecord   `json:"rejection,omitempty"`
}

func (s *store) taskPath(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

func (s *store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("lifecycle: encoding %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("lifecycle: creating dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("lifecycle: temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("lifecycle: writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("lifecycle: closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("lifecycle: renaming into %s: %w", path, err)
	}
	return nil
}

func (s *store) readTaskFile(taskID string) (*taskFile, error) {
	data, err := os.ReadFile(s.taskPath(taskID))
	if err != nil {
		return nil, err
	}
	var tf taskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("lifecycle: decoding task file %s: %w", taskID, err)
	}
	return &tf, nil
}

func (s *store) writeTaskFile(tf *taskFile) error {
	if err := atomicWriteJSON(s.taskPath(tf.Task.TaskID), tf); err != nil {
		return err
	}
	return s.addToIndex(tf.Task.TaskID)
}

func (s *store) saveTask(t *contracts.PendingTask) error {
	existing, err := s.readTaskFile(t.TaskID)
	if err != nil {
		existing = &taskFile{}
	}
	existing.Task = *t
	return s.writeTaskFile(existing)
}

func (s *store) saveApproval(a *contracts.ApprovalRecord) error {
	existing, err := s.readTaskFile(a.TaskID)
	if err != nil {
		return fmt.Errorf("lifecycle: saving approval for unknown task %s: %w", a.TaskID, err)
	}
	existing.Approval = a
	return s.writeTaskFile(existing)
}

func (s *store) saveRejection(r *contracts.RejectionRecord) error {
	existing, err := s.readTaskFile(r.TaskID)
	if err != nil {
		return fmt.Errorf("lifecycle: saving rejection for unknown task %s: %w", r.TaskID, err)
	}
	existing.Rejection = r
	return s.writeTaskFile(existing)
}

type index struct {
	TaskIDs []string `json:"task_ids"`
}

func (s *store) addToIndex(taskID string) error {
	idx, _ := s.readIndex()
	for _, id := range idx.TaskIDs {
		if id == taskID {
			return nil
		}
	}
	idx.TaskIDs = append(idx.TaskIDs, taskID)
	return atomicWriteJSON(s.indexPath(), idx)
}

func (s *store) readIndex() (index, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return index{}, err
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return index{}, fmt.Errorf("lifecycle: decoding index: %w", err)
	}
	return idx, nil
}

// listTaskIDs returns every known task id, preferring the index but
// falling back to a directory scan if it's missing or looks stale
// (spec.md §4.6: "Reads are resilient to missing index").
func (s *store) listTaskIDs() ([]string, error) {
	idx, err := s.readIndex()
	if err == nil {
		return idx.TaskIDs, nil
	}

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: scanning dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "index.json" || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// loadAll rebuilds the in-memory maps from durable storage.
func (s *store) loadAll() (map[string]*contracts.PendingTask, map[string]*contracts.ApprovalRecord, map[string]*contracts.RejectionRecord, error) {
	ids, err := s.listTaskIDs()
	if err != nil {
		return nil, nil, nil, err
	}

	tasks := map[string]*contracts.PendingTask{}
	approvals := map[string]*contracts.ApprovalRecord{}
	rejections := map[string]*contracts.RejectionRecord{}

	for _, id := range ids {
		tf, err := s.readTaskFile(id)
		if err != nil {
			continue // a single corrupt task file shouldn't block the rest
		}
		t := tf.Task
		tasks[id] = &t
		if tf.Approval != nil {
			a := *tf.Approval
			approvals[id] = &a
		}
		if tf.Rejection != nil {
			r := *tf.Rejection
			rejections[id] = &r
		}
	}
	return tasks, approvals, rejections, nil
}
