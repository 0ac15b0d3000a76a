package breaker

import "github.com/ha2ha/ha2ha-core/internal/contracts"

// MaxWorkflowDepth is the compile-time cap on delegation chains
// (spec.md §4.4 reference value).
const MaxWorkflowDepth = 3

// CheckDepth fails a task outright if its own depth metadata is invalid or
// already exceeds MaxWorkflowDepth.
func CheckDepth(t *contracts.PendingTask) *contracts.Error {
	if t.Depth < 1 {
		return contracts.NewError(contracts.ErrWorkflowDepthExceeded, "task depth must be a positive integer", map[string]any{"depth": t.Depth})
	}
	if len(t.TaskChain) > t.Depth {
		return contracts.NewError(contracts.ErrWorkflowDepthExceeded, "task chain longer than declared depth", map[string]any{
			"depth":      t.Depth,
			"chain_len":  len(t.TaskChain),
		})
	}
	if t.Depth > MaxWorkflowDepth {
		return contracts.NewError(contracts.ErrWorkflowDepthExceeded, "task depth exceeds maximum admissible depth", map[string]any{
			"depth": t.Depth,
			"max":   MaxWorkflowDepth,
		})
	}
	return nil
}

// CanDelegate reports whether a task at the given depth may delegate
// further (the next step's depth would be depth+1).
func CanDelegate(t *contracts.PendingTask) bool {
	return t.Depth+1 <= MaxWorkflowDepth
}

// NextDelegate builds the child task's depth/chain/origin metadata for a
// delegation from parent, returning an error if delegation is not permitted.
func NextDelegate(parent *contracts.PendingTask, childTaskID string) (depth int, chain []string, origin string, err *contracts.Error) {
	if !CanDelegate(parent) {
		return 0, nil, "", contracts.NewError(contracts.ErrWorkflowDepthExceeded, "delegation would exceed maximum admissible depth", map[string]any{
			"current_depth": parent.Depth,
			"max":            MaxWorkflowDepth,
		})
	}
	newChain := make([]string, len(parent.TaskChain), len(parent.TaskChain)+1)
	copy(newChain, parent.TaskChain)
	newChain = append(newChain, childTaskID)

	o := parent.OriginTask
	if o == "" {
		o = parent.TaskID
	}
	return parent.Depth + 1, newChain, o, nil
}
