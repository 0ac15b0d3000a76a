package audit

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// Filter narrows a query over the log (spec.md §4.5 query surface).
type Filter struct {
	EventTypes []contracts.AuditEventType
	TaskID     string
	SourcePeer string
	TargetPeer string
	HumanID    string
	Outcome    contracts.Outcome
	Start      *time.Time // inclusive
	End        *time.Time // exclusive
	Descending bool
	Offset     int
	Limit      int // 0 means unlimited
}

func matches(e contracts.AuditEntry, f Filter) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.SourcePeer != "" && e.SourcePeer != f.SourcePeer {
		return false
	}
	if f.TargetPeer != "" && e.TargetPeer != f.TargetPeer {
		return false
	}
	if f.HumanID != "" && e.HumanID != f.HumanID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && !e.Timestamp.Before(*f.End) {
		return false
	}
	return true
}

// isTaskIDOnly reports whether taskID is the only narrowing predicate in f,
// the shape the attached index can resolve directly.
func isTaskIDOnly(f Filter) bool {
	return f.TaskID != "" && len(f.EventTypes) == 0 && f.SourcePeer == "" &&
		f.TargetPeer == "" && f.HumanID == "" && f.Outcome == "" &&
		f.Start == nil && f.End == nil
}

// Query filters, orders, and paginates entries. When f narrows on task id
// alone and a secondary index is attached, the candidate set is resolved
// through the index instead of scanning every entry in the log.
func (l *Log) Query(f Filter) []contracts.AuditEntry {
	var all []contracts.AuditEntry
	if l.index != nil && isTaskIDOnly(f) {
		if seqs, err := l.index.TaskSequences(context.Background(), f.TaskID); err == nil {
			all = l.entriesBySequence(seqs)
		}
	}
	if all == nil {
		all = l.All()
	}
	var out []contracts.AuditEntry
	for _, e := range all {
		if matches(e, f) {
			out = append(out, e)
		}
	}
	if f.Descending {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// TaskHistory returns every entry concerning taskID in sequence order.
func (l *Log) TaskHistory(taskID string) []contracts.AuditEntry {
	return l.Query(Filter{TaskID: taskID})
}

// PeerHistory returns every entry where peer appears as source or target.
// When the attached index supports peer lookup (SQLIndex; PostgresIndex
// does not), it resolves the candidate set instead of scanning the log.
func (l *Log) PeerHistory(peer string) []contracts.AuditEntry {
	var all []contracts.AuditEntry
	if pi, ok := l.index.(peerIndex); ok {
		if seqs, err := pi.PeerSequences(context.Background(), peer); err == nil {
			all = l.entriesBySequence(seqs)
		}
	}
	if all == nil {
		all = l.All()
	}
	var out []contracts.AuditEntry
	for _, e := range all {
		if e.SourcePeer == peer || e.TargetPeer == peer {
			out = append(out, e)
		}
	}
	return out
}

// HumanHistory returns every entry attributed to humanID.
func (l *Log) HumanHistory(humanID string) []contracts.AuditEntry {
	return l.Query(Filter{HumanID: humanID})
}

// Recent returns the n most recent entries, most recent first.
func (l *Log) Recent(n int) []contracts.AuditEntry {
	return l.Query(Filter{Descending: true, Limit: n})
}

// CountsByType tallies entries by event type.
func (l *Log) CountsByType() map[contracts.AuditEventType]int {
	out := map[contracts.AuditEventType]int{}
	for _, e := range l.All() {
		out[e.EventType]++
	}
	return out
}

// CountsByOutcome tallies entries by outcome.
func (l *Log) CountsByOutcome() map[contracts.Outcome]int {
	out := map[contracts.Outcome]int{}
	for _, e := range l.All() {
		out[e.Outcome]++
	}
	return out
}

// GroupedByDate buckets entries by their UTC calendar date (YYYY-MM-DD).
func (l *Log) GroupedByDate() map[string][]contracts.AuditEntry {
	out := map[string][]contracts.AuditEntry{}
	for _, e := range l.All() {
		key := e.Timestamp.UTC().Format("2006-01-02")
		out[key] = append(out[key], e)
	}
	return out
}

// securityEventTypes are the event types surfaced by the Security subset
// (spec.md §4.5: "alerts, violations, circuit transitions, chain tamper").
var securityEventTypes = []contracts.AuditEventType{
	contracts.EventSecurityAlert,
	contracts.EventTrustViolation,
	contracts.EventTrustBlocked,
	contracts.EventSecurityCircuitOpen,
	contracts.EventSecurityCircuitHalf,
	contracts.EventSecurityCircuitClose,
	contracts.EventChainTamperDetected,
}

// Security returns the security-relevant subset of the log.
func (l *Log) Security() []contracts.AuditEntry {
	return l.Query(Filter{EventTypes: securityEventTypes})
}

// Search performs a case-insensitive substring search over each entry's
// detail map values (stringified) plus its task/peer/human identifiers.
func (l *Log) Search(substr string) []contracts.AuditEntry {
	needle := strings.ToLower(substr)
	var out []contracts.AuditEntry
	for _, e := range l.All() {
		if strings.Contains(strings.ToLower(e.TaskID), needle) ||
			strings.Contains(strings.ToLower(e.SourcePeer), needle) ||
			strings.Contains(strings.ToLower(e.TargetPeer), needle) ||
			strings.Contains(strings.ToLower(e.HumanID), needle) {
			out = append(out, e)
			continue
		}
		for _, v := range e.Detail {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
