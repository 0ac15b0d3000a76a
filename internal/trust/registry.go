package trust

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// Clock is injected for deterministic testing of cooldowns and elevation,
// mirroring the teacher's escalation manager's WithClock option.
type Clock func() time.Time

// cooldowns maps each level to the minimum dwell time before the next
// elevation is permitted (spec.md §4.3).
var cooldowns = map[contracts.TrustLevel]time.Duration{
	contracts.TrustBlocked:     0, // infinite; handled specially
	contracts.TrustUnknown:     24 * time.Hour,
	contracts.TrustProvisional: 4 * time.Hour,
	contracts.TrustStandard:    time.Hour,
	contracts.TrustTrusted:     15 * time.Minute,
	contracts.TrustVerified:    5 * time.Minute,
}

// Registry is the durable peer-id -> trust-entry map.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*contracts.TrustEntry
	store   *fileStore
	now     Clock
	group   singleflight.Group
	caser   cases.Caser
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.now = c }
}

// Open loads (or initializes) a trust registry backed by path.
func Open(path string, opts ...Option) (*Registry, error) {
	s := newFileStore(path)
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		entries: entries,
		store:   s,
		now:     time.Now,
		caser:   cases.Fold(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// normalizePeer Unicode-normalizes (NFC) and case-folds a peer id so
// homoglyph or case variants of the same identifier can't be used to
// evade an existing trust entry or cooldown.
func (r *Registry) normalizePeer(peer string) string {
	return r.caser.String(norm.NFC.String(peer))
}

func (r *Registry) persistLocked() error {
	return r.store.save(r.entries)
}

// GetOrCreate returns the peer's entry, creating it at UNKNOWN with a
// 24-hour cooldown on first sight. Concurrent first-contact calls for the
// same peer are collapsed via singleflight so only one entry is created.
func (r *Registry) GetOrCreate(peer string) (contracts.TrustEntry, error) {
	key := r.normalizePeer(peer)

	r.mu.RLock()
	if e, ok := r.entries[key]; ok {
		defer r.mu.RUnlock()
		return *e, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if e, ok := r.entries[key]; ok {
			return *e, nil
		}

		now := r.now()
		expires := now.Add(cooldowns[contracts.TrustUnknown])
		entry := &contracts.TrustEntry{
			PeerID:          key,
			Level:           contracts.TrustUnknown,
			CreatedAt:       now,
			LastTransition:  now,
			LastReason:      contracts.ReasonFirstContact,
			CooldownExpires: &expires,
			History: []contracts.TrustTransition{{
				From:   contracts.TrustUnknown,
				To:     contracts.TrustUnknown,
				Reason: contracts.ReasonFirstContact,
				At:     now,
			}},
		}
		r.entries[key] = entry
		if err := r.persistLocked(); err != nil {
			return contracts.TrustEntry{}, err
		}
		return *entry, nil
	})
	if err != nil {
		return contracts.TrustEntry{}, err
	}
	return v.(contracts.TrustEntry), nil
}

// SetLevel records a human override, appending history and resetting the
// cooldown to match the new level.
func (r *Registry) SetLevel(peer string, level contracts.TrustLevel, approver, details string) (contracts.TrustEntry, error) {
	key := r.normalizePeer(peer)
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.getOrCreateLocked(key)
	if err != nil {
		return contracts.TrustEntry{}, err
	}

	level = level.Clamp()
	now := r.now()
	transition := contracts.TrustTransition{
		From:     entry.Level,
		To:       level,
		Reason:   contracts.ReasonHumanOverride,
		Approver: approver,
		Details:  details,
		At:       now,
	}
	entry.Level = level
	entry.LastTransition = now
	entry.LastReason = contracts.ReasonHumanOverride
	entry.History = append(entry.History, transition)
	r.resetCooldownLocked(entry, now)

	if err := r.persistLocked(); err != nil {
		return contracts.TrustEntry{}, err
	}
	return *entry, nil
}

// ErrNotEligible is returned by Elevate when the peer is blocked,
// already at the maximum level, or still within its cooldown window.
type ErrNotEligible struct {
	Reason string
}

func (e *ErrNotEligible) Error() string { return "trust: not eligible to elevate: " + e.Reason }

// Elevate raises peer's level by exactly one, iff it is not BLOCKED, not
// already VERIFIED, and past its level-specific cooldown.
func (r *Registry) Elevate(peer, approver string) (contracts.TrustEntry, error) {
	key := r.normalizePeer(peer)
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.getOrCreateLocked(key)
	if err != nil {
		return contracts.TrustEntry{}, err
	}

	if entry.Level == contracts.TrustBlocked {
		return contracts.TrustEntry{}, &ErrNotEligible{Reason: "peer is blocked"}
	}
	if entry.Level == contracts.TrustVerified {
		return contracts.TrustEntry{}, &ErrNotEligible{Reason: "peer already at maximum trust level"}
	}

	now := r.now()
	if entry.CooldownExpires != nil && now.Before(*entry.CooldownExpires) {
		return contracts.TrustEntry{}, &ErrNotEligible{Reason: fmt.Sprintf("cooldown active until %s", entry.CooldownExpires.Format(time.RFC3339))}
	}

	next := (entry.Level + 1).Clamp()
	entry.History = append(entry.History, contracts.TrustTransition{
		From:     entry.Level,
		To:       next,
		Reason:   contracts.ReasonHumanElevate,
		Approver: approver,
		At:       now,
	})
	entry.Level = next
	entry.LastTransition = now
	entry.LastReason = contracts.ReasonHumanElevate
	r.resetCooldownLocked(entry, now)

	if err := r.persistLocked(); err != nil {
		return contracts.TrustEntry{}, err
	}
	return *entry, nil
}

// violationPenalty maps severity to the level reduction applied (spec.md
// §4.3): LOW only logs, MEDIUM -1, HIGH -2, CRITICAL forces BLOCKED.
func violationPenalty(sev contracts.ViolationSeverity) (delta int, forceBlock bool) {
	switch sev {
	case contracts.SeverityLow:
		return 0, false
	case contracts.SeverityMedium:
		return -1, false
	case contracts.SeverityHigh:
		return -2, false
	case contracts.SeverityCritical:
		return 0, true
	default:
		return 0, false
	}
}

// RecordViolation appends a violation record and applies its severity
// penalty, clamping the resulting level at BLOCKED.
func (r *Registry) RecordViolation(peer string, severity contracts.ViolationSeverity, reason string) (contracts.TrustEntry, error) {
	key := r.normalizePeer(peer)
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.getOrCreateLocked(key)
	if err != nil {
		return contracts.TrustEntry{}, err
	}

	now := r.now()
	entry.ViolationCount++
	entry.Violations = append(entry.Violations, contracts.ViolationRecord{
		Severity: severity,
		Reason:   reason,
		At:       now,
	})

	delta, forceBlock := violationPenalty(severity)
	newLevel := entry.Level
	if forceBlock {
		newLevel = contracts.TrustBlocked
	} else if delta != 0 {
		newLevel = (entry.Level + contracts.TrustLevel(delta)).Clamp()
	}

	if newLevel != entry.Level {
		entry.History = append(entry.History, contracts.TrustTransition{
			From:    entry.Level,
			To:      newLevel,
			Reason:  contracts.ReasonViolation,
			Details: reason,
			At:      now,
		})
		entry.Level = newLevel
		entry.LastTransition = now
		entry.LastReason = contracts.ReasonViolation
		r.resetCooldownLocked(entry, now)
	}

	if err := r.persistLocked(); err != nil {
		return contracts.TrustEntry{}, err
	}
	return *entry, nil
}

// Block directly transitions peer to BLOCKED with an infinite cooldown.
func (r *Registry) Block(peer, reason, by string) (contracts.TrustEntry, error) {
	key := r.normalizePeer(peer)
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.getOrCreateLocked(key)
	if err != nil {
		return contracts.TrustEntry{}, err
	}

	now := r.now()
	entry.History = append(entry.History, contracts.TrustTransition{
		From:     entry.Level,
		To:       contracts.TrustBlocked,
		Reason:   contracts.ReasonBlock,
		Approver: by,
		Details:  reason,
		At:       now,
	})
	entry.Level = contracts.TrustBlocked
	entry.LastTransition = now
	entry.LastReason = contracts.ReasonBlock
	entry.CooldownExpires = nil // BLOCKED never auto-recovers

	if err := r.persistLocked(); err != nil {
		return contracts.TrustEntry{}, err
	}
	return *entry, nil
}

// Unblock transitions a BLOCKED peer to UNKNOWN — never to its prior level.
func (r *Registry) Unblock(peer, approver string) (contracts.TrustEntry, error) {
	key := r.normalizePeer(peer)
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.getOrCreateLocked(key)
	if err != nil {
		return contracts.TrustEntry{}, err
	}
	if entry.Level != contracts.TrustBlocked {
		return contracts.TrustEntry{}, &ErrNotEligible{Reason: "peer is not blocked"}
	}

	now := r.now()
	entry.History = append(entry.History, contracts.TrustTransition{
		From:     entry.Level,
		To:       contracts.TrustUnknown,
		Reason:   contracts.ReasonUnblock,
		Approver: approver,
		At:       now,
	})
	entry.Level = contracts.TrustUnknown
	entry.LastTransition = now
	entry.LastReason = contracts.ReasonUnblock
	r.resetCooldownLocked(entry, now)

	if err := r.persistLocked(); err != nil {
		return contracts.TrustEntry{}, err
	}
	return *entry, nil
}

func (r *Registry) resetCooldownLocked(entry *contracts.TrustEntry, now time.Time) {
	if entry.Level == contracts.TrustBlocked {
		entry.CooldownExpires = nil
		return
	}
	expires := now.Add(cooldowns[entry.Level])
	entry.CooldownExpires = &expires
}

func (r *Registry) getOrCreateLocked(key string) (*contracts.TrustEntry, error) {
	if e, ok := r.entries[key]; ok {
		return e, nil
	}
	now := r.now()
	expires := now.Add(cooldowns[contracts.TrustUnknown])
	entry := &contracts.TrustEntry{
		PeerID:          key,
		Level:           contracts.TrustUnknown,
		CreatedAt:       now,
		LastTransition:  now,
		LastReason:      contracts.ReasonFirstContact,
		CooldownExpires: &expires,
		History: []contracts.TrustTransition{{
			From:   contracts.TrustUnknown,
			To:     contracts.TrustUnknown,
			Reason: contracts.ReasonFirstContact,
			At:     now,
		}},
	}
	r.entries[key] = entry
	return entry, nil
}

// Context returns the read-only authorization-time view for peer, if known.
func (r *Registry) Context(peer string) (contracts.TrustContext, bool) {
	key := r.normalizePeer(peer)
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return contracts.TrustContext{}, false
	}
	return e.AsContext(), true
}

// ByLevel returns all peer ids currently at level, sorted for determinism.
func (r *Registry) ByLevel(level contracts.TrustLevel) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.entries {
		if e.Level == level {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Blocked returns all blocked peer ids, sorted.
func (r *Registry) Blocked() []string {
	return r.ByLevel(contracts.TrustBlocked)
}

// Stats summarizes the registry: count of peers at each level plus total
// violations recorded.
type Stats struct {
	CountByLevel     map[string]int `json:"count_by_level"`
	TotalPeers       int            `json:"total_peers"`
	TotalViolations  int            `json:"total_violations"`
}

// Statistics computes aggregate Stats over the current registry.
func (r *Registry) Statistics() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{CountByLevel: map[string]int{}}
	for _, e := range r.entries {
		s.CountByLevel[e.Level.Name()]++
		s.TotalPeers++
		s.TotalViolations += len(e.Violations)
	}
	return s
}
