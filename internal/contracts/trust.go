// Package contracts defines the wire and persistence schemas shared across
// the HA2HA core: trust entries, pending tasks, approval/rejection records,
// audit entries, and approver profiles. Components operate on these types
// but never introspect opaque payload/detail fields beyond canonicalizing
// and hashing them.
package contracts

import "time"

// TrustLevel is the graduated trust level of a peer, 0 (BLOCKED) through
// 5 (VERIFIED). The zero value is BLOCKED, never a valid "unset" sentinel —
// callers that need "no entry yet" use a (TrustEntry, bool) return instead.
type TrustLevel int

const (
	TrustBlocked TrustLevel = iota
	TrustUnknown
	TrustProvisional
	TrustStandard
	TrustTrusted
	TrustVerified
)

// Name returns the stable textual name for the level.
func (l TrustLevel) Name() string {
	switch l {
	case TrustBlocked:
		return "BLOCKED"
	case TrustUnknown:
		return "UNKNOWN"
	case TrustProvisional:
		return "PROVISIONAL"
	case TrustStandard:
		return "STANDARD"
	case TrustTrusted:
		return "TRUSTED"
	case TrustVerified:
		return "VERIFIED"
	default:
		return "UNKNOWN_LEVEL"
	}
}

// Clamp bounds l to [TrustBlocked, TrustVerified].
func (l TrustLevel) Clamp() TrustLevel {
	if l < TrustBlocked {
		return TrustBlocked
	}
	if l > TrustVerified {
		return TrustVerified
	}
	return l
}

// ViolationSeverity classifies how serious a detected violation is.
type ViolationSeverity string

const (
	SeverityLow      ViolationSeverity = "LOW"
	SeverityMedium   ViolationSeverity = "MEDIUM"
	SeverityHigh     ViolationSeverity = "HIGH"
	SeverityCritical ViolationSeverity = "CRITICAL"
)

// TransitionReason tags why a trust entry's level changed.
type TransitionReason string

const (
	ReasonFirstContact      TransitionReason = "FIRST_CONTACT"
	ReasonHumanElevate      TransitionReason = "HUMAN_ELEVATE"
	ReasonHumanOverride     TransitionReason = "HUMAN_OVERRIDE"
	ReasonViolation         TransitionReason = "VIOLATION"
	ReasonBlock             TransitionReason = "BLOCK"
	ReasonUnblock           TransitionReason = "UNBLOCK"
	ReasonPreTrustResolved  TransitionReason = "PRE_TRUST_RESOLVED"
)

// TrustTransition is one entry in a trust entry's immutable history.
type TrustTransition struct {
	From     TrustLevel       `json:"from"`
	To       TrustLevel       `json:"to"`
	Reason   TransitionReason `json:"reason"`
	Approver string           `json:"approver,omitempty"`
	Details  string           `json:"details,omitempty"`
	At       time.Time        `json:"at"`
}

// ViolationRecord is one entry in a trust entry's violation history.
type ViolationRecord struct {
	Severity ViolationSeverity `json:"severity"`
	Reason   string            `json:"reason"`
	At       time.Time         `json:"at"`
}

// TrustEntry is the durable per-peer trust record (spec.md §3 "Trust entry").
type TrustEntry struct {
	PeerID          string            `json:"peer_id"`
	Level           TrustLevel        `json:"level"`
	CreatedAt       time.Time         `json:"created_at"`
	LastTransition  time.Time         `json:"last_transition"`
	LastReason      TransitionReason  `json:"last_reason"`
	ViolationCount  int               `json:"violation_count"`
	CooldownExpires *time.Time        `json:"cooldown_expires,omitempty"`
	PreApprovalScope []string         `json:"pre_approval_scope,omitempty"`
	History         []TrustTransition `json:"history"`
	Violations      []ViolationRecord `json:"violations,omitempty"`
}

// TrustContext is the read-only view exposed to callers at authorization time.
type TrustContext struct {
	Level           TrustLevel       `json:"level"`
	LevelName       string           `json:"level_name"`
	LastTransition  time.Time        `json:"last_transition"`
	LastReason      TransitionReason `json:"last_reason"`
	ViolationCount  int              `json:"violation_count"`
	CooldownExpires *time.Time       `json:"cooldown_expires,omitempty"`
	PreApprovalScope []string        `json:"pre_approval_scope,omitempty"`
}

// AsContext projects a TrustEntry into its read-only TrustContext.
func (e *TrustEntry) AsContext() TrustContext {
	return TrustContext{
		Level:            e.Level,
		LevelName:        e.Level.Name(),
		LastTransition:   e.LastTransition,
		LastReason:       e.LastReason,
		ViolationCount:   e.ViolationCount,
		CooldownExpires:  e.CooldownExpires,
		PreApprovalScope: e.PreApprovalScope,
	}
}
