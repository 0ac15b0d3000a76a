package contracts

import "time"

// TaskState is a node in the approval lifecycle state machine (spec.md §4.6).
type TaskState string

const (
	TaskSubmitted TaskState = "SUBMITTED"
	TaskWorking   TaskState = "WORKING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskCanceled  TaskState = "CANCELED"
)

// ApprovalScope controls how broadly an approval applies.
type ApprovalScope string

const (
	ScopeSingle   ApprovalScope = "SINGLE"
	ScopeSimilar  ApprovalScope = "SIMILAR"
	ScopeCategory ApprovalScope = "CATEGORY"
)

// TrustAction routes a rejection's human verdict into the trust registry.
type TrustAction string

const (
	TrustActionNone   TrustAction = "NONE"
	TrustActionReduce TrustAction = "REDUCE"
	TrustActionBlock  TrustAction = "BLOCK"
)

// PendingTask is the durable record of a task awaiting, undergoing, or having
// completed human-gated execution (spec.md §3 "Pending task").
type PendingTask struct {
	TaskID           string         `json:"task_id"`
	SourcePeer       string         `json:"source_peer"`
	TargetPeer       string         `json:"target_peer"`
	Payload          map[string]any `json:"payload"`
	PayloadHash      string         `json:"payload_hash"`
	State            TaskState      `json:"state"`
	ReceivedAt       time.Time      `json:"received_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	TrustLevelAtSubmit TrustLevel   `json:"trust_level_at_submit"`
	Description      string         `json:"description,omitempty"`

	// Depth/workflow-chain metadata (spec.md §4.4).
	Depth      int      `json:"depth"`
	TaskChain  []string `json:"task_chain"`
	OriginTask string   `json:"origin_task"`

	// Set once execution completes.
	ResultSequence int64 `json:"result_sequence,omitempty"`
}

// ApprovalConditions carries optional constraints the approver attached.
type ApprovalConditions struct {
	MaxCost        int64    `json:"max_cost,omitempty"`
	AllowedActions []string `json:"allowed_actions,omitempty"`
	// Custom is an optional CEL boolean expression evaluated against the
	// task payload and these conditions before WORKING is permitted.
	Custom string `json:"custom,omitempty"`
}

// ApprovalRecord is a signed human approval of exactly one task hash
// (spec.md §3 "Approval record").
type ApprovalRecord struct {
	TaskID     string               `json:"task_id"`
	ApproverID string               `json:"approver_id"`
	Scope      ApprovalScope        `json:"scope"`
	PayloadHash string              `json:"payload_hash"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	Conditions *ApprovalConditions  `json:"conditions,omitempty"`
	Signature  string               `json:"signature"`
	CreatedAt  time.Time            `json:"created_at"`
}

// CanonicalMessage is the exact string signed over by ApproverID
// (spec.md §3: "ha2ha/approve:<task id>:<hash>:<scope>").
func (a *ApprovalRecord) CanonicalMessage() string {
	return "ha2ha/approve:" + a.TaskID + ":" + a.PayloadHash + ":" + string(a.Scope)
}

// RejectionRecord records a human rejection of a SUBMITTED task.
type RejectionRecord struct {
	TaskID      string      `json:"task_id"`
	RejectorID  string      `json:"rejector_id"`
	Reason      string      `json:"reason"`
	TrustAction TrustAction `json:"trust_action"`
	NewLevel    *TrustLevel `json:"new_level,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ErrorKind is the closed taxonomy of approval-validation failures
// (spec.md §4.6 / §7).
type ErrorKind string

const (
	ErrTaskNotFound            ErrorKind = "TASK_NOT_FOUND"
	ErrTaskAlreadyApproved     ErrorKind = "TASK_ALREADY_APPROVED"
	ErrTaskAlreadyRejected     ErrorKind = "TASK_ALREADY_REJECTED"
	ErrTaskTimeout             ErrorKind = "TASK_TIMEOUT"
	ErrHashMismatch            ErrorKind = "HASH_MISMATCH"
	ErrApprovalExpired         ErrorKind = "APPROVAL_EXPIRED"
	ErrSignatureInvalid        ErrorKind = "SIGNATURE_INVALID"
	ErrApproverNotQualified    ErrorKind = "APPROVER_NOT_QUALIFIED"
	ErrInvalidStateTransition  ErrorKind = "INVALID_STATE_TRANSITION"
	ErrWorkflowDepthExceeded   ErrorKind = "WORKFLOW_DEPTH_EXCEEDED"
	ErrCircuitOpen             ErrorKind = "CIRCUIT_OPEN"
	ErrRateLimitExceeded       ErrorKind = "RATE_LIMIT_EXCEEDED"
	ErrTrustLevelInsufficient  ErrorKind = "TRUST_LEVEL_INSUFFICIENT"
	ErrAttestationFailed       ErrorKind = "ATTESTATION_FAILED"
	ErrBadRequest              ErrorKind = "BAD_REQUEST"
	ErrChainCorrupted          ErrorKind = "CHAIN_CORRUPTED"
	ErrInvalidProfile          ErrorKind = "INVALID_PROFILE"
)

// Error is the closed-kind error type surfaced by validators throughout the
// core, so transport can map kind -> HTTP status / JSON-RPC code without
// string-matching (grounded on the teacher's RFC 7807 ProblemDetail split
// between machine kind and human message).
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// NewError builds an Error with an optional detail map.
func NewError(kind ErrorKind, message string, detail map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}
