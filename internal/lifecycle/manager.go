// Package lifecycle implements the Approval Lifecycle state machine
// (spec.md §4.6): SUBMITTED -> WORKING -> COMPLETED|FAILED, with
// reject/timeout routing SUBMITTED to CANCELED.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
	"github.com/ha2ha/ha2ha-core/internal/identity"
)

// DefaultTaskTimeout and DefaultSimilarApprovalExpiry are spec.md §4.6's
// reference defaults.
const (
	DefaultTaskTimeout           = time.Hour
	DefaultSimilarApprovalExpiry = 24 * time.Hour
)

// Manager owns the durable set of pending tasks and their approval
// records, grounded on the teacher's escalation.Manager (clock injection,
// mutex-protected in-memory map, opaque executor callback).
type Manager struct {
	mu          sync.Mutex
	tasks       map[string]*contracts.PendingTask
	approvals   map[string]*contracts.ApprovalRecord // by task id
	rejections  map[string]*contracts.RejectionRecord
	store       *store
	clock       func() time.Time
	requireSig  bool
	qualifiers  ApproverQualifier
}

// ApproverQualifier lets the host restrict which approver ids may approve
// a given task (spec.md §4.6 APPROVER_NOT_QUALIFIED).
type ApproverQualifier interface {
	Qualified(task *contracts.PendingTask, approverID string) bool
}

type allowAllQualifier struct{}

func (allowAllQualifier) Qualified(*contracts.PendingTask, string) bool { return true }

// Option configures a Manager at construction.
type Option func(*Manager)

func WithClock(c func() time.Time) Option { return func(m *Manager) { m.clock = c } }

// WithSignatureEnforcement requires approval.Signature to verify under the
// approver's public key over the canonical approval message.
func WithSignatureEnforcement(enabled bool) Option {
	return func(m *Manager) { m.requireSig = enabled }
}

func WithApproverQualifier(q ApproverQualifier) Option {
	return func(m *Manager) { m.qualifiers = q }
}

// Open loads (or initializes) a lifecycle manager backed by dir, one file
// per task plus a directory-scan fallback index.
func Open(dir string, opts ...Option) (*Manager, error) {
	s := newStore(dir)
	tasks, approvals, rejections, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		tasks:      tasks,
		approvals:  approvals,
		rejections: rejections,
		store:      s,
		clock:      time.Now,
		qualifiers: allowAllQualifier{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Submit registers a new SUBMITTED task with a default expiry of
// DefaultTaskTimeout from now, unless task.ExpiresAt is already set.
func (m *Manager) Submit(task contracts.PendingTask) (contracts.PendingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	task.State = contracts.TaskSubmitted
	task.ReceivedAt = now
	if task.ExpiresAt.IsZero() {
		task.ExpiresAt = now.Add(DefaultTaskTimeout)
	}
	if task.Depth == 0 {
		task.Depth = 1
	}

	t := task
	m.tasks[t.TaskID] = &t
	if err := m.store.saveTask(&t); err != nil {
		return contracts.PendingTask{}, err
	}
	return t, nil
}

// sweepExpiredLocked lazily moves any SUBMITTED task whose ExpiresAt has
// passed to CANCELED (spec.md §4.6 timeout sweep). Called by Get, Approve
// and Reject so timeouts are observed without a background goroutine
// being required.
func (m *Manager) sweepExpiredLocked(now time.Time) {
	for id, t := range m.tasks {
		if t.State == contracts.TaskSubmitted && now.After(t.ExpiresAt) {
			t.State = contracts.TaskCanceled
			m.rejections[id] = &contracts.RejectionRecord{
				TaskID:      id,
				RejectorID:  "system:timeout",
				Reason:      "task expired before approval",
				TrustAction: contracts.TrustActionNone,
				CreatedAt:   now,
			}
			_ = m.store.saveTask(t)
		}
	}
}

// Get returns the current state of a task, applying the timeout sweep
// first.
func (m *Manager) Get(taskID string) (contracts.PendingTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepExpiredLocked(m.clock())

	t, ok := m.tasks[taskID]
	if !ok {
		return contracts.PendingTask{}, false
	}
	return *t, true
}

// checkApprovable runs every rule in spec.md §4.6's approval-success
// conjunction and returns the first violated ErrorKind, or nil.
func (m *Manager) checkApprovable(task *contracts.PendingTask, approval *contracts.ApprovalRecord, now time.Time) *contracts.Error {
	if task.State != contracts.TaskSubmitted {
		switch task.State {
		case contracts.TaskCanceled:
			if m.rejections[task.TaskID] != nil && m.rejections[task.TaskID].RejectorID == "system:timeout" {
				return contracts.NewError(contracts.ErrTaskTimeout, "task expired before approval", nil)
			}
			return contracts.NewError(contracts.ErrTaskAlreadyRejected, "task was already rejected", nil)
		default:
			return contracts.NewError(contracts.ErrTaskAlreadyApproved, "task is no longer awaiting approval", map[string]any{"state": string(task.State)})
		}
	}
	if now.After(task.ExpiresAt) {
		return contracts.NewError(contracts.ErrTaskTimeout, "task has expired", nil)
	}
	if approval.TaskID != task.TaskID {
		return contracts.NewError(contracts.ErrInvalidStateTransition, "approval task id does not match", nil)
	}
	if approval.PayloadHash != task.PayloadHash {
		return contracts.NewError(contracts.ErrHashMismatch, "approval payload hash does not match task", nil)
	}
	if approval.Scope == contracts.ScopeSimilar && approval.ExpiresAt != nil && now.After(*approval.ExpiresAt) {
		return contracts.NewError(contracts.ErrApprovalExpired, "SIMILAR-scope approval has expired", nil)
	}
	if !m.qualifiers.Qualified(task, approval.ApproverID) {
		return contracts.NewError(contracts.ErrApproverNotQualified, "approver is not qualified for this task", map[string]any{"approver_id": approval.ApproverID})
	}
	return nil
}

// Approve validates and applies an approval, verifying its signature
// under approverPubKeyHex when signature enforcement is enabled.
func (m *Manager) Approve(approval contracts.ApprovalRecord, approverPubKeyHex string) (contracts.PendingTask, *contracts.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.sweepExpiredLocked(now)

	task, ok := m.tasks[approval.TaskID]
	if !ok {
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrTaskNotFound, "no such task", nil)
	}

	if kindErr := m.checkApprovable(task, &approval, now); kindErr != nil {
		return contracts.PendingTask{}, kindErr
	}

	if m.requireSig {
		ok, err := identity.VerifyApproval(&approval, approverPubKeyHex)
		if err != nil || !ok {
			return contracts.PendingTask{}, contracts.NewError(contracts.ErrSignatureInvalid, "approval signature verification failed", nil)
		}
	}

	if approval.Conditions != nil && approval.Conditions.Custom != "" {
		passed, err := EvaluateCustomCondition(approval.Conditions, task)
		if err != nil {
			return contracts.PendingTask{}, contracts.NewError(contracts.ErrBadRequest, fmt.Sprintf("evaluating custom condition: %v", err), nil)
		}
		if !passed {
			return contracts.PendingTask{}, contracts.NewError(contracts.ErrApproverNotQualified, "custom approval condition was not satisfied", nil)
		}
	}

	task.State = contracts.TaskWorking
	m.approvals[task.TaskID] = &approval
	if err := m.store.saveTask(task); err != nil {
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrBadRequest, fmt.Sprintf("persisting task: %v", err), nil)
	}
	if err := m.store.saveApproval(&approval); err != nil {
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrBadRequest, fmt.Sprintf("persisting approval: %v", err), nil)
	}
	return *task, nil
}

// Reject moves a SUBMITTED task to CANCELED. TrustAction tells the caller
// how to route the follow-up trust-registry call.
func (m *Manager) Reject(taskID, rejectorID, reason string, trustAction contracts.TrustAction) (contracts.PendingTask, *contracts.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.sweepExpiredLocked(now)

	task, ok := m.tasks[taskID]
	if !ok {
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrTaskNotFound, "no such task", nil)
	}
	if task.State != contracts.TaskSubmitted {
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrInvalidStateTransition, "only SUBMITTED tasks may be rejected", map[string]any{"state": string(task.State)})
	}

	task.State = contracts.TaskCanceled
	m.rejections[taskID] = &contracts.RejectionRecord{
		TaskID: taskID, RejectorID: rejectorID, Reason: reason,
		TrustAction: trustAction, CreatedAt: now,
	}
	if err := m.store.saveTask(task); err != nil {
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrBadRequest, fmt.Sprintf("persisting task: %v", err), nil)
	}
	if err := m.store.saveRejection(m.rejections[taskID]); err != nil {
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrBadRequest, fmt.Sprintf("persisting rejection: %v", err), nil)
	}
	return *task, nil
}

// Executor produces a task's result once it is WORKING; the manager
// treats it as opaque (spec.md §4.6 "the core treats the executor as
// opaque").
type Executor func(task contracts.PendingTask) (resultSequence int64, err error)

// Execute runs fn against a WORKING task, transitioning to COMPLETED on
// success or FAILED on error.
func (m *Manager) Execute(taskID string, fn Executor) (contracts.PendingTask, *contracts.Error) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrTaskNotFound, "no such task", nil)
	}
	if task.State != contracts.TaskWorking {
		m.mu.Unlock()
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrInvalidStateTransition, "task is not WORKING", map[string]any{"state": string(task.State)})
	}
	m.mu.Unlock()

	seq, err := fn(*task)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		task.State = contracts.TaskFailed
	} else {
		task.State = contracts.TaskCompleted
		task.ResultSequence = seq
	}
	if saveErr := m.store.saveTask(task); saveErr != nil {
		return contracts.PendingTask{}, contracts.NewError(contracts.ErrBadRequest, fmt.Sprintf("persisting task: %v", saveErr), nil)
	}
	return *task, nil
}

// Approval returns the approval record for taskID, if any.
func (m *Manager) Approval(taskID string) (contracts.ApprovalRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[taskID]
	if !ok {
		return contracts.ApprovalRecord{}, false
	}
	return *a, true
}

// MatchingSimilar finds an unexpired SIMILAR-scope approval whose payload
// hash equals hash, returning the approval record of the task it was
// originally granted for (spec.md §4.6 scope semantics, "v0.1 accepts
// equal-hash reuse only").
func (m *Manager) MatchingSimilar(hash string, now time.Time) (contracts.ApprovalRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.approvals {
		if a.Scope != contracts.ScopeSimilar {
			continue
		}
		if a.PayloadHash != hash {
			continue
		}
		if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
			continue
		}
		return *a, true
	}
	return contracts.ApprovalRecord{}, false
}
