package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
	"github.com/ha2ha/ha2ha-core/internal/identity"
)

func openTestManager(t *testing.T, now *time.Time, opts ...Option) *Manager {
	t.Helper()
	dir := t.TempDir()
	allOpts := append([]Option{WithClock(func() time.Time { return *now })}, opts...)
	m, err := Open(dir, allOpts...)
	require.NoError(t, err)
	return m
}

func submitTask(t *testing.T, m *Manager, taskID, hash string) contracts.PendingTask {
	t.Helper()
	task, err := m.Submit(contracts.PendingTask{
		TaskID:      taskID,
		SourcePeer:  "peer-a",
		TargetPeer:  "peer-b",
		Payload:     map[string]any{"action": "deploy"},
		PayloadHash: hash,
	})
	require.NoError(t, err)
	return task
}

func TestHappyPath_SubmitApproveExecute(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	submitTask(t, m, "task-1", "hash-1")

	task, kindErr := m.Approve(contracts.ApprovalRecord{
		TaskID:      "task-1",
		ApproverID:  "human-1",
		Scope:       contracts.ScopeSingle,
		PayloadHash: "hash-1",
		CreatedAt:   now,
	}, "")
	require.Nil(t, kindErr)
	assert.Equal(t, contracts.TaskWorking, task.State)

	final, kindErr := m.Execute("task-1", func(contracts.PendingTask) (int64, error) { return 42, nil })
	require.Nil(t, kindErr)
	assert.Equal(t, contracts.TaskCompleted, final.State)
	assert.Equal(t, int64(42), final.ResultSequence)
}

func TestExecute_FailureTransitionsToFailed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	submitTask(t, m, "task-1", "hash-1")
	_, kindErr := m.Approve(contracts.ApprovalRecord{TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1"}, "")
	require.Nil(t, kindErr)

	final, kindErr := m.Execute("task-1", func(contracts.PendingTask) (int64, error) { return 0, errors.New("boom") })
	require.Nil(t, kindErr)
	assert.Equal(t, contracts.TaskFailed, final.State)
}

func TestApprove_HashMismatchRejected(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	submitTask(t, m, "task-1", "hash-1")

	_, kindErr := m.Approve(contracts.ApprovalRecord{TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "tampered-hash"}, "")
	require.NotNil(t, kindErr)
	assert.Equal(t, contracts.ErrHashMismatch, kindErr.Kind)
}

func TestApprove_TaskNotFound(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	_, kindErr := m.Approve(contracts.ApprovalRecord{TaskID: "nonexistent", PayloadHash: "h"}, "")
	require.NotNil(t, kindErr)
	assert.Equal(t, contracts.ErrTaskNotFound, kindErr.Kind)
}

func TestApprove_AlreadyApproved(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	submitTask(t, m, "task-1", "hash-1")
	_, kindErr := m.Approve(contracts.ApprovalRecord{TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1"}, "")
	require.Nil(t, kindErr)

	_, kindErr = m.Approve(contracts.ApprovalRecord{TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1"}, "")
	require.NotNil(t, kindErr)
	assert.Equal(t, contracts.ErrTaskAlreadyApproved, kindErr.Kind)
}

func TestTimeout_SweepMovesSubmittedToCanceled(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	submitTask(t, m, "task-1", "hash-1")

	now = now.Add(DefaultTaskTimeout + time.Minute)
	task, ok := m.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, contracts.TaskCanceled, task.State)

	_, kindErr := m.Approve(contracts.ApprovalRecord{TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1"}, "")
	require.NotNil(t, kindErr)
	assert.Equal(t, contracts.ErrTaskTimeout, kindErr.Kind)
}

func TestReject_MovesToCanceled(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	submitTask(t, m, "task-1", "hash-1")

	task, kindErr := m.Reject("task-1", "human-1", "looks risky", contracts.TrustActionReduce)
	require.Nil(t, kindErr)
	assert.Equal(t, contracts.TaskCanceled, task.State)

	_, kindErr = m.Approve(contracts.ApprovalRecord{TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1"}, "")
	require.NotNil(t, kindErr)
	assert.Equal(t, contracts.ErrTaskAlreadyRejected, kindErr.Kind)
}

func TestReject_RefusedOutsideSubmitted(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	submitTask(t, m, "task-1", "hash-1")
	_, kindErr := m.Approve(contracts.ApprovalRecord{TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1"}, "")
	require.Nil(t, kindErr)

	_, kindErr = m.Reject("task-1", "human-1", "too late", contracts.TrustActionNone)
	require.NotNil(t, kindErr)
	assert.Equal(t, contracts.ErrInvalidStateTransition, kindErr.Kind)
}

func TestApprove_SignatureEnforcement(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now, WithSignatureEnforcement(true))
	submitTask(t, m, "task-1", "hash-1")

	approver, err := identity.New("human-1")
	require.NoError(t, err)

	rec := contracts.ApprovalRecord{TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1"}
	approver.SignApproval(&rec)

	_, kindErr := m.Approve(rec, approver.PublicKeyHex())
	require.Nil(t, kindErr)
}

func TestApprove_InvalidSignatureRejected(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now, WithSignatureEnforcement(true))
	submitTask(t, m, "task-1", "hash-1")

	approver, err := identity.New("human-1")
	require.NoError(t, err)
	other, err := identity.New("human-2")
	require.NoError(t, err)

	rec := contracts.ApprovalRecord{TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1"}
	approver.SignApproval(&rec)

	_, kindErr := m.Approve(rec, other.PublicKeyHex())
	require.NotNil(t, kindErr)
	assert.Equal(t, contracts.ErrSignatureInvalid, kindErr.Kind)
}

func TestApprove_CustomConditionGating(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	_, err := m.Submit(contracts.PendingTask{
		TaskID:      "task-1",
		Payload:     map[string]any{"cost": 50},
		PayloadHash: "hash-1",
	})
	require.NoError(t, err)

	_, kindErr := m.Approve(contracts.ApprovalRecord{
		TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1",
		Conditions: &contracts.ApprovalConditions{Custom: `payload.cost <= 10`},
	}, "")
	require.NotNil(t, kindErr)
	assert.Equal(t, contracts.ErrApproverNotQualified, kindErr.Kind)
}

func TestApprove_CustomConditionPasses(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	_, err := m.Submit(contracts.PendingTask{
		TaskID:      "task-1",
		Payload:     map[string]any{"cost": 5},
		PayloadHash: "hash-1",
	})
	require.NoError(t, err)

	task, kindErr := m.Approve(contracts.ApprovalRecord{
		TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSingle, PayloadHash: "hash-1",
		Conditions: &contracts.ApprovalConditions{Custom: `payload.cost <= 10`},
	}, "")
	require.Nil(t, kindErr)
	assert.Equal(t, contracts.TaskWorking, task.State)
}

func TestMatchingSimilar(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := openTestManager(t, &now)
	submitTask(t, m, "task-1", "hash-shared")
	expiry := now.Add(DefaultSimilarApprovalExpiry)
	_, kindErr := m.Approve(contracts.ApprovalRecord{
		TaskID: "task-1", ApproverID: "human-1", Scope: contracts.ScopeSimilar,
		PayloadHash: "hash-shared", ExpiresAt: &expiry,
	}, "")
	require.Nil(t, kindErr)

	match, found := m.MatchingSimilar("hash-shared", now)
	require.True(t, found)
	assert.Equal(t, "task-1", match.TaskID)

	_, found = m.MatchingSimilar("hash-shared", now.Add(DefaultSimilarApprovalExpiry+time.Hour))
	assert.False(t, found)
}

func TestReopen_ReloadsTasksFromIndex(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	m, err := Open(dir, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	submitTask(t, m, "task-1", "hash-1")

	m2, err := Open(dir, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	task, ok := m2.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, contracts.TaskSubmitted, task.State)
}

func TestReopen_FallsBackToDirectoryScanWithoutIndex(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	m, err := Open(dir, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	submitTask(t, m, "task-1", "hash-1")

	require.NoError(t, os.Remove(filepath.Join(dir, "index.json")))

	m2, err := Open(dir, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	task, ok := m2.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, contracts.TaskSubmitted, task.State)
}
