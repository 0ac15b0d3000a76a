package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l, err := Open(path)
	require.NoError(t, err)
	return l
}

func TestOpen_CreatesGenesisEntry(t *testing.T) {
	l := openTestLog(t)
	require.Equal(t, 1, l.Len())
	genesis := l.All()[0]
	assert.Equal(t, contracts.EventChainGenesis, genesis.EventType)
	assert.Nil(t, genesis.PrevHash)
	assert.NotEmpty(t, genesis.Hash)
}

func TestAppend_ChainsPrevHash(t *testing.T) {
	l := openTestLog(t)
	e1, err := l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t1", Outcome: contracts.OutcomePending})
	require.NoError(t, err)
	e2, err := l.Append(Input{EventType: contracts.EventTaskApproved, TaskID: "t1", Outcome: contracts.OutcomeSuccess})
	require.NoError(t, err)

	require.NotNil(t, e2.PrevHash)
	assert.Equal(t, e1.Hash, *e2.PrevHash)
	assert.Equal(t, e1.Sequence+1, e2.Sequence)
}

func TestVerify_CleanChainIsValid(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t", Outcome: contracts.OutcomePending})
		require.NoError(t, err)
	}
	result := l.Verify()
	assert.True(t, result.Valid)
}

func TestVerify_DetectsHashTamper(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t1", Outcome: contracts.OutcomePending})
	require.NoError(t, err)
	_, err = l.Append(Input{EventType: contracts.EventTaskApproved, TaskID: "t1", Outcome: contracts.OutcomeSuccess})
	require.NoError(t, err)

	// Tamper with an in-memory entry's detail without recomputing its hash.
	l.entries[1].Detail = map[string]any{"tampered": true}

	result := l.Verify()
	assert.False(t, result.Valid)
	assert.Equal(t, contracts.ChainErrHashMismatch, result.ErrorKind)
	assert.Equal(t, 1, result.BrokenAt)
	assert.NotEmpty(t, result.Evidence)
}

func TestVerify_DetectsPrevHashTamper(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t1", Outcome: contracts.OutcomePending})
	require.NoError(t, err)

	bogus := "0000000000000000000000000000000000000000000000000000000000000000"
	l.entries[1].PrevHash = &bogus

	result := l.Verify()
	assert.False(t, result.Valid)
	assert.Equal(t, contracts.ChainErrHashMismatch, result.ErrorKind) // hash itself no longer matches since PrevHash is part of the hashed fields
}

func TestVerify_TaintedLogRefusesAppend(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t1", Outcome: contracts.OutcomePending})
	require.NoError(t, err)
	l.entries[1].Hash = "corrupted"

	result := l.Verify()
	require.False(t, result.Valid)

	_, err = l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t2", Outcome: contracts.OutcomePending})
	assert.Error(t, err)
}

func TestReopen_ReloadsPersistedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t1", Outcome: contracts.OutcomePending})
	require.NoError(t, err)

	l2, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, l2.Len())
	assert.True(t, l2.Verify().Valid)
}

func TestQuery_FilterByTaskAndType(t *testing.T) {
	l := openTestLog(t)
	_, _ = l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t1", Outcome: contracts.OutcomePending})
	_, _ = l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t2", Outcome: contracts.OutcomePending})
	_, _ = l.Append(Input{EventType: contracts.EventTaskApproved, TaskID: "t1", Outcome: contracts.OutcomeSuccess})

	results := l.TaskHistory("t1")
	assert.Len(t, results, 2)

	results = l.Query(Filter{EventTypes: []contracts.AuditEventType{contracts.EventTaskApproved}})
	assert.Len(t, results, 1)
}

func TestQuery_PaginationAndOrder(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 5; i++ {
		_, _ = l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t", Outcome: contracts.OutcomePending})
	}
	page := l.Query(Filter{Offset: 1, Limit: 2})
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Sequence)

	desc := l.Query(Filter{Descending: true, Limit: 1})
	require.Len(t, desc, 1)
	assert.Equal(t, int64(6), desc[0].Sequence) // genesis + 5 appends
}

func TestSecuritySubset(t *testing.T) {
	l := openTestLog(t)
	_, _ = l.Append(Input{EventType: contracts.EventTrustViolation, TaskID: "t1", Outcome: contracts.OutcomeError})
	_, _ = l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t1", Outcome: contracts.OutcomePending})

	sec := l.Security()
	require.Len(t, sec, 1)
	assert.Equal(t, contracts.EventTrustViolation, sec[0].EventType)
}

func TestSearch_SubstringOverDetail(t *testing.T) {
	l := openTestLog(t)
	_, _ = l.Append(Input{
		EventType: contracts.EventSecurityAlert,
		TaskID:    "t1",
		Outcome:   contracts.OutcomeError,
		Detail:    map[string]any{"message": "signature VERIFICATION failed"},
	})
	results := l.Search("verification")
	require.Len(t, results, 1)
}

func TestGroupedByDate(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l, err := Open(path, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	_, _ = l.Append(Input{EventType: contracts.EventTaskSubmitted, Outcome: contracts.OutcomePending})

	grouped := l.GroupedByDate()
	assert.Len(t, grouped["2026-03-05"], 2) // genesis + 1
}

// TestWithIndex_AppendMirrorsIntoIndexAndQueryUsesIt confirms Append keeps
// an attached SQLIndex in lockstep and that Query/PeerHistory resolve
// through it instead of scanning every in-memory entry.
func TestWithIndex_AppendMirrorsIntoIndexAndQueryUsesIt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx, err := OpenSQLIndex(ctx, filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer idx.Close()

	l, err := Open(filepath.Join(dir, "audit.ndjson"), WithIndex(idx))
	require.NoError(t, err)

	_, err = l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t1", SourcePeer: "peer-a", Outcome: contracts.OutcomePending})
	require.NoError(t, err)
	_, err = l.Append(Input{EventType: contracts.EventTaskApproved, TaskID: "t1", TargetPeer: "peer-a", Outcome: contracts.OutcomeSuccess})
	require.NoError(t, err)
	_, err = l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t2", Outcome: contracts.OutcomePending})
	require.NoError(t, err)

	seqs, err := idx.TaskSequences(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, seqs, 2)

	history := l.TaskHistory("t1")
	require.Len(t, history, 2)
	assert.Equal(t, "t1", history[0].TaskID)

	peer := l.PeerHistory("peer-a")
	require.Len(t, peer, 2)
}

// TestProperty_ChainAlwaysVerifiesAfterAppends is the property-based
// invariant from spec.md §4.5: any sequence of clean appends produces a
// chain that verifies end to end.
func TestProperty_ChainAlwaysVerifiesAfterAppends(t *testing.T) {
	props := gopter.NewProperties(nil)
	props.Property("clean append sequences always verify", prop.ForAll(
		func(n int) bool {
			path := filepath.Join(t.TempDir(), "prop-audit.ndjson")
			l, err := Open(path)
			if err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				if _, err := l.Append(Input{EventType: contracts.EventTaskSubmitted, TaskID: "t", Outcome: contracts.OutcomePending}); err != nil {
					return false
				}
			}
			return l.Verify().Valid
		},
		gen.IntRange(0, 20),
	))
	props.TestingRun(t)
}
