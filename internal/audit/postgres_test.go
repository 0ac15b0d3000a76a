package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

func TestPostgresIndex_IndexUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ha2ha_audit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	idx, err := NewPostgresIndex(context.Background(), db)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ha2ha_audit_entries")).
		WithArgs(int64(1), "entry-1", "TASK_SUBMITTED", "peer-a", "peer-b", "task-1", "", 1, "success", sqlmock.AnyArg(), "{}").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = idx.Index(context.Background(), contracts.AuditEntry{
		Sequence:   1,
		EntryID:    "entry-1",
		EventType:  contracts.EventTaskSubmitted,
		SourcePeer: "peer-a",
		TargetPeer: "peer-b",
		TaskID:     "task-1",
		TrustLevel: contracts.TrustUnknown,
		Outcome:    contracts.OutcomeSuccess,
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIndex_TaskSequences(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ha2ha_audit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	idx, err := NewPostgresIndex(context.Background(), db)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)).AddRow(int64(3))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence FROM ha2ha_audit_entries WHERE task_id = $1")).
		WithArgs("task-1").
		WillReturnRows(rows)

	seqs, err := idx.TaskSequences(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, seqs)
	require.NoError(t, mock.ExpectationsWereMet())
}
