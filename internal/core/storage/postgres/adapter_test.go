package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	v1 "github.com/braidlab/braid/internal/api/v1"
	braiderrors "github.com/braidlab/braid/internal/core/errors"
	"github.com/braidlab/braid/internal/core/storage"
)

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &Adapter{
		db:              db,
		stmtSaveBead:    mustPrepareStmt(t, db, mock, querySaveBead),
		stmtHasKey:      mustPrepareStmt(t, db, mock, queryHasKey),
		stmtGetByID:     mustPrepareStmt(t, db, mock, queryGetByID),
		stmtGetChildren: mustPrepareStmt(t, db, mock, queryGetChildren),
		stmtAfterCursor: mustPrepareStmt(t, db, mock, queryRetrieveAfterCursor),
		stmtSearch:      mustPrepareStmt(t, db, mock, querySearchPayload),
	}
	t.Cleanup(func() { db.Close() })
	return adapter, mock
}

func mustPrepareStmt(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock, query string) *sql.Stmt {
	t.Helper()

	mock.ExpectPrepare(regexp.QuoteMeta(query))
	stmt, err := db.Prepare(query)
	require.NoError(t, err)
	return stmt
}

func beadRowColumns() []string {
	return []string{
		"id", "parent_id", "thread_id", "task_id", "ts", "source", "kind",
		"payload", "artefacts", "idempotency_key", "confidence",
		"assumptions", "unknowns", "append_seq",
	}
}

func sampleBead(id, key string) *v1.Bead {
	return &v1.Bead{
		ID:             id,
		ParentID:       v1.RootParent,
		ThreadID:       "run-1",
		Timestamp:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Source:         "patterns",
		Kind:           v1.KindTask,
		IdempotencyKey: key,
		Confidence:     0.8,
	}
}

func TestAdapter_Append(t *testing.T) {
	tests := []struct {
		name       string
		bead       *v1.Bead
		mockResult func(mock sqlmock.Sqlmock, bead *v1.Bead)
		assertions func(t *testing.T, bead *v1.Bead, err error)
	}{
		{
			name: "success sets append seq",
			bead: sampleBead("B-001", "key-001"),
			mockResult: func(mock sqlmock.Sqlmock, bead *v1.Bead) {
				mock.ExpectQuery(regexp.QuoteMeta(querySaveBead)).
					WithArgs(
						bead.ID,
						bead.ParentID,
						bead.ThreadID,
						nil,
						bead.Timestamp,
						bead.Source,
						string(bead.Kind),
						sqlmock.AnyArg(),
						sqlmock.AnyArg(),
						bead.IdempotencyKey,
						bead.Confidence,
						sqlmock.AnyArg(),
						sqlmock.AnyArg(),
					).
					WillReturnRows(sqlmock.NewRows([]string{"append_seq"}).AddRow(int64(7)))
			},
			assertions: func(t *testing.T, bead *v1.Bead, err error) {
				require.NoError(t, err)
				require.Equal(t, int64(7), bead.AppendSeq)
			},
		},
		{
			name: "duplicate key maps to ErrDuplicateKey",
			bead: sampleBead("B-002", "key-dup"),
			mockResult: func(mock sqlmock.Sqlmock, bead *v1.Bead) {
				// ON CONFLICT DO NOTHING yields zero rows.
				mock.ExpectQuery(regexp.QuoteMeta(querySaveBead)).
					WillReturnRows(sqlmock.NewRows([]string{"append_seq"}))
			},
			assertions: func(t *testing.T, bead *v1.Bead, err error) {
				require.ErrorIs(t, err, storage.ErrDuplicateKey)
				require.Zero(t, bead.AppendSeq)
			},
		},
		{
			name: "unique violation on id maps to ErrDuplicateID",
			bead: sampleBead("B-003", "key-003"),
			mockResult: func(mock sqlmock.Sqlmock, bead *v1.Bead) {
				mock.ExpectQuery(regexp.QuoteMeta(querySaveBead)).
					WillReturnError(&pq.Error{Code: "23505", Constraint: "beads_id_key"})
			},
			assertions: func(t *testing.T, bead *v1.Bead, err error) {
				require.ErrorIs(t, err, storage.ErrDuplicateID)
			},
		},
		{
			name: "invalid bead never reaches the database",
			bead: func() *v1.Bead {
				b := sampleBead("B-004", "key-004")
				b.Confidence = 1.5
				return b
			}(),
			mockResult: func(mock sqlmock.Sqlmock, bead *v1.Bead) {},
			assertions: func(t *testing.T, bead *v1.Bead, err error) {
				require.Error(t, err)
				require.True(t, braiderrors.IsValidation(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, mock := newMockAdapter(t)
			tt.mockResult(mock, tt.bead)

			err := adapter.Append(context.Background(), tt.bead)
			tt.assertions(t, tt.bead, err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAdapter_AppendWithTaskID(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	bead := sampleBead("B-010", "key-010")
	bead.TaskID = "T-1"
	mock.ExpectQuery(regexp.QuoteMeta(querySaveBead)).
		WithArgs(
			bead.ID, bead.ParentID, bead.ThreadID, "T-1", bead.Timestamp,
			bead.Source, string(bead.Kind),
			sqlmock.AnyArg(), sqlmock.AnyArg(),
			bead.IdempotencyKey, bead.Confidence,
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnRows(sqlmock.NewRows([]string{"append_seq"}).AddRow(int64(1)))

	require.NoError(t, adapter.Append(context.Background(), bead))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_HasKey(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryHasKey)).
		WithArgs("key-x").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	has, err := adapter.HasKey(context.Background(), "key-x")
	require.NoError(t, err)
	require.True(t, has)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetByID(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		adapter, mock := newMockAdapter(t)

		mock.ExpectQuery(regexp.QuoteMeta(queryGetByID)).
			WithArgs("B-001").
			WillReturnRows(sqlmock.NewRows(beadRowColumns()).
				AddRow("B-001", "root", "run-1", nil, now, "patterns", "task",
					[]byte(`{"target":"repo"}`), []byte(`[{"type":"file","ref":"a.go"}]`),
					"key-001", 0.8, []byte(`["single tenant"]`), []byte(`null`), int64(3)))

		b, err := adapter.GetByID(context.Background(), "B-001")
		require.NoError(t, err)
		require.Equal(t, "B-001", b.ID)
		require.Equal(t, "", b.TaskID)
		require.Equal(t, "repo", b.Payload["target"])
		require.Len(t, b.Artefacts, 1)
		require.Equal(t, []string{"single tenant"}, b.Assumptions)
		require.Equal(t, int64(3), b.AppendSeq)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing maps to ErrNotFound", func(t *testing.T) {
		adapter, mock := newMockAdapter(t)

		mock.ExpectQuery(regexp.QuoteMeta(queryGetByID)).
			WithArgs("B-missing").
			WillReturnRows(sqlmock.NewRows(beadRowColumns()))

		_, err := adapter.GetByID(context.Background(), "B-missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAdapter_QueryBuildsFilter(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("thread and kind without limit", func(t *testing.T) {
		adapter, mock := newMockAdapter(t)

		mock.ExpectQuery("(?s)SELECT .* FROM beads WHERE thread_id = \\$1 AND kind = \\$2 ORDER BY append_seq ASC").
			WithArgs("run-1", "verdict").
			WillReturnRows(sqlmock.NewRows(beadRowColumns()).
				AddRow("B-v", "B-p", "run-1", nil, now, "consolidator", "verdict",
					[]byte(`{"verdict":"PASS"}`), []byte(`null`), "verdict:run-1", 1.0,
					[]byte(`null`), []byte(`null`), int64(9)))

		got, err := adapter.Query(context.Background(), storage.Filter{
			ThreadID: "run-1",
			Kind:     v1.KindVerdict,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "B-v", got[0].ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("limit uses newest-first subselect", func(t *testing.T) {
		adapter, mock := newMockAdapter(t)

		mock.ExpectQuery("(?s)SELECT \\* FROM \\(SELECT .* ORDER BY append_seq DESC LIMIT \\$2\\) sub ORDER BY append_seq ASC").
			WithArgs("run-1", 2).
			WillReturnRows(sqlmock.NewRows(beadRowColumns()))

		_, err := adapter.Query(context.Background(), storage.Filter{ThreadID: "run-1", Limit: 2})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAdapter_IterAllPagesWithCursor(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	adapter, mock := newMockAdapter(t)

	row := func(id string, seq int64) []driverValue {
		return []driverValue{id, "root", "run-1", nil, now, "patterns", "task",
			[]byte(`null`), []byte(`null`), "key-" + id, 0.8,
			[]byte(`null`), []byte(`null`), seq}
	}
	first := sqlmock.NewRows(beadRowColumns())
	first.AddRow(row("B-1", 1)...)
	first.AddRow(row("B-2", 2)...)

	second := sqlmock.NewRows(beadRowColumns())
	second.AddRow(row("B-3", 5)...)

	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveAfterCursor)).
		WithArgs(int64(0), iterBatchSize).
		WillReturnRows(first)
	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveAfterCursor)).
		WithArgs(int64(2), iterBatchSize).
		WillReturnRows(second)
	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveAfterCursor)).
		WithArgs(int64(5), iterBatchSize).
		WillReturnRows(sqlmock.NewRows(beadRowColumns()))

	it, err := adapter.IterAll(context.Background())
	require.NoError(t, err)
	defer it.Close()

	var ids []string
	for it.Next() {
		ids = append(ids, it.Bead().ID)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"B-1", "B-2", "B-3"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

// driverValue mirrors sqlmock's AddRow variadic element type.
type driverValue = driver.Value

func TestAdapter_Count(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryCount)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(11)))

	n, err := adapter.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(11), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_VerifyIntegrityMissingParents(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	// Empty ledger scan, then one dangling parent from the join.
	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveAfterCursor)).
		WithArgs(int64(0), iterBatchSize).
		WillReturnRows(sqlmock.NewRows(beadRowColumns()))
	mock.ExpectQuery(regexp.QuoteMeta(queryMissingParents)).
		WillReturnRows(sqlmock.NewRows([]string{"parent_id", "id"}).
			AddRow("B-999", "B-child"))

	problems, err := adapter.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	require.Len(t, problems, 1)
	require.Equal(t, braiderrors.IntegrityMissingParent, problems[0].Code)
	require.Equal(t, "B-child", problems[0].BeadID)
	require.NoError(t, mock.ExpectationsWereMet())
}
