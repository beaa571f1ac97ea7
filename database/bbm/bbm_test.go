package bbm_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/database-guard/database/bbm"
	bbm_mocks "gitlab.com/gitlab-org/database-guard/database/bbm/mocks"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/testutil"
	"go.uber.org/mock/gomock"
)

var (
	errAnError = errors.New("an error")
	job        = bbm.Job{Table: "issues", Set: `"id_convert_to_bigint" = "id"`}
)

func TestMain(m *testing.M) {
	bbm.BackoffConstructor = func(time.Duration, time.Duration) bbm.Backoff {
		return &backoff.ZeroBackOff{}
	}
	m.Run()
}

func expectCount(mock sqlmock.Sqlmock, n int) {
	expectCountWithNulls(mock, n, 0)
}

func expectCountWithNulls(mock sqlmock.Sqlmock, n, nulls int) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*), COUNT(*) - COUNT("id") FROM "issues"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "nulls"}).AddRow(n, nulls))
}

func expectFirst(mock sqlmock.Sqlmock, id any) {
	rows := sqlmock.NewRows([]string{"id"})
	if id != nil {
		rows.AddRow(id)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id" FROM "issues" WHERE "id" IS NOT NULL ORDER BY "id" ASC LIMIT 1`)).WillReturnRows(rows)
}

func expectNext(mock sqlmock.Sqlmock, start, size int, next any) {
	rows := sqlmock.NewRows([]string{"id"})
	if next != nil {
		rows.AddRow(next)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id" FROM "issues" WHERE "id" >= $1 ORDER BY "id" ASC OFFSET $2 LIMIT 1`)).
		WithArgs(start, size).
		WillReturnRows(rows)
}

func expectNextDistinct(mock sqlmock.Sqlmock, after int, next any) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MIN("id") FROM "issues" WHERE "id" > $1`)).
		WithArgs(after).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(next))
}

func TestBatchSizeFor(t *testing.T) {
	testCases := []struct {
		name  string
		opts  []bbm.WorkerOption
		total int64
		want  int
	}{
		{name: "five percent", total: 10_000, want: 500},
		{name: "capped", total: 1_000_000, want: 1000},
		{name: "custom cap", opts: []bbm.WorkerOption{bbm.WithMaxBatchSize(100)}, total: 10_000, want: 100},
		{name: "small table", total: 10, want: 1},
		{name: "empty table", total: 0, want: 1},
		{name: "forced", opts: []bbm.WorkerOption{bbm.WithBatchSize(25)}, total: 1_000_000, want: 25},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			w := bbm.NewWorker(nil, tc.opts...)
			require.Equal(tt, tc.want, w.BatchSizeFor(tc.total))
		})
	}
}

func TestRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	db, mock := testutil.NewMockDB(t, "main")
	ctx := testutil.NewContextWithLogger(t)

	h := bbm_mocks.NewMockHandler(ctrl)

	// 40 rows, batches of 2 ids
	expectCount(mock, 40)
	expectFirst(mock, 1)
	expectNext(mock, 1, 2, 3)
	expectNext(mock, 3, 2, nil)

	gomock.InOrder(
		h.EXPECT().ExecuteBatch(gomock.Any(), job, bbm.Batch{Start: 1, Stop: 3}).Return(int64(2), nil),
		h.EXPECT().ExecuteBatch(gomock.Any(), job, bbm.Batch{Start: 3, Last: true}).Return(int64(38), nil),
	)

	var progress [][2]int64
	w := bbm.NewWorker(db, bbm.WithHandler(h), bbm.WithProgress(func(updated, total int64) {
		progress = append(progress, [2]int64{updated, total})
	}))

	res, err := w.Run(ctx, job)
	require.NoError(t, err)
	require.Equal(t, &bbm.Result{Total: 40, Updated: 40, Batches: 2, BatchSize: 2}, res)
	require.Equal(t, [][2]int64{{2, 40}, {40, 40}}, progress)
}

func TestRun_EmptyTable(t *testing.T) {
	ctrl := gomock.NewController(t)
	db, mock := testutil.NewMockDB(t, "main")
	h := bbm_mocks.NewMockHandler(ctrl)

	expectCount(mock, 0)
	expectFirst(mock, nil)

	res, err := bbm.NewWorker(db, bbm.WithHandler(h)).Run(testutil.NewContextWithLogger(t), job)
	require.NoError(t, err)
	require.Equal(t, &bbm.Result{BatchSize: 1}, res)
}

func TestRun_DuplicateValuesAndNulls(t *testing.T) {
	ctrl := gomock.NewController(t)
	db, mock := testutil.NewMockDB(t, "main")
	h := bbm_mocks.NewMockHandler(ctrl)

	// ids 7, 7, 7, 7, 8 and two NULLs, batches of 2 rows
	expectCountWithNulls(mock, 7, 2)
	expectFirst(mock, 7)
	expectNext(mock, 7, 2, 7)
	expectNextDistinct(mock, 7, 8)
	expectNext(mock, 8, 2, nil)

	gomock.InOrder(
		h.EXPECT().ExecuteBatch(gomock.Any(), job, bbm.Batch{Start: 7, Stop: 8}).Return(int64(4), nil),
		h.EXPECT().ExecuteBatch(gomock.Any(), job, bbm.Batch{Start: 8, Last: true}).Return(int64(1), nil),
		h.EXPECT().ExecuteBatch(gomock.Any(), job, bbm.Batch{Nulls: true}).Return(int64(2), nil),
	)

	res, err := bbm.NewWorker(db, bbm.WithHandler(h), bbm.WithBatchSize(2)).Run(testutil.NewContextWithLogger(t), job)
	require.NoError(t, err)
	require.Equal(t, &bbm.Result{Total: 7, Updated: 7, Batches: 3, BatchSize: 2}, res)
}

func TestRun_SingleRepeatedValue(t *testing.T) {
	ctrl := gomock.NewController(t)
	db, mock := testutil.NewMockDB(t, "main")
	h := bbm_mocks.NewMockHandler(ctrl)

	expectCount(mock, 3)
	expectFirst(mock, 7)
	expectNext(mock, 7, 2, 7)
	expectNextDistinct(mock, 7, nil)

	h.EXPECT().ExecuteBatch(gomock.Any(), job, bbm.Batch{Start: 7, Last: true}).Return(int64(3), nil)

	res, err := bbm.NewWorker(db, bbm.WithHandler(h), bbm.WithBatchSize(2)).Run(testutil.NewContextWithLogger(t), job)
	require.NoError(t, err)
	require.Equal(t, 1, res.Batches)
	require.EqualValues(t, 3, res.Updated)
}

func TestRun_OnlyNulls(t *testing.T) {
	ctrl := gomock.NewController(t)
	db, mock := testutil.NewMockDB(t, "main")
	h := bbm_mocks.NewMockHandler(ctrl)

	expectCountWithNulls(mock, 4, 4)
	expectFirst(mock, nil)

	h.EXPECT().ExecuteBatch(gomock.Any(), job, bbm.Batch{Nulls: true}).Return(int64(4), nil)

	res, err := bbm.NewWorker(db, bbm.WithHandler(h)).Run(testutil.NewContextWithLogger(t), job)
	require.NoError(t, err)
	require.Equal(t, &bbm.Result{Total: 4, Updated: 4, Batches: 1, BatchSize: 1}, res)
}

func TestRun_InTransaction(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "main")
	mock.ExpectBegin()
	mock.ExpectRollback()
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })

	ctx := datastore.WithTransaction(testutil.NewContextWithLogger(t), tx)
	_, err = bbm.NewWorker(db).Run(ctx, job)
	require.ErrorContains(t, err, "batches must run outside of a transaction")
}

func TestRun_RetriesFailedBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	db, mock := testutil.NewMockDB(t, "main")
	h := bbm_mocks.NewMockHandler(ctrl)

	expectCount(mock, 10)
	expectFirst(mock, 5)
	expectNext(mock, 5, 1, nil)

	last := bbm.Batch{Start: 5, Last: true}
	gomock.InOrder(
		h.EXPECT().ExecuteBatch(gomock.Any(), job, last).Return(int64(0), errAnError).Times(2),
		h.EXPECT().ExecuteBatch(gomock.Any(), job, last).Return(int64(10), nil),
	)

	res, err := bbm.NewWorker(db, bbm.WithHandler(h)).Run(testutil.NewContextWithLogger(t), job)
	require.NoError(t, err)
	require.EqualValues(t, 10, res.Updated)
}

func TestRun_MaxAttemptsReached(t *testing.T) {
	ctrl := gomock.NewController(t)
	db, mock := testutil.NewMockDB(t, "main")
	h := bbm_mocks.NewMockHandler(ctrl)

	expectCount(mock, 10)
	expectFirst(mock, 5)
	expectNext(mock, 5, 1, nil)

	h.EXPECT().ExecuteBatch(gomock.Any(), job, gomock.Any()).Return(int64(0), errAnError).Times(3)

	_, err := bbm.NewWorker(db, bbm.WithHandler(h), bbm.WithMaxAttempts(3)).Run(testutil.NewContextWithLogger(t), job)
	require.ErrorIs(t, err, bbm.ErrMaxAttemptsReached)
	require.ErrorIs(t, err, errAnError)
}

func TestRun_WALThrottling(t *testing.T) {
	testCases := []struct {
		name       string
		setupMocks func(h *bbm_mocks.MockHandler)
		wantErr    error
	}{
		{
			name: "waits for pressure to drop",
			setupMocks: func(h *bbm_mocks.MockHandler) {
				gomock.InOrder(
					h.EXPECT().ShouldThrottle(gomock.Any()).Return(true, nil).Times(2),
					h.EXPECT().ShouldThrottle(gomock.Any()).Return(false, nil),
					h.EXPECT().ExecuteBatch(gomock.Any(), job, gomock.Any()).Return(int64(1), nil),
				)
			},
		},
		{
			name: "check fails",
			setupMocks: func(h *bbm_mocks.MockHandler) {
				h.EXPECT().ShouldThrottle(gomock.Any()).Return(false, errAnError)
			},
			wantErr: errAnError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			ctrl := gomock.NewController(tt)
			db, mock := testutil.NewMockDB(tt, "main")
			h := bbm_mocks.NewMockHandler(ctrl)

			expectCount(mock, 1)
			expectFirst(mock, 1)
			if tc.wantErr == nil {
				expectNext(mock, 1, 1, nil)
			}
			tc.setupMocks(h)

			w := bbm.NewWorker(db, bbm.WithHandler(h), bbm.WithWALPressureCheck(0))
			_, err := w.Run(testutil.NewContextWithLogger(tt), job)
			if tc.wantErr != nil {
				require.ErrorIs(tt, err, tc.wantErr)
				return
			}
			require.NoError(tt, err)
		})
	}
}

func TestShouldThrottle(t *testing.T) {
	testCases := []struct {
		name      string
		threshold int
		pending   any
		want      bool
	}{
		{name: "below default threshold", pending: 42, want: false},
		{name: "above default threshold", pending: 43, want: true},
		{name: "custom threshold", threshold: 10, pending: 11, want: true},
		{name: "archiving disabled", pending: nil, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			db, mock := testutil.NewMockDB(tt, "main")
			mock.ExpectQuery("pg_stat_archiver").
				WillReturnRows(sqlmock.NewRows([]string{"pending_wal_count"}).AddRow(tc.pending))

			w := bbm.NewWorker(db, bbm.WithWALPressureCheck(tc.threshold))
			got, err := w.ShouldThrottle(context.Background())
			require.NoError(tt, err)
			require.Equal(tt, tc.want, got)
		})
	}
}

func TestExecuteBatch(t *testing.T) {
	testCases := []struct {
		name     string
		batch    bbm.Batch
		wantSQL  string
		wantArgs []driver.Value
	}{
		{
			name:     "bounded",
			batch:    bbm.Batch{Start: 1, Stop: 501},
			wantSQL:  `UPDATE "issues" SET "id_convert_to_bigint" = "id" WHERE "id" >= $1 AND "id" < $2`,
			wantArgs: []driver.Value{1, 501},
		},
		{
			name:     "last",
			batch:    bbm.Batch{Start: 501, Last: true},
			wantSQL:  `UPDATE "issues" SET "id_convert_to_bigint" = "id" WHERE "id" >= $1`,
			wantArgs: []driver.Value{501},
		},
		{
			name:    "nulls",
			batch:   bbm.Batch{Nulls: true},
			wantSQL: `UPDATE "issues" SET "id_convert_to_bigint" = "id" WHERE "id" IS NULL`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			db, mock := testutil.NewMockDB(tt, "main")

			mock.ExpectBegin()
			testutil.ExpectExec(mock, `SELECT set_config('lock_writes.issues', 'false', true)`)
			exec := mock.ExpectExec(regexp.QuoteMeta(tc.wantSQL))
			if tc.wantArgs != nil {
				exec = exec.WithArgs(tc.wantArgs...)
			}
			exec.WillReturnResult(sqlmock.NewResult(0, 500))
			mock.ExpectCommit()

			n, err := bbm.NewWorker(db).ExecuteBatch(context.Background(), job, tc.batch)
			require.NoError(tt, err)
			require.EqualValues(tt, 500, n)
		})
	}
}

func TestExecuteBatch_RollsBackOnError(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "main")

	mock.ExpectBegin()
	testutil.ExpectExec(mock, `SELECT set_config('lock_writes.issues', 'false', true)`)
	mock.ExpectExec(`UPDATE "issues"`).WillReturnError(errAnError)
	mock.ExpectRollback()

	_, err := bbm.NewWorker(db).ExecuteBatch(context.Background(), job, bbm.Batch{Start: 1, Last: true})
	require.ErrorIs(t, err, errAnError)
}
