package testutil

import (
	"database/sql/driver"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/datastore/models"
)

// Catalog query patterns, for use with ExpectExists.
const (
	TablePattern    = `FROM\s+pg_tables`
	ColumnPattern   = `FROM\s+information_schema.columns`
	TriggerPattern  = `FROM\s+pg_trigger`
	FunctionPattern = `FROM\s+pg_proc`
)

// NewMockDB returns a datastore.DB backed by sqlmock. The mock expectations are verified and the handle closed
// when the test finishes.
func NewMockDB(tb testing.TB, host string) (*datastore.DB, sqlmock.Sqlmock) {
	tb.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(tb, err)
	tb.Cleanup(func() {
		require.NoError(tb, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	return &datastore.DB{DB: db, DSN: &datastore.DSN{Host: host, Port: 5432, DBName: "gitlabhq_production"}}, mock
}

// ExpectExists expects a single-row boolean catalog probe matching pattern.
func ExpectExists(mock sqlmock.Sqlmock, pattern string, exists bool, args ...driver.Value) {
	mock.ExpectQuery(pattern).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

// ExpectExec expects the exact statement stmt to be executed.
func ExpectExec(mock sqlmock.Sqlmock, stmt string) *sqlmock.ExpectedExec {
	return mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
}

// ExpectLockRetryBegin expects the start of a lock-retry block attempt with the given lock_timeout, for example
// "100ms".
func ExpectLockRetryBegin(mock sqlmock.Sqlmock, lockTimeout string) {
	mock.ExpectBegin()
	ExpectExec(mock, "SET LOCAL lock_timeout TO '"+lockTimeout+"'")
}

// FindColumnPattern matches the catalog query of datastore.FindColumn.
const FindColumnPattern = `FROM\s+pg_attribute`

// ExpectFindColumn expects datastore.FindColumn to read col. A nil col reads no row.
func ExpectFindColumn(mock sqlmock.Sqlmock, table, column string, col *models.Column) {
	schema, name := datastore.SplitTableName(table)
	rows := sqlmock.NewRows([]string{"format_type", "attnotnull", "default", "character_maximum_length",
		"numeric_precision", "numeric_scale", "primary"})
	if col != nil {
		rows.AddRow(col.SQLType, col.NotNull, value(col.Default.Valid, col.Default.String),
			value(col.CharacterMaximumLength.Valid, col.CharacterMaximumLength.Int64),
			value(col.NumericPrecision.Valid, col.NumericPrecision.Int64),
			value(col.NumericScale.Valid, col.NumericScale.Int64), col.PrimaryKey)
	}
	mock.ExpectQuery(FindColumnPattern).WithArgs(schema, name, column).WillReturnRows(rows)
}

func value(valid bool, v driver.Value) driver.Value {
	if !valid {
		return nil
	}
	return v
}
