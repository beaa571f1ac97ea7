package datastore

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLState returns the SQLSTATE code of a PostgreSQL error wrapped in err, or an empty string.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// PgError returns the PostgreSQL error wrapped in err, if any.
func PgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// IsErrorCode reports whether err wraps a PostgreSQL error with the given SQLSTATE code.
func IsErrorCode(err error, code string) bool {
	return err != nil && SQLState(err) == code
}

// IsLockNotAvailable reports whether err was caused by lock_timeout expiring (55P03).
func IsLockNotAvailable(err error) bool {
	return IsErrorCode(err, pgerrcode.LockNotAvailable)
}

// IsQueryCanceled reports whether err was caused by statement_timeout expiring (57014).
func IsQueryCanceled(err error) bool {
	return IsErrorCode(err, pgerrcode.QueryCanceled)
}

// IsUndefinedTable reports whether err was caused by a missing relation (42P01).
func IsUndefinedTable(err error) bool {
	return IsErrorCode(err, pgerrcode.UndefinedTable)
}
