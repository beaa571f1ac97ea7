package columns

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gitlab.com/gitlab-org/database-guard/database/bbm"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/datastore/models"
	"gitlab.com/gitlab-org/database-guard/log"
)

const (
	bigintSuffix      = "_convert_to_bigint"
	defaultPrimaryKey = "id"
)

// BigintColumn returns the temporary column used to convert column to bigint.
func BigintColumn(column string) string {
	return column + bigintSuffix
}

func bigintColumns(columns []string) []string {
	tmp := make([]string, 0, len(columns))
	for _, c := range columns {
		tmp = append(tmp, BigintColumn(c))
	}
	return tmp
}

func bigintSpec(table string, columns, tmp []string) TriggerSpec {
	return TriggerSpec{Table: table, Operation: OperationCopy, From: columns, To: tmp}
}

// InitializeConversionOfIntegerToBigint adds a bigint copy of every column and a trigger copying new writes into them.
// Copies of the primary key and of NOT NULL columns are NOT NULL with the source literal default, or 0, so no
// validation is needed later.
func (e *Engine) InitializeConversionOfIntegerToBigint(ctx context.Context, table string, columns []string, primaryKey string) error {
	l, err := e.begin(ctx, "initialize_conversion_of_integer_to_bigint", table, ddlMode)
	if err != nil {
		return err
	}
	if err := e.createTemporaryColumns(ctx, table, columns, primaryKey, "bigint"); err != nil {
		return err
	}
	l.WithField("columns", columns).Info("bigint conversion initialized")
	return nil
}

// RestoreConversionOfIntegerToBigint recreates the temporary columns as integer after
// CleanupConversionOfIntegerToBigint ran on swapped columns.
func (e *Engine) RestoreConversionOfIntegerToBigint(ctx context.Context, table string, columns []string, primaryKey string) error {
	l, err := e.begin(ctx, "restore_conversion_of_integer_to_bigint", table, ddlMode)
	if err != nil {
		return err
	}
	if err := e.createTemporaryColumns(ctx, table, columns, primaryKey, "integer"); err != nil {
		return err
	}
	l.WithField("columns", columns).Info("bigint conversion restored")
	return nil
}

func (e *Engine) createTemporaryColumns(ctx context.Context, table string, columns []string, primaryKey, sqlType string) error {
	if len(columns) == 0 {
		return errors.New("no columns to convert")
	}
	if primaryKey == "" {
		primaryKey = defaultPrimaryKey
	}

	ok, err := datastore.ExistsTable(ctx, e.db, table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("table %s does not exist", table)
	}
	if _, err := datastore.FindColumn(ctx, e.db, table, primaryKey); err != nil {
		return fmt.Errorf("primary key: %w", err)
	}

	cols := make([]*models.Column, 0, len(columns))
	for _, c := range columns {
		col, err := datastore.FindColumn(ctx, e.db, table, c)
		if err != nil {
			return err
		}
		cols = append(cols, col)
	}

	tmp := bigintColumns(columns)
	return e.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
		for i, col := range cols {
			def := ""
			if col.Default.Valid {
				// sequence defaults stay with the source column
				def, _ = literalDefault(table, col.Name, col.Default.String)
			}

			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				datastore.QuoteTable(table), datastore.QuoteIdent(tmp[i]), sqlType)
			if col.Name == primaryKey || col.NotNull {
				if def == "" {
					def = "0"
				}
				stmt += fmt.Sprintf(" DEFAULT %s NOT NULL", def)
			} else if def != "" {
				stmt += " DEFAULT " + def
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}

		_, err := e.installer.Install(ctx, tx, bigintSpec(table, columns, tmp))
		return err
	})
}

// BackfillConversionOfIntegerToBigint copies the existing values of every column into its bigint copy, in batches
// keyed on primaryKey. The migration must be restricted to the schema of table.
func (e *Engine) BackfillConversionOfIntegerToBigint(ctx context.Context, table string, columns []string, primaryKey string) (*bbm.Result, error) {
	l, err := e.begin(ctx, "backfill_conversion_of_integer_to_bigint", table, dmlMode)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, errors.New("no columns to backfill")
	}
	if primaryKey == "" {
		primaryKey = defaultPrimaryKey
	}

	tmp := bigintColumns(columns)
	sets := make([]string, 0, len(columns))
	for i, c := range columns {
		sets = append(sets, fmt.Sprintf("%s = %s", datastore.QuoteIdent(tmp[i]), datastore.QuoteIdent(c)))
	}
	set := strings.Join(sets, ", ")

	if err := e.analyzer.AnalyzeSQL(ctx, fmt.Sprintf("UPDATE %s SET %s", datastore.QuoteTable(table), set)); err != nil {
		return nil, err
	}

	res, err := e.worker.Run(ctx, bbm.Job{Table: table, BatchColumn: primaryKey, Set: set})
	if err != nil {
		return res, err
	}
	l.WithFields(log.Fields{"columns": columns, "rows_updated": res.Updated}).Info("bigint conversion backfilled")
	return res, nil
}

var sequenceDefault = regexp.MustCompile(`^nextval\('(.+)'::regclass\)$`)

// SwapColumns swaps the names and defaults of column and its bigint copy and resets the copy trigger function.
// converted lists the columns the conversion was initialized with, and defaults to column alone. Sequences owned by
// either column follow their default. Swapping already swapped columns is a no-op.
func (e *Engine) SwapColumns(ctx context.Context, table, column string, converted []string) error {
	l, err := e.begin(ctx, "swap_columns", table, ddlMode)
	if err != nil {
		return err
	}
	tmp := BigintColumn(column)
	if len(converted) == 0 {
		converted = []string{column}
	}

	swapped, err := e.ColumnsSwapped(ctx, table, column)
	if err != nil {
		return err
	}
	if swapped {
		l.WithField("column", column).Info("columns already swapped")
		return nil
	}

	err = e.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
		a, err := datastore.FindColumn(ctx, tx, table, column)
		if err != nil {
			return err
		}
		b, err := datastore.FindColumn(ctx, tx, table, tmp)
		if err != nil {
			return err
		}

		swap := "temp_name_for_renaming"
		stmts := []string{
			renameColumnSQL(table, column, swap),
			renameColumnSQL(table, tmp, column),
			renameColumnSQL(table, swap, tmp),
		}
		// column now holds the values of b, and tmp those of a
		stmts = append(stmts, setDefaultSQL(table, column, a.Default.String, a.Default.Valid)...)
		stmts = append(stmts, setDefaultSQL(table, tmp, b.Default.String, b.Default.Valid)...)
		for _, pair := range []struct {
			def    string
			column string
		}{{a.Default.String, column}, {b.Default.String, tmp}} {
			if m := sequenceDefault.FindStringSubmatch(pair.def); m != nil {
				stmts = append(stmts, fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s.%s",
					m[1], datastore.QuoteTable(table), datastore.QuoteIdent(pair.column)))
			}
		}
		stmts = append(stmts, fmt.Sprintf("ALTER FUNCTION %s() RESET ALL",
			datastore.QuoteIdent(bigintSpec(table, converted, bigintColumns(converted)).Handle().Function)))

		return execAll(ctx, tx, stmts...)
	})
	if err != nil {
		return err
	}
	l.WithField("column", column).Info("columns swapped")
	return nil
}

func setDefaultSQL(table, column, def string, valid bool) []string {
	if !valid {
		return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", datastore.QuoteTable(table), datastore.QuoteIdent(column))}
	}
	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s", datastore.QuoteTable(table), datastore.QuoteIdent(column), def)}
}

// ColumnsSwapped reports whether column is bigint and its temporary copy integer.
func (e *Engine) ColumnsSwapped(ctx context.Context, table, column string) (bool, error) {
	q := datastore.QueryerFromContext(ctx, e.db)
	a, err := datastore.FindColumn(ctx, q, table, column)
	if err != nil {
		return false, err
	}
	b, err := datastore.FindColumn(ctx, q, table, BigintColumn(column))
	if err != nil {
		if errors.Is(err, datastore.ErrColumnNotFound) {
			return false, nil
		}
		return false, err
	}
	return isBigint(a.SQLType) && strings.EqualFold(b.SQLType, "integer"), nil
}

// TempColumnRemoved reports whether the temporary copy of column is gone.
func (e *Engine) TempColumnRemoved(ctx context.Context, table, column string) (bool, error) {
	ok, err := datastore.ExistsColumn(ctx, datastore.QueryerFromContext(ctx, e.db), table, BigintColumn(column))
	return !ok, err
}

// CleanupConversionOfIntegerToBigint drops the copy trigger and the temporary columns. It reverts
// InitializeConversionOfIntegerToBigint and finishes a swapped conversion.
func (e *Engine) CleanupConversionOfIntegerToBigint(ctx context.Context, table string, columns []string) error {
	l, err := e.begin(ctx, "cleanup_conversion_of_integer_to_bigint", table, ddlMode)
	if err != nil {
		return err
	}
	tmp := bigintColumns(columns)

	err = e.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
		if err := e.installer.Remove(ctx, tx, bigintSpec(table, columns, tmp).Handle()); err != nil {
			return err
		}
		for _, c := range tmp {
			if _, err := tx.ExecContext(ctx, dropColumnSQL(table, c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.WithField("columns", columns).Info("bigint conversion cleaned up")
	return nil
}
