package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"gitlab.com/gitlab-org/database-guard/database/datastore/metrics"
	"gitlab.com/gitlab-org/database-guard/database/datastore/models"
)

// DefaultSchema is the PostgreSQL schema unqualified table names resolve to.
const DefaultSchema = "public"

// ErrColumnNotFound is returned when a catalog lookup does not find the requested column.
var ErrColumnNotFound = errors.New("column not found")

// SplitTableName splits an optionally schema-qualified table name. Unqualified names belong to DefaultSchema.
func SplitTableName(name string) (schema, table string) {
	if s, t, ok := strings.Cut(name, "."); ok {
		return s, t
	}
	return DefaultSchema, name
}

// QuoteIdent quotes a single identifier.
func QuoteIdent(ident string) string {
	return pq.QuoteIdentifier(ident)
}

// QuoteTable quotes an optionally schema-qualified table name, one part at a time.
func QuoteTable(name string) string {
	if s, t, ok := strings.Cut(name, "."); ok {
		return pq.QuoteIdentifier(s) + "." + pq.QuoteIdentifier(t)
	}
	return pq.QuoteIdentifier(name)
}

// QuoteLiteral quotes a string literal.
func QuoteLiteral(s string) string {
	return pq.QuoteLiteral(s)
}

// ExistsTable checks if a table exists.
func ExistsTable(ctx context.Context, db Queryer, table string) (bool, error) {
	defer metrics.InstrumentQuery("catalog_exists_table")()

	schema, name := SplitTableName(table)
	q := `SELECT
			EXISTS (
				SELECT
					1
				FROM
					pg_tables
				WHERE
					schemaname = $1
					AND tablename = $2)`

	var ok bool
	if err := db.QueryRowContext(ctx, q, schema, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking table %q existence: %w", table, err)
	}
	return ok, nil
}

// ExistsColumn checks if a column exists in a table.
func ExistsColumn(ctx context.Context, db Queryer, table, column string) (bool, error) {
	defer metrics.InstrumentQuery("catalog_exists_column")()

	schema, name := SplitTableName(table)
	q := `SELECT
			EXISTS (
				SELECT
					1
				FROM
					information_schema.columns
				WHERE
					table_schema = $1
					AND table_name = $2
					AND column_name = $3)`

	var ok bool
	if err := db.QueryRowContext(ctx, q, schema, name, column).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking column %q.%q existence: %w", table, column, err)
	}
	return ok, nil
}

// FindColumn reads the definition of a column. ErrColumnNotFound is returned when it does not exist.
func FindColumn(ctx context.Context, db Queryer, table, column string) (*models.Column, error) {
	defer metrics.InstrumentQuery("catalog_find_column")()

	schema, name := SplitTableName(table)
	q := `SELECT
			format_type(a.atttypid, a.atttypmod),
			a.attnotnull,
			pg_get_expr(d.adbin, d.adrelid),
			c.character_maximum_length,
			c.numeric_precision,
			c.numeric_scale,
			EXISTS (
				SELECT
					1
				FROM
					pg_index i
				WHERE
					i.indrelid = a.attrelid
					AND i.indisprimary
					AND a.attnum = ANY (i.indkey))
		FROM
			pg_attribute a
			JOIN pg_class r ON r.oid = a.attrelid
			JOIN pg_namespace n ON n.oid = r.relnamespace
			LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid
				AND d.adnum = a.attnum
			LEFT JOIN information_schema.columns c ON c.table_schema = n.nspname
				AND c.table_name = r.relname
				AND c.column_name = a.attname
		WHERE
			n.nspname = $1
			AND r.relname = $2
			AND a.attname = $3
			AND a.attnum > 0
			AND NOT a.attisdropped`

	col := &models.Column{Table: table, Name: column}
	err := db.QueryRowContext(ctx, q, schema, name, column).Scan(
		&col.SQLType,
		&col.NotNull,
		&col.Default,
		&col.CharacterMaximumLength,
		&col.NumericPrecision,
		&col.NumericScale,
		&col.PrimaryKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotFound, table, column)
		}
		return nil, fmt.Errorf("reading column %q.%q: %w", table, column, err)
	}
	return col, nil
}

// PrimaryKeyColumns returns the primary key columns of a table in key order.
func PrimaryKeyColumns(ctx context.Context, db Queryer, table string) ([]string, error) {
	defer metrics.InstrumentQuery("catalog_primary_key_columns")()

	q := `SELECT
			a.attname
		FROM
			pg_index i
			JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k (attnum, ord) ON TRUE
			JOIN pg_attribute a ON a.attrelid = i.indrelid
				AND a.attnum = k.attnum
		WHERE
			i.indrelid = to_regclass($1)
			AND i.indisprimary
		ORDER BY
			k.ord`

	rows, err := db.QueryContext(ctx, q, QuoteTable(table))
	if err != nil {
		return nil, fmt.Errorf("reading primary key of %q: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning primary key column: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating primary key columns: %w", err)
	}
	return cols, nil
}

// ExistsTrigger checks if a trigger with the given name is attached to table.
func ExistsTrigger(ctx context.Context, db Queryer, table, trigger string) (bool, error) {
	defer metrics.InstrumentQuery("catalog_exists_trigger")()

	q := `SELECT
			EXISTS (
				SELECT
					1
				FROM
					pg_trigger
				WHERE
					tgname = $1
					AND tgrelid = to_regclass($2))`

	var ok bool
	if err := db.QueryRowContext(ctx, q, trigger, QuoteTable(table)).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking trigger %q existence: %w", trigger, err)
	}
	return ok, nil
}

// ExistsFunction checks if a function with the given name exists.
func ExistsFunction(ctx context.Context, db Queryer, function string) (bool, error) {
	defer metrics.InstrumentQuery("catalog_exists_function")()

	q := `SELECT
			EXISTS (
				SELECT
					1
				FROM
					pg_proc
				WHERE
					proname = $1)`

	var ok bool
	if err := db.QueryRowContext(ctx, q, function).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking function %q existence: %w", function, err)
	}
	return ok, nil
}

// TriggersWithPrefix lists user triggers whose name starts with prefix, ordered by table. The trigger comment is
// returned as well.
func TriggersWithPrefix(ctx context.Context, db Queryer, prefix string) ([]models.Trigger, error) {
	defer metrics.InstrumentQuery("catalog_triggers_with_prefix")()

	q := `SELECT
			c.relname,
			t.tgname,
			obj_description(t.oid, 'pg_trigger')
		FROM
			pg_trigger t
			JOIN pg_class c ON c.oid = t.tgrelid
		WHERE
			NOT t.tgisinternal
			AND left(t.tgname, length($1)) = $1
		ORDER BY
			c.relname,
			t.tgname`

	rows, err := db.QueryContext(ctx, q, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	defer rows.Close()

	var tt []models.Trigger
	for rows.Next() {
		var t models.Trigger
		if err := rows.Scan(&t.Table, &t.Name, &t.Comment); err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		tt = append(tt, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating triggers: %w", err)
	}
	return tt, nil
}

// Indexes lists the indexes defined on a table.
func Indexes(ctx context.Context, db Queryer, table string) ([]models.Index, error) {
	defer metrics.InstrumentQuery("catalog_indexes")()

	q := `SELECT
			ic.relname,
			pg_get_indexdef(i.indexrelid),
			i.indisunique,
			i.indisprimary
		FROM
			pg_index i
			JOIN pg_class ic ON ic.oid = i.indexrelid
		WHERE
			i.indrelid = to_regclass($1)
		ORDER BY
			ic.relname`

	rows, err := db.QueryContext(ctx, q, QuoteTable(table))
	if err != nil {
		return nil, fmt.Errorf("listing indexes of %q: %w", table, err)
	}
	defer rows.Close()

	var ii []models.Index
	for rows.Next() {
		idx := models.Index{Table: table}
		if err := rows.Scan(&idx.Name, &idx.Definition, &idx.Unique, &idx.Primary); err != nil {
			return nil, fmt.Errorf("scanning index: %w", err)
		}
		ii = append(ii, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating indexes: %w", err)
	}
	return ii, nil
}

// HasDistinctValues checks whether any row of table has different values in columns a and b, compared as text.
func HasDistinctValues(ctx context.Context, db Queryer, table, a, b string) (bool, error) {
	defer metrics.InstrumentQuery("catalog_has_distinct_values")()

	q := fmt.Sprintf(`SELECT
			EXISTS (
				SELECT
					1
				FROM
					%s
				WHERE
					%s::text IS DISTINCT FROM %s::text
				LIMIT 1)`, QuoteTable(table), QuoteIdent(a), QuoteIdent(b))

	var ok bool
	if err := db.QueryRowContext(ctx, q).Scan(&ok); err != nil {
		return false, fmt.Errorf("comparing %q.%q and %q: %w", table, a, b, err)
	}
	return ok, nil
}

// PendingWALCount returns the number of WAL segments waiting to be archived, using the system view
// `pg_stat_archiver` and `pg_current_wal_insert_lsn()`. Each WAL file is a 16MB segment. -1 is returned when
// archiving is not enabled.
func PendingWALCount(ctx context.Context, db Queryer) (int, error) {
	defer metrics.InstrumentQuery("catalog_pending_wal_count")()

	q := `WITH current_wal_file AS (
			SELECT
				pg_walfile_name (pg_current_wal_insert_lsn ()) AS pg_walfile_name
		),
		current_wal AS (
			SELECT
				('x' || substring(pg_walfile_name, 9, 8))::bit(32)::int AS log,
				('x' || substring(pg_walfile_name, 17, 8))::bit(32)::int AS seg,
				pg_walfile_name
			FROM
				current_wal_file
		),
		archive_wal AS (
			SELECT
				('x' || substring(last_archived_wal, 9, 8))::bit(32)::int AS log,
				('x' || substring(last_archived_wal, 17, 8))::bit(32)::int AS seg,
				last_archived_wal
			FROM
				pg_stat_archiver
		)
		SELECT
			((current_wal.log - archive_wal.log) * 256) + (current_wal.seg - archive_wal.seg) AS pending_wal_count
		FROM
			current_wal,
			archive_wal`

	var count sql.NullInt64
	if err := db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return 0, fmt.Errorf("retrieving pending WAL count: %w", err)
	}
	if !count.Valid {
		return -1, nil
	}
	return int(count.Int64), nil
}
