// Package columns renames columns and changes their types without downtime. A new column is added next to the
// existing one, kept in sync by triggers and backfilled in batches before one of the two is retired. The progress of
// a transition is never stored: it is derived from the catalog, so an interrupted transition can be resumed.
package columns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"gitlab.com/gitlab-org/database-guard/database/bbm"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/datastore/models"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/lockretry"
	"gitlab.com/gitlab-org/database-guard/database/restrict"
	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/log"
)

const (
	typeChangeSuffix  = "_for_type_change"
	undoCleanupPrefix = "tmp_undo_cleanup_column_"
	maxIdentifierLen  = 63
)

// TypeChangeColumn returns the temporary column used to change the type of column.
func TypeChangeColumn(column string) string {
	return column + typeChangeSuffix
}

// UndoCleanupColumn returns the temporary column used to undo the cleanup of a type change.
func UndoCleanupColumn(table, column string) string {
	sum := sha256.Sum256([]byte(table + "_" + column))
	return undoCleanupPrefix + hex.EncodeToString(sum[:])[:10]
}

// Options tune a rename or type change.
type Options struct {
	// Type is the type of the new column. Defaults to the type of the source column.
	Type string
	// TypeCast is a SQL function applied to the source column when backfilling, for example "to_jsonb".
	TypeCast string
	// BatchColumn is the integer column backfill batches are keyed on. Defaults to "id".
	BatchColumn string
}

// Engine runs column transitions on one connection.
type Engine struct {
	conn      *router.Connection
	db        datastore.Handler
	registry  *gitlabschema.Registry
	analyzer  *restrict.Analyzer
	installer TriggerInstaller
	retrier   *lockretry.Coordinator
	worker    *bbm.Worker
}

// Option configures an Engine.
type Option func(*Engine)

// WithTriggerInstaller replaces the PL/pgSQL trigger installer.
func WithTriggerInstaller(i TriggerInstaller) Option {
	return func(e *Engine) {
		e.installer = i
	}
}

// WithLockRetries sets the lock-retry coordinator DDL runs through.
func WithLockRetries(c *lockretry.Coordinator) Option {
	return func(e *Engine) {
		e.retrier = c
	}
}

// WithBackfillWorker sets the worker backfills run through.
func WithBackfillWorker(w *bbm.Worker) Option {
	return func(e *Engine) {
		e.worker = w
	}
}

// New returns an Engine for a migration running on conn, checked by analyzer.
func New(conn *router.Connection, registry *gitlabschema.Registry, analyzer *restrict.Analyzer, opts ...Option) *Engine {
	e := &Engine{
		conn:      conn,
		db:        conn.DB,
		registry:  registry,
		analyzer:  analyzer,
		installer: PLpgSQLInstaller{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.retrier == nil {
		e.retrier = lockretry.New(e.db)
	}
	if e.worker == nil {
		e.worker = bbm.NewWorker(e.db)
	}
	return e
}

type mode int

const (
	ddlMode mode = iota
	dmlMode
)

// begin checks that op may run and returns the logger for it.
func (e *Engine) begin(ctx context.Context, op, table string, m mode) (log.Logger, error) {
	if datastore.InTransaction(ctx) {
		return nil, &TransactionConflictError{Operation: op}
	}
	if _, err := e.registry.SchemaFor(table); err != nil {
		return nil, err
	}

	var err error
	if m == ddlMode {
		err = e.analyzer.RequireDDLMode(op)
	} else {
		err = e.analyzer.RequireDMLMode(op)
	}
	if err != nil {
		return nil, err
	}

	return log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		"operation":  op,
		"table":      table,
		"connection": e.conn.Name,
	}), nil
}

// RenameColumnConcurrently adds newCol as a copy of oldCol and keeps both in sync until
// CleanupConcurrentColumnRename drops oldCol.
func (e *Engine) RenameColumnConcurrently(ctx context.Context, table, oldCol, newCol string, opts Options) error {
	l, err := e.begin(ctx, "rename_column_concurrently", table, ddlMode)
	if err != nil {
		return err
	}
	if err := e.setupColumn(ctx, table, oldCol, newCol, oldCol, newCol, opts); err != nil {
		return err
	}
	l.WithFields(log.Fields{"old_column": oldCol, "new_column": newCol}).Info("column rename set up")
	return nil
}

// UndoRenameColumnConcurrently reverts RenameColumnConcurrently.
func (e *Engine) UndoRenameColumnConcurrently(ctx context.Context, table, oldCol, newCol string) error {
	l, err := e.begin(ctx, "undo_rename_column_concurrently", table, ddlMode)
	if err != nil {
		return err
	}
	if err := e.dropTransition(ctx, table, oldCol, newCol, newCol); err != nil {
		return err
	}
	l.WithFields(log.Fields{"old_column": oldCol, "new_column": newCol}).Info("column rename undone")
	return nil
}

// CleanupConcurrentColumnRename removes the sync triggers and oldCol. Running it again is a no-op.
func (e *Engine) CleanupConcurrentColumnRename(ctx context.Context, table, oldCol, newCol string) error {
	l, err := e.begin(ctx, "cleanup_concurrent_column_rename", table, ddlMode)
	if err != nil {
		return err
	}
	if err := e.dropTransition(ctx, table, oldCol, newCol, oldCol); err != nil {
		return err
	}
	l.WithFields(log.Fields{"old_column": oldCol, "new_column": newCol}).Info("column rename cleaned up")
	return nil
}

// UndoCleanupConcurrentColumnRename restores oldCol from newCol and reinstalls the sync triggers.
func (e *Engine) UndoCleanupConcurrentColumnRename(ctx context.Context, table, oldCol, newCol string, opts Options) error {
	l, err := e.begin(ctx, "undo_cleanup_concurrent_column_rename", table, ddlMode)
	if err != nil {
		return err
	}
	if err := e.setupColumn(ctx, table, newCol, oldCol, oldCol, newCol, opts); err != nil {
		return err
	}
	l.WithFields(log.Fields{"old_column": oldCol, "new_column": newCol}).Info("column rename cleanup undone")
	return nil
}

// ChangeColumnTypeConcurrently adds a copy of column with type newType, kept in sync until
// CleanupConcurrentColumnTypeChange swaps it into place.
func (e *Engine) ChangeColumnTypeConcurrently(ctx context.Context, table, column, newType string, opts Options) error {
	l, err := e.begin(ctx, "change_column_type_concurrently", table, ddlMode)
	if err != nil {
		return err
	}
	opts.Type = newType
	tmp := TypeChangeColumn(column)
	if err := e.setupColumn(ctx, table, column, tmp, column, tmp, opts); err != nil {
		return err
	}
	l.WithFields(log.Fields{"column": column, "type": newType}).Info("column type change set up")
	return nil
}

// UndoChangeColumnTypeConcurrently reverts ChangeColumnTypeConcurrently.
func (e *Engine) UndoChangeColumnTypeConcurrently(ctx context.Context, table, column string) error {
	l, err := e.begin(ctx, "undo_change_column_type_concurrently", table, ddlMode)
	if err != nil {
		return err
	}
	tmp := TypeChangeColumn(column)
	if err := e.dropTransition(ctx, table, column, tmp, tmp); err != nil {
		return err
	}
	l.WithField("column", column).Info("column type change undone")
	return nil
}

// CleanupConcurrentColumnTypeChange removes the sync triggers and the original column, and renames the temporary
// column into its place, in a single transaction. Running it again is a no-op.
func (e *Engine) CleanupConcurrentColumnTypeChange(ctx context.Context, table, column string) error {
	l, err := e.begin(ctx, "cleanup_concurrent_column_type_change", table, ddlMode)
	if err != nil {
		return err
	}
	tmp := TypeChangeColumn(column)

	ok, err := datastore.ExistsColumn(ctx, e.db, table, tmp)
	if err != nil {
		return err
	}
	if !ok {
		l.WithField("column", column).Info("column type change already cleaned up")
		return nil
	}

	err = e.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
		if err := e.removeTriggers(ctx, tx, BidirectionalSpecs(table, column, tmp, "", "")); err != nil {
			return err
		}
		return execAll(ctx, tx,
			dropColumnSQL(table, column),
			renameColumnSQL(table, tmp, column),
		)
	})
	if err != nil {
		return err
	}
	l.WithField("column", column).Info("column type change cleaned up")
	return nil
}

// UndoCleanupConcurrentColumnTypeChange recreates column with oldType and moves the current column back to the
// temporary name, with the sync triggers reinstalled.
func (e *Engine) UndoCleanupConcurrentColumnTypeChange(ctx context.Context, table, column, oldType string, opts Options) error {
	l, err := e.begin(ctx, "undo_cleanup_concurrent_column_type_change", table, ddlMode)
	if err != nil {
		return err
	}
	tmp := TypeChangeColumn(column)
	undo := UndoCleanupColumn(table, column)

	opts.Type = oldType
	if err := e.setupColumn(ctx, table, column, undo, column, undo, opts); err != nil {
		return err
	}

	err = e.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
		if err := e.removeTriggers(ctx, tx, BidirectionalSpecs(table, column, undo, "", "")); err != nil {
			return err
		}
		if err := execAll(ctx, tx,
			renameColumnSQL(table, column, tmp),
			renameColumnSQL(table, undo, column),
		); err != nil {
			return err
		}
		return e.installBidirectional(ctx, tx, table, column, tmp)
	})
	if err != nil {
		return err
	}
	l.WithFields(log.Fields{"column": column, "type": oldType}).Info("column type change cleanup undone")
	return nil
}

// setupColumn creates target from source, installs the sync triggers for the (oldCol, newCol) pair, backfills
// target and copies the NOT NULL constraint and indexes of source.
func (e *Engine) setupColumn(ctx context.Context, table, source, target, oldCol, newCol string, opts Options) error {
	col, err := datastore.FindColumn(ctx, e.db, table, source)
	if err != nil {
		return err
	}
	def := ""
	if col.Default.Valid {
		if def, err = literalDefault(table, source, col.Default.String); err != nil {
			return err
		}
	}
	sqlType := opts.Type
	if sqlType == "" {
		sqlType = col.SQLType
	}

	err = e.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
		stmts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			datastore.QuoteTable(table), datastore.QuoteIdent(target), sqlType)}
		// set after adding, so existing rows are not rewritten with the default
		if def != "" {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s",
				datastore.QuoteTable(table), datastore.QuoteIdent(target), def))
		}
		if err := execAll(ctx, tx, stmts...); err != nil {
			return err
		}
		return e.installBidirectional(ctx, tx, table, oldCol, newCol)
	})
	if err != nil {
		return err
	}

	if err := e.backfillColumn(ctx, table, source, target, opts); err != nil {
		return err
	}

	if col.NotNull {
		err := e.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
			return execAll(ctx, tx, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL",
				datastore.QuoteTable(table), datastore.QuoteIdent(target)))
		})
		if err != nil {
			return err
		}
	}

	return e.copyIndexes(ctx, col, target)
}

// installBidirectional installs the sync triggers of the (oldCol, newCol) pair, reading both defaults from the
// catalog.
func (e *Engine) installBidirectional(ctx context.Context, q datastore.Queryer, table, oldCol, newCol string) error {
	defaults := make([]string, 2)
	for i, c := range []string{oldCol, newCol} {
		col, err := datastore.FindColumn(ctx, q, table, c)
		if err != nil {
			return err
		}
		if col.Default.Valid {
			defaults[i] = col.Default.String
		}
	}

	for _, s := range BidirectionalSpecs(table, oldCol, newCol, defaults[0], defaults[1]) {
		if _, err := e.installer.Install(ctx, q, s); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) removeTriggers(ctx context.Context, q datastore.Queryer, specs []TriggerSpec) error {
	for _, s := range specs {
		if err := e.installer.Remove(ctx, q, s.Handle()); err != nil {
			return err
		}
	}
	return nil
}

// dropTransition removes the sync triggers of the (oldCol, newCol) pair and drops column drop.
func (e *Engine) dropTransition(ctx context.Context, table, oldCol, newCol, drop string) error {
	return e.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
		if err := e.removeTriggers(ctx, tx, BidirectionalSpecs(table, oldCol, newCol, "", "")); err != nil {
			return err
		}
		return execAll(ctx, tx, dropColumnSQL(table, drop))
	})
}

func (e *Engine) backfillColumn(ctx context.Context, table, source, target string, opts Options) error {
	value := datastore.QuoteIdent(source)
	if opts.TypeCast != "" {
		value = fmt.Sprintf("%s(%s)", opts.TypeCast, value)
	}
	_, err := e.worker.Run(ctx, bbm.Job{
		Table:       table,
		BatchColumn: opts.BatchColumn,
		Set:         fmt.Sprintf("%s = %s", datastore.QuoteIdent(target), value),
	})
	return err
}

var usingClause = regexp.MustCompile(`(?i)\sUSING\s+\w+\s*\(`)

// copyIndexes creates a copy of every non-primary index of col's table that references col, with col replaced by
// target.
func (e *Engine) copyIndexes(ctx context.Context, col *models.Column, target string) error {
	indexes, err := datastore.Indexes(ctx, e.db, col.Table)
	if err != nil {
		return err
	}

	ref := regexp.MustCompile(`(^|[^\w"])(` + regexp.QuoteMeta(col.Name) + `|` + regexp.QuoteMeta(datastore.QuoteIdent(col.Name)) + `)([^\w"]|$)`)
	for _, idx := range indexes {
		if idx.Primary {
			continue
		}
		loc := usingClause.FindStringIndex(idx.Definition)
		if loc == nil {
			continue
		}
		head, tail := idx.Definition[:loc[0]], idx.Definition[loc[0]:]
		if !ref.MatchString(tail) {
			continue
		}

		name := copiedIndexName(idx.Name, col.Name, target)
		tail = ref.ReplaceAllString(tail, "${1}"+strings.ReplaceAll(datastore.QuoteIdent(target), "$", "$$")+"${3}")
		// head is "CREATE [UNIQUE ]INDEX <name> ON <table>"
		onAt := strings.Index(strings.ToUpper(head), " ON ")
		if onAt < 0 {
			continue
		}
		create := "CREATE INDEX"
		if idx.Unique {
			create = "CREATE UNIQUE INDEX"
		}
		stmt := fmt.Sprintf("%s CONCURRENTLY IF NOT EXISTS %s%s%s", create, datastore.QuoteIdent(name), head[onAt:], tail)

		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("copying index %s: %w", idx.Name, err)
		}
	}
	return nil
}

func copiedIndexName(index, from, to string) string {
	name := strings.ReplaceAll(index, from, to)
	if name == index {
		name = index + "_" + to
	}
	if len(name) > maxIdentifierLen {
		sum := sha256.Sum256([]byte(name))
		name = "idx_copy_" + hex.EncodeToString(sum[:])[:10]
	}
	return name
}

func dropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", datastore.QuoteTable(table), datastore.QuoteIdent(column))
}

func renameColumnSQL(table, from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", datastore.QuoteTable(table), datastore.QuoteIdent(from), datastore.QuoteIdent(to))
}

func execAll(ctx context.Context, q datastore.Queryer, stmts ...string) error {
	for _, s := range stmts {
		if _, err := q.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
