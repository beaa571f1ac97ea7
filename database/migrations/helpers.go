package migrations

import (
	"context"
	"fmt"

	"gitlab.com/gitlab-org/database-guard/database/bbm"
	"gitlab.com/gitlab-org/database-guard/database/columns"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/lockretry"
	"gitlab.com/gitlab-org/database-guard/database/lockwrites"
	"gitlab.com/gitlab-org/database-guard/database/restrict"
	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/log"
)

// Helpers is the interface a running migration uses to touch the database. Every statement goes through the query
// classifier, and tables created or renamed by the migration are write-locked when the connection does not own them.
type Helpers struct {
	conn      *router.Connection
	registry  *gitlabschema.Registry
	analyzer  *restrict.Analyzer
	locks     *lockwrites.Manager
	retrier   *lockretry.Coordinator
	columns   *columns.Engine
	migration *Migration

	ops []Operation
}

func newHelpers(m *Migrator, mig *Migration) *Helpers {
	analyzer := restrict.NewAnalyzer(m.registry, m.conn, mig.RestrictGitlabSchema)
	return &Helpers{
		conn:      m.conn,
		registry:  m.registry,
		analyzer:  analyzer,
		locks:     m.locks,
		retrier:   m.retrier,
		migration: mig,
		columns: columns.New(m.conn, m.registry, analyzer, append([]columns.Option{
			columns.WithLockRetries(m.retrier),
			columns.WithBackfillWorker(m.worker),
		}, m.columnOpts...)...),
	}
}

// Connection returns the connection the migration runs on.
func (h *Helpers) Connection() *router.Connection {
	return h.conn
}

// Schema returns the schema the migration is restricted to, empty for DDL migrations.
func (h *Helpers) Schema() gitlabschema.Schema {
	return h.analyzer.Schema()
}

// Operations returns the schema operations performed so far.
func (h *Helpers) Operations() []Operation {
	return append([]Operation(nil), h.ops...)
}

// Columns returns the column transition engine bound to the migration.
func (h *Helpers) Columns() *columns.Engine {
	return h.columns
}

func (h *Helpers) logger(ctx context.Context) log.Logger {
	return log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		"migration":  h.migration.Id,
		"connection": h.conn.Name,
	})
}

// Execute classifies and runs every statement of sql, in the migration transaction when there is one.
func (h *Helpers) Execute(ctx context.Context, sql string) error {
	stmts, err := restrict.Parse(sql)
	if err != nil {
		return err
	}

	q := datastore.QueryerFromContext(ctx, h.conn.DB)
	for _, st := range stmts {
		if err := h.analyzer.Analyze(ctx, st); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, st.SQL); err != nil {
			if wpErr, ok := lockwrites.AsWriteProtectedError(err); ok {
				return wpErr
			}
			return fmt.Errorf("executing %q: %w", st.SQL, err)
		}
		h.record(ctx, operationsFor(st, h.migration.RestrictGitlabSchema)...)

		if err := h.applyWriteLocks(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (h *Helpers) applyWriteLocks(ctx context.Context, st restrict.Statement) error {
	exempt := h.migration.SkipAutomaticLockOnWrites
	for _, t := range st.CreatedTables {
		if _, err := h.locks.AutoLockCreatedTable(ctx, t, "", exempt); err != nil {
			return err
		}
	}
	for _, r := range st.Renames {
		if _, err := h.locks.HandleRename(ctx, r.From, r.To, "", exempt); err != nil {
			return err
		}
	}
	return nil
}

func (h *Helpers) record(ctx context.Context, ops ...Operation) {
	for _, op := range ops {
		h.ops = append(h.ops, op)
		operationsCounter.WithValues(string(op.Kind)).Inc()
		h.logger(ctx).WithFields(log.Fields{
			"operation_id":    op.ID.String(),
			"operation":       op.Kind,
			"table":           op.Table,
			"declared_schema": op.DeclaredSchema,
		}).Info("schema operation")
	}
}

// WithLockRetries runs fn in a lock-retry block, or directly in it when the migration already runs in one.
func (h *Helpers) WithLockRetries(ctx context.Context, fn func(ctx context.Context) error, opts ...lockretry.RunOption) error {
	return h.retrier.Run(ctx, func(ctx context.Context, _ datastore.Transactor) error {
		return fn(ctx)
	}, opts...)
}

// LockWrites write-locks table on the migration connection.
func (h *Helpers) LockWrites(ctx context.Context, table string) (*lockwrites.Result, error) {
	return h.locks.LockWrites(ctx, table)
}

// UnlockWrites removes the write lock of table on the migration connection.
func (h *Helpers) UnlockWrites(ctx context.Context, table string) (*lockwrites.Result, error) {
	return h.locks.UnlockWrites(ctx, table)
}

// RenameColumnConcurrently starts renaming a column. See columns.Engine.
func (h *Helpers) RenameColumnConcurrently(ctx context.Context, table, oldCol, newCol string, opts columns.Options) error {
	if err := h.columns.RenameColumnConcurrently(ctx, table, oldCol, newCol, opts); err != nil {
		return err
	}
	h.record(ctx, h.operation(OperationAddColumn, table), h.operation(OperationRenameColumn, table))
	return nil
}

// CleanupConcurrentColumnRename finishes a column rename. See columns.Engine.
func (h *Helpers) CleanupConcurrentColumnRename(ctx context.Context, table, oldCol, newCol string) error {
	return h.columns.CleanupConcurrentColumnRename(ctx, table, oldCol, newCol)
}

// ChangeColumnTypeConcurrently starts changing the type of a column. See columns.Engine.
func (h *Helpers) ChangeColumnTypeConcurrently(ctx context.Context, table, column, newType string, opts columns.Options) error {
	if err := h.columns.ChangeColumnTypeConcurrently(ctx, table, column, newType, opts); err != nil {
		return err
	}
	h.record(ctx, h.operation(OperationAddColumn, table), h.operation(OperationChangeType, table))
	return nil
}

// CleanupConcurrentColumnTypeChange finishes a column type change. See columns.Engine.
func (h *Helpers) CleanupConcurrentColumnTypeChange(ctx context.Context, table, column string) error {
	return h.columns.CleanupConcurrentColumnTypeChange(ctx, table, column)
}

// BackfillConversionOfIntegerToBigint copies integer columns into their bigint counterparts. See columns.Engine.
func (h *Helpers) BackfillConversionOfIntegerToBigint(ctx context.Context, table string, cols []string, primaryKey string) (*bbm.Result, error) {
	return h.columns.BackfillConversionOfIntegerToBigint(ctx, table, cols, primaryKey)
}

func (h *Helpers) operation(kind OperationKind, table string) Operation {
	return newOperation(kind, table, h.migration.RestrictGitlabSchema)
}
