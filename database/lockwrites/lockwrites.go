// Package lockwrites write-protects tables on the databases that do not own them. A statement-level trigger rejects
// every INSERT, UPDATE, DELETE and TRUNCATE unless the session explicitly bypasses it.
package lockwrites

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/datastore/metrics"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/lockretry"
	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/log"
)

const (
	// FunctionName is the trigger function shared by every write-lock trigger.
	FunctionName = "gitlab_schema_prevent_write"
	// TriggerPrefix prefixes the name of every write-lock trigger.
	TriggerPrefix = "gitlab_schema_write_trigger_for_"

	// writeProtectedCode is SQLSTATE modifying_sql_data_not_permitted.
	writeProtectedCode  = "2F002"
	maxIdentifierLength = 63

	defaultStatementTimeoutAttempts = 5
)

// Action is the outcome of a lock or unlock request.
type Action string

const (
	ActionLocked      Action = "locked"
	ActionUnlocked    Action = "unlocked"
	ActionSkipped     Action = "skipped"
	ActionNeedsLock   Action = "needs_lock"
	ActionNeedsUnlock Action = "needs_unlock"
)

// Kind describes how a write-lock trigger got installed.
type Kind string

const (
	// KindWriteLocked is a trigger installed on the first attempt.
	KindWriteLocked Kind = "write_locked"
	// KindStatementTimeoutProtected is a trigger whose installation needed statement timeout retries.
	KindStatementTimeoutProtected Kind = "statement_timeout_protected"
)

// Result reports what a lock or unlock request did.
type Result struct {
	Table      string `json:"table"`
	Connection string `json:"connection"`
	Database   string `json:"database"`
	Action     Action `json:"action"`
}

// LockRecord is a write-lock trigger currently installed on a connection.
type LockRecord struct {
	Table      string `json:"table"`
	Connection string `json:"connection"`
	Kind       Kind   `json:"kind"`
}

// WriteProtectedError is returned by a write rejected by a write-lock trigger.
type WriteProtectedError struct {
	Table string
	Err   error
}

func (e *WriteProtectedError) Error() string {
	return fmt.Sprintf("table %q is write protected within this database", e.Table)
}

func (e *WriteProtectedError) Unwrap() error {
	return e.Err
}

// AsWriteProtectedError converts a driver error raised by a write-lock trigger into a *WriteProtectedError.
func AsWriteProtectedError(err error) (*WriteProtectedError, bool) {
	pgErr, ok := datastore.PgError(err)
	if !ok || pgErr.Code != writeProtectedCode {
		return nil, false
	}
	return &WriteProtectedError{Table: pgErr.TableName, Err: err}, true
}

// TriggerName returns the name of the write-lock trigger of table, truncated the way PostgreSQL truncates
// identifiers.
func TriggerName(table string) string {
	_, t := datastore.SplitTableName(table)
	name := TriggerPrefix + t
	if len(name) > maxIdentifierLength {
		name = name[:maxIdentifierLength]
	}
	return name
}

// BypassStatement returns the statement that disables the write lock of table for the current transaction.
func BypassStatement(table string) string {
	_, t := datastore.SplitTableName(table)
	return fmt.Sprintf("SELECT set_config(%s, 'false', true)", datastore.QuoteLiteral("lock_writes."+t))
}

const functionSQL = `CREATE OR REPLACE FUNCTION ` + FunctionName + `()
	RETURNS TRIGGER
	AS $$
BEGIN
	IF COALESCE(NULLIF(current_setting(CONCAT('lock_writes.', TG_TABLE_NAME), true), ''), 'true') THEN
		RAISE EXCEPTION 'Table: "%" is write protected within this Gitlab database.', TG_TABLE_NAME
			USING ERRCODE = 'modifying_sql_data_not_permitted',
			TABLE = TG_TABLE_NAME,
			HINT = 'Make sure you are using the right database connection';
	END IF;
	RETURN NEW;
END
$$
LANGUAGE PLPGSQL`

func triggerSQL(table string) string {
	return fmt.Sprintf(`CREATE OR REPLACE TRIGGER %s
	BEFORE INSERT OR UPDATE OR DELETE OR TRUNCATE
	ON %s
	FOR EACH STATEMENT EXECUTE FUNCTION %s()`, datastore.QuoteIdent(TriggerName(table)), datastore.QuoteTable(table), FunctionName)
}

func commentSQL(table string, kind Kind) string {
	return fmt.Sprintf("COMMENT ON TRIGGER %s ON %s IS %s",
		datastore.QuoteIdent(TriggerName(table)), datastore.QuoteTable(table), datastore.QuoteLiteral(string(kind)))
}

func dropTriggerSQL(trigger, table string) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", datastore.QuoteIdent(trigger), datastore.QuoteTable(table))
}

// Manager locks and unlocks tables on a single connection.
type Manager struct {
	conn     *router.Connection
	registry *gitlabschema.Registry
	retrier  *lockretry.Coordinator

	dryRun            bool
	skipAutomatic     bool
	statementAttempts int
}

// Option configures a Manager.
type Option func(*Manager)

// WithDryRun makes the Manager report what it would do without changing anything.
func WithDryRun(dryRun bool) Option {
	return func(m *Manager) {
		m.dryRun = dryRun
	}
}

// WithSkipAutomatic disables automatic locking of created and renamed tables.
func WithSkipAutomatic(skip bool) Option {
	return func(m *Manager) {
		m.skipAutomatic = skip
	}
}

// WithStatementTimeoutAttempts sets how many times DDL is attempted when it hits statement_timeout.
func WithStatementTimeoutAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.statementAttempts = n
		}
	}
}

// WithLockRetries sets the coordinator used to acquire the locks needed by the DDL.
func WithLockRetries(c *lockretry.Coordinator) Option {
	return func(m *Manager) {
		m.retrier = c
	}
}

// New returns a Manager for conn.
func New(conn *router.Connection, registry *gitlabschema.Registry, opts ...Option) *Manager {
	m := &Manager{
		conn:              conn,
		registry:          registry,
		statementAttempts: defaultStatementTimeoutAttempts,
	}
	for _, o := range opts {
		o(m)
	}
	if m.retrier == nil {
		m.retrier = lockretry.New(conn.DB)
	}
	return m
}

// Connection returns the connection the Manager operates on.
func (m *Manager) Connection() *router.Connection {
	return m.conn
}

func (m *Manager) result(table string, action Action) *Result {
	metrics.WriteLockAction(m.conn.Name, string(action))
	return &Result{Table: table, Connection: m.conn.Name, Database: m.conn.DB.Address(), Action: action}
}

func (m *Manager) logger(ctx context.Context, r *Result) log.Logger {
	return log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		"table":      r.Table,
		"connection": r.Connection,
		"database":   r.Database,
		"action":     r.Action,
	})
}

// IsLocked reports whether table carries a write-lock trigger.
func (m *Manager) IsLocked(ctx context.Context, table string) (bool, error) {
	return datastore.ExistsTrigger(ctx, datastore.QueryerFromContext(ctx, m.conn.DB), table, TriggerName(table))
}

// LockWrites installs the write-lock trigger on table. Locking an already locked table is a no-op.
func (m *Manager) LockWrites(ctx context.Context, table string) (*Result, error) {
	locked, err := m.IsLocked(ctx, table)
	if err != nil {
		return nil, err
	}
	if locked {
		r := m.result(table, ActionSkipped)
		m.logger(ctx, r).Info("table is already write locked")
		return r, nil
	}
	if m.dryRun {
		r := m.result(table, ActionNeedsLock)
		m.logger(ctx, r).Info("table needs a write lock")
		return r, nil
	}

	hasFunction, err := datastore.ExistsFunction(ctx, datastore.QueryerFromContext(ctx, m.conn.DB), FunctionName)
	if err != nil {
		return nil, err
	}

	err = m.execute(ctx, func(attempt int) []string {
		var stmts []string
		if !hasFunction {
			stmts = append(stmts, functionSQL)
		}
		kind := KindWriteLocked
		if attempt > 1 {
			kind = KindStatementTimeoutProtected
		}
		return append(stmts, triggerSQL(table), commentSQL(table, kind))
	})
	if err != nil {
		return nil, fmt.Errorf("locking writes on %q: %w", table, err)
	}

	r := m.result(table, ActionLocked)
	m.logger(ctx, r).Info("table write locked")
	return r, nil
}

// UnlockWrites drops the write-lock trigger of table. Unlocking a table that is not locked is a no-op.
func (m *Manager) UnlockWrites(ctx context.Context, table string) (*Result, error) {
	locked, err := m.IsLocked(ctx, table)
	if err != nil {
		return nil, err
	}
	if !locked {
		r := m.result(table, ActionSkipped)
		m.logger(ctx, r).Info("table is not write locked")
		return r, nil
	}
	if m.dryRun {
		r := m.result(table, ActionNeedsUnlock)
		m.logger(ctx, r).Info("table needs to be unlocked")
		return r, nil
	}

	err = m.execute(ctx, func(int) []string {
		return []string{dropTriggerSQL(TriggerName(table), table)}
	})
	if err != nil {
		return nil, fmt.Errorf("unlocking writes on %q: %w", table, err)
	}

	r := m.result(table, ActionUnlocked)
	m.logger(ctx, r).Info("table write lock removed")
	return r, nil
}

// execute runs the statements produced by build through the lock-retry coordinator. Outside a transaction the whole
// block is attempted again when it hits statement_timeout. build receives the attempt number.
func (m *Manager) execute(ctx context.Context, build func(attempt int) []string) error {
	run := func(attempt int) error {
		return m.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
			for _, stmt := range build(attempt) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if datastore.InTransaction(ctx) {
		return run(1)
	}

	l := log.GetLogger(log.WithContext(ctx))
	for attempt := 1; ; attempt++ {
		err := run(attempt)
		if err == nil || !datastore.IsQueryCanceled(err) || attempt >= m.statementAttempts {
			return err
		}
		l.WithError(err).WithField("attempt", attempt).Warn("statement timeout while changing write lock, retrying")
	}
}

// Status lists the write-lock triggers installed on the connection.
func (m *Manager) Status(ctx context.Context) ([]LockRecord, error) {
	triggers, err := datastore.TriggersWithPrefix(ctx, datastore.QueryerFromContext(ctx, m.conn.DB), TriggerPrefix)
	if err != nil {
		return nil, err
	}

	records := make([]LockRecord, 0, len(triggers))
	for _, t := range triggers {
		kind := KindWriteLocked
		if t.Comment.Valid && Kind(t.Comment.String) == KindStatementTimeoutProtected {
			kind = KindStatementTimeoutProtected
		}
		records = append(records, LockRecord{Table: t.Table, Connection: m.conn.Name, Kind: kind})
	}
	return records, nil
}

// shouldLock reports whether a table of schema s must be write locked on the connection.
func (m *Manager) shouldLock(s gitlabschema.Schema) bool {
	if s == "" || s.Shared() || s.Internal() {
		return false
	}
	return !m.conn.Serves(s)
}

// AutoLockCreatedTable locks a newly created table when the connection does not serve its schema. An empty schema
// is resolved through the registry. It returns a nil Result when no lock is needed.
func (m *Manager) AutoLockCreatedTable(ctx context.Context, table string, schema gitlabschema.Schema, exempt bool) (*Result, error) {
	l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{"table": table, "connection": m.conn.Name})

	if exempt {
		l.Debug("table is exempt from automatic write locks")
		return nil, nil
	}
	if m.skipAutomatic {
		l.Debug("automatic write locks are disabled")
		return nil, nil
	}
	if schema == "" && m.registry != nil {
		s, err := m.registry.SchemaFor(table)
		if err != nil {
			var unknown *gitlabschema.UnknownSchemaError
			if errors.As(err, &unknown) {
				l.Debug("table has no schema, not locking writes")
				return nil, nil
			}
			return nil, err
		}
		schema = s
	}
	if !m.shouldLock(schema) {
		return nil, nil
	}
	return m.LockWrites(ctx, table)
}

// HandleRename drops the trigger carried over from the table's old name and applies the automatic locking policy
// under the new name.
func (m *Manager) HandleRename(ctx context.Context, oldName, newName string, schema gitlabschema.Schema, exempt bool) (*Result, error) {
	if oldTrigger := TriggerName(oldName); oldTrigger != TriggerName(newName) {
		exists, err := datastore.ExistsTrigger(ctx, datastore.QueryerFromContext(ctx, m.conn.DB), newName, oldTrigger)
		if err != nil {
			return nil, err
		}
		if exists && !m.dryRun {
			err := m.execute(ctx, func(int) []string {
				return []string{dropTriggerSQL(oldTrigger, newName)}
			})
			if err != nil {
				return nil, fmt.Errorf("dropping write lock of renamed table %q: %w", oldName, err)
			}
		}
	}
	return m.AutoLockCreatedTable(ctx, newName, schema, exempt)
}

// LockForeignTables locks every existing registry table whose schema the connection does not serve. Failures are
// collected and reported together.
func (m *Manager) LockForeignTables(ctx context.Context) ([]*Result, error) {
	q := datastore.QueryerFromContext(ctx, m.conn.DB)

	var results []*Result
	var errs *multierror.Error
	for _, table := range m.registry.Tables() {
		s, err := m.registry.SchemaFor(table)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !m.shouldLock(s) {
			continue
		}
		exists, err := datastore.ExistsTable(ctx, q, table)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !exists {
			continue
		}
		r, err := m.LockWrites(ctx, table)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errs.ErrorOrNil()
}

// UnlockAllTables removes every write-lock trigger installed on the connection.
func (m *Manager) UnlockAllTables(ctx context.Context) ([]*Result, error) {
	records, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	var results []*Result
	var errs *multierror.Error
	for _, rec := range records {
		r, err := m.UnlockWrites(ctx, rec.Table)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errs.ErrorOrNil()
}
