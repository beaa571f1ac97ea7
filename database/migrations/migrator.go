package migrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/gitlab-org/database-guard/database/bbm"
	"gitlab.com/gitlab-org/database-guard/database/columns"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/lockretry"
	"gitlab.com/gitlab-org/database-guard/database/lockwrites"
	"gitlab.com/gitlab-org/database-guard/database/restrict"
	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/internal"
	"gitlab.com/gitlab-org/database-guard/log"
)

const (
	dialect             = "postgres"
	defaultTable        = "schema_migrations"
	postDeployPrefix    = "post_deploy_"
	upDirectionLabel    = "up"
	downDirectionLabel  = "down"
	defaultLeasePrefix  = "database-guard-migrations"
	skippedLogMessage   = "migration is restricted to a schema the connection does not serve, skipping"
	abandonedLogMessage = "migration abandoned"
)

// PostDeployTable returns the bookkeeping table of post-deployment migrations for a pre-deployment table.
func PostDeployTable(table string) string {
	return postDeployPrefix + table
}

// SystemClock stamps applied migrations.
var SystemClock internal.Clock = clock.New()

// PureMigrator is the interface shared by the pre and post-deployment migrators of every connection.
type PureMigrator interface {
	Name() string
	Connection() *router.Connection
	Version() (string, error)
	HasPending() (bool, error)
	UpNPlan(max int) ([]string, error)
	UpN(ctx context.Context, max int) (MigrationResult, error)
	DownNPlan(max int) ([]string, error)
	DownN(ctx context.Context, max int) (int, error)
	Status() (map[string]*MigrationStatus, error)
}

// MigrationResult reports the outcome of an up run.
type MigrationResult struct {
	AppliedCount int
	// Skipped lists the migrations recorded as applied without running, because the connection does not serve the
	// schema they are restricted to.
	Skipped []string
}

// MigrationStatus is the status of a single migration.
type MigrationStatus struct {
	// Unknown is set for applied migrations missing from the source.
	Unknown   bool
	AppliedAt *time.Time
}

// Migrator applies a set of migrations on one connection.
type Migrator struct {
	name       string
	conn       *router.Connection
	registry   *gitlabschema.Registry
	migrations []*Migration
	byID       map[string]*Migration
	table      string
	lease      Lease

	locks         *lockwrites.Manager
	lockWriteOpts []lockwrites.Option
	retrier       *lockretry.Coordinator
	worker        *bbm.Worker
	columnOpts    []columns.Option
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithName sets the migrator name. Defaults to PreDeployTypeName.
func WithName(name string) MigratorOption {
	return func(m *Migrator) {
		m.name = name
	}
}

// WithTable sets the bookkeeping table. Post-deployment migrators prefix it with "post_deploy_".
func WithTable(table string) MigratorOption {
	return func(m *Migrator) {
		m.table = table
	}
}

// WithLease sets the lease taken for the duration of UpN and DownN. Defaults to a PostgreSQL advisory lock.
func WithLease(l Lease) MigratorOption {
	return func(m *Migrator) {
		m.lease = l
	}
}

// WithLockWritesOptions configures the write-lock manager applying automatic locks.
func WithLockWritesOptions(opts ...lockwrites.Option) MigratorOption {
	return func(m *Migrator) {
		m.lockWriteOpts = append(m.lockWriteOpts, opts...)
	}
}

// WithLockRetries sets the lock-retry coordinator migrations run through.
func WithLockRetries(c *lockretry.Coordinator) MigratorOption {
	return func(m *Migrator) {
		m.retrier = c
	}
}

// WithBackfillWorker sets the worker column transitions backfill through.
func WithBackfillWorker(w *bbm.Worker) MigratorOption {
	return func(m *Migrator) {
		m.worker = w
	}
}

// WithColumnOptions configures the column transition engine handed to migrations.
func WithColumnOptions(opts ...columns.Option) MigratorOption {
	return func(m *Migrator) {
		m.columnOpts = append(m.columnOpts, opts...)
	}
}

// NewMigrator returns a Migrator applying migrations on conn.
func NewMigrator(conn *router.Connection, registry *gitlabschema.Registry, migrations []*Migration, opts ...MigratorOption) (*Migrator, error) {
	sorted, err := sortMigrations(migrations)
	if err != nil {
		return nil, err
	}

	m := &Migrator{
		name:       PreDeployTypeName,
		conn:       conn,
		registry:   registry,
		migrations: sorted,
		byID:       make(map[string]*Migration, len(sorted)),
		table:      defaultTable,
	}
	for _, o := range opts {
		o(m)
	}
	for _, mig := range sorted {
		m.byID[mig.Id] = mig
	}

	if m.name == PostDeployTypeName {
		m.table = PostDeployTable(m.table)
	}
	if m.retrier == nil {
		m.retrier = lockretry.New(conn.DB)
	}
	if m.worker == nil {
		m.worker = bbm.NewWorker(conn.DB)
	}
	m.locks = lockwrites.New(conn, registry, append([]lockwrites.Option{lockwrites.WithLockRetries(m.retrier)}, m.lockWriteOpts...)...)
	if m.lease == nil {
		m.lease = &AdvisoryLease{DB: conn.DB, Key: fmt.Sprintf("%s:%s:%s", defaultLeasePrefix, m.name, m.table)}
	}
	return m, nil
}

// Name returns the migrator name.
func (m *Migrator) Name() string {
	return m.name
}

// Connection returns the connection migrations are applied on.
func (m *Migrator) Connection() *router.Connection {
	return m.conn
}

// Table returns the bookkeeping table.
func (m *Migrator) Table() string {
	return m.table
}

func (m *Migrator) migrationSet() *migrate.MigrationSet {
	return &migrate.MigrationSet{TableName: m.table}
}

func (m *Migrator) source() *migrate.MemoryMigrationSource {
	src := &migrate.MemoryMigrationSource{Migrations: make([]*migrate.Migration, 0, len(m.migrations))}
	for _, mig := range m.migrations {
		src.Migrations = append(src.Migrations, mig.Migration)
	}
	return src
}

func (m *Migrator) plan(dir migrate.MigrationDirection, max int) ([]*migrate.PlannedMigration, error) {
	planned, _, err := m.migrationSet().PlanMigration(m.conn.DB.DB, dialect, m.source(), dir, max)
	if err != nil {
		return nil, fmt.Errorf("planning %s migrations on %s: %w", m.name, m.conn.Name, err)
	}
	return planned, nil
}

func ids(planned []*migrate.PlannedMigration) []string {
	out := make([]string, 0, len(planned))
	for _, p := range planned {
		out = append(out, p.Id)
	}
	return out
}

// UpNPlan lists the ids of up to max pending migrations. A max of 0 means all.
func (m *Migrator) UpNPlan(max int) ([]string, error) {
	planned, err := m.plan(migrate.Up, max)
	if err != nil {
		return nil, err
	}
	return ids(planned), nil
}

// DownNPlan lists the ids of up to max applied migrations UpN would revert. A max of 0 means all.
func (m *Migrator) DownNPlan(max int) ([]string, error) {
	planned, err := m.plan(migrate.Down, max)
	if err != nil {
		return nil, err
	}
	return ids(planned), nil
}

// HasPending reports whether any migration is pending.
func (m *Migrator) HasPending() (bool, error) {
	planned, err := m.plan(migrate.Up, 0)
	if err != nil {
		return false, err
	}
	return len(planned) > 0, nil
}

// Version returns the id of the last applied migration, empty when none was applied.
func (m *Migrator) Version() (string, error) {
	records, err := m.migrationSet().GetMigrationRecords(m.conn.DB.DB, dialect)
	if err != nil {
		return "", fmt.Errorf("reading %s migration records on %s: %w", m.name, m.conn.Name, err)
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[len(records)-1].Id, nil
}

// Status returns the status of every known and every applied migration, keyed by id.
func (m *Migrator) Status() (map[string]*MigrationStatus, error) {
	records, err := m.migrationSet().GetMigrationRecords(m.conn.DB.DB, dialect)
	if err != nil {
		return nil, fmt.Errorf("reading %s migration records on %s: %w", m.name, m.conn.Name, err)
	}

	statuses := make(map[string]*MigrationStatus, len(m.migrations))
	for _, mig := range m.migrations {
		statuses[mig.Id] = &MigrationStatus{}
	}
	for _, r := range records {
		appliedAt := r.AppliedAt
		s, ok := statuses[r.Id]
		if !ok {
			s = &MigrationStatus{Unknown: true}
			statuses[r.Id] = s
		}
		s.AppliedAt = &appliedAt
	}
	return statuses, nil
}

// UpN applies up to max pending migrations in order. A max of 0 means all.
func (m *Migrator) UpN(ctx context.Context, max int) (MigrationResult, error) {
	var res MigrationResult
	err := m.withLease(ctx, func(ctx context.Context) error {
		planned, err := m.plan(migrate.Up, max)
		if err != nil {
			return err
		}
		for _, p := range planned {
			skipped, err := m.run(ctx, p, migrate.Up)
			if err != nil {
				return err
			}
			res.AppliedCount++
			if skipped {
				res.Skipped = append(res.Skipped, p.Id)
			}
		}
		return nil
	})
	return res, err
}

// DownN reverts up to max applied migrations, most recent first. A max of 0 means all.
func (m *Migrator) DownN(ctx context.Context, max int) (int, error) {
	var n int
	err := m.withLease(ctx, func(ctx context.Context) error {
		planned, err := m.plan(migrate.Down, max)
		if err != nil {
			return err
		}
		for _, p := range planned {
			if _, err := m.run(ctx, p, migrate.Down); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (m *Migrator) withLease(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	release, err := m.lease.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rErr := release(context.WithoutCancel(ctx)); rErr != nil {
			err = errors.Join(err, rErr)
		}
	}()
	return fn(ctx)
}

// run applies or reverts a planned migration and records the outcome. It reports whether the migration was skipped.
func (m *Migrator) run(ctx context.Context, p *migrate.PlannedMigration, dir migrate.MigrationDirection) (bool, error) {
	mig, ok := m.byID[p.Id]
	if !ok {
		return false, fmt.Errorf("unknown migration %s", p.Id)
	}

	direction := upDirectionLabel
	if dir == migrate.Down {
		direction = downDirectionLabel
	}
	l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		"migration":      mig.Id,
		"migration_type": m.name,
		"connection":     m.conn.Name,
		"direction":      direction,
	})
	ctx = log.WithLogger(ctx, l)

	if !restrict.Applicable(m.conn, mig.RestrictGitlabSchema) {
		l.WithFields(log.Fields{"gitlab_schema": mig.RestrictGitlabSchema}).Info(skippedLogMessage)
		skippedCounter.WithValues(m.conn.Name).Inc()
		return true, m.record(ctx, m.conn.DB, mig.Id, dir)
	}

	if mig.AllowCrossSchemaReads != "" {
		var err error
		if ctx, err = restrict.AllowCrossSchemaReads(ctx, mig.AllowCrossSchemaReads); err != nil {
			return false, err
		}
	}

	h := newHelpers(m, mig)
	body := func(ctx context.Context) error {
		if dir == migrate.Down {
			return mig.Down(ctx, h)
		}
		return mig.Up(ctx, h)
	}

	start := time.Now()
	l.Info("running migration")

	var err error
	switch {
	case p.DisableTransaction:
		if err = body(ctx); err == nil {
			err = m.record(ctx, m.conn.DB, mig.Id, dir)
		}
	case mig.DisableLockRetries:
		err = m.retrier.RunWithoutRetries(ctx, func(ctx context.Context, tx datastore.Transactor) error {
			if err := body(ctx); err != nil {
				return err
			}
			return m.record(ctx, tx, mig.Id, dir)
		})
	default:
		err = m.retrier.Run(ctx, func(ctx context.Context, tx datastore.Transactor) error {
			if err := body(ctx); err != nil {
				return err
			}
			return m.record(ctx, tx, mig.Id, dir)
		}, lockretry.WithRaiseOnExhaustion(true))
	}
	if err != nil {
		l.WithError(err).Error(abandonedLogMessage)
		return false, fmt.Errorf("migration %s on %s: %w", mig.Id, m.conn.Name, err)
	}

	runTimer.WithValues(m.name, direction).UpdateSince(start)
	appliedCounter.WithValues(m.name, direction).Inc()
	l.WithFields(log.Fields{
		"duration_s": time.Since(start).Seconds(),
		"operations": len(h.Operations()),
	}).Info("migration complete")
	return false, nil
}

func (m *Migrator) record(ctx context.Context, q datastore.Queryer, id string, dir migrate.MigrationDirection) error {
	var err error
	if dir == migrate.Down {
		_, err = q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", datastore.QuoteIdent(m.table)), id)
	} else {
		_, err = q.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, applied_at) VALUES ($1, $2)", datastore.QuoteIdent(m.table)), id, SystemClock.Now())
	}
	if err != nil {
		return fmt.Errorf("recording migration %s: %w", id, err)
	}
	return nil
}
