// Package database implements the database-guard command line: migrations across every configured database,
// write-lock management, and offline checks of migration files.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/errortracking"
	logkit "gitlab.com/gitlab-org/labkit/log"
	"gitlab.com/gitlab-org/labkit/monitoring"

	"gitlab.com/gitlab-org/database-guard/configuration"
	"gitlab.com/gitlab-org/database-guard/database/bbm"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/lockretry"
	"gitlab.com/gitlab-org/database-guard/database/lockwrites"
	"gitlab.com/gitlab-org/database-guard/database/migrations"
	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/health"
	"gitlab.com/gitlab-org/database-guard/internal/feature"
	"gitlab.com/gitlab-org/database-guard/log"
	"gitlab.com/gitlab-org/database-guard/version"
)

const (
	configurationPathEnv = "DBGUARD_CONFIGURATION_PATH"
	checkTimeout         = 5 * time.Second
	healthCheckInterval  = 10 * time.Second
)

// ErrDictionaryRequired is returned when no database dictionary is configured.
var ErrDictionaryRequired = errors.New("gitlabschema.dictionary must be configured")

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv(configurationPathEnv) != "" {
		configurationPath = os.Getenv(configurationPathEnv)
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	// nolint: gosec
	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configurationPath, err)
	}
	return config, nil
}

// setup resolves the configuration and prepares the command context with logging, error reporting and a
// correlation id identifying the run.
func setup(args []string) (context.Context, *configuration.Configuration, error) {
	config, err := resolveConfiguration(args)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	ctx, err := configureLogging(context.Background(), config)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to configure logging with config: %w", err)
	}
	if err := configureReporting(config); err != nil {
		return nil, nil, err
	}
	if unknown := feature.Unknown(os.Environ()); len(unknown) > 0 {
		log.GetLogger(log.WithContext(ctx)).WithField("variables", unknown).Warn("ignoring unknown feature flags")
	}
	return ctx, config, nil
}

func configureReporting(config *configuration.Configuration) error {
	if !config.Reporting.Sentry.Enabled {
		return nil
	}

	if err := errortracking.Initialize(
		errortracking.WithSentryDSN(config.Reporting.Sentry.DSN),
		errortracking.WithSentryEnvironment(config.Reporting.Sentry.Environment),
		errortracking.WithVersion(version.Version),
	); err != nil {
		return fmt.Errorf("failed to configure Sentry: %w", err)
	}
	return nil
}

// configureLogging prepares the context with a logger using the configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	// LabKit uses ISO 8601 timestamps with millisecond precision instead of the logrus default (RFC3339) when this
	// is set.
	envVar := "GITLAB_ISO8601_LOG_TIMESTAMP"
	if err := os.Setenv(envVar, "true"); err != nil {
		return nil, fmt.Errorf("unable to set environment variable %q: %w", envVar, err)
	}

	// output is never a file, so the io.Closer returned by LabKit is a noop
	if _, err := logkit.Initialize(
		logkit.WithFormatter(config.Log.Formatter.String()),
		logkit.WithLogLevel(config.Log.Level.String()),
		logkit.WithOutputName(config.Log.Output.String()),
	); err != nil {
		return nil, err
	}

	correlationID := correlation.SafeRandomID()
	ctx = correlation.ContextWithCorrelation(ctx, correlationID)

	logger := logrus.NewEntry(logrus.StandardLogger()).WithField(correlation.FieldName, correlationID)
	if len(config.Log.Fields) > 0 {
		logger = logger.WithFields(logrus.Fields(config.Log.Fields))
	}
	return log.WithLogger(ctx, logger), nil
}

func configureMonitoring(ctx context.Context, config *configuration.Configuration, checker *health.ConnectionStatusChecker) ([]monitoring.Option, error) {
	l := log.GetLogger(log.WithContext(ctx))
	addr := config.Debug.Addr

	if addr == "" {
		return []monitoring.Option{
			monitoring.WithoutMetrics(),
			monitoring.WithoutPprof(),
			monitoring.WithoutContinuousProfiling(),
		}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/health", func(w http.ResponseWriter, _ *http.Request) {
		if err := checker.HealthCheck(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/debug/health/db", checker)
	l.WithFields(log.Fields{"address": addr, "path": "/debug/health/db"}).Info("serving database health checker")

	opts := []monitoring.Option{
		monitoring.WithServeMux(mux),
		monitoring.WithoutPprof(),
		monitoring.WithoutContinuousProfiling(),
	}
	if config.Debug.Prometheus.Enabled {
		opts = append(opts,
			monitoring.WithMetricsHandlerPattern(config.Debug.Prometheus.Path),
			monitoring.WithBuildInformation(version.Version, version.BuildTime),
			monitoring.WithBuildExtraLabels(map[string]string{
				"package":  version.Package,
				"revision": version.Revision,
			}),
		)
		l.WithFields(log.Fields{"address": addr, "path": config.Debug.Prometheus.Path}).Info("starting Prometheus listener")
	} else {
		opts = append(opts, monitoring.WithoutMetrics())
	}

	return append(opts, monitoring.WithListener(ln)), nil
}

// startDebugServer serves health checks and metrics in the background while a long running command executes.
func startDebugServer(ctx context.Context, config *configuration.Configuration, r *router.Router) {
	if config.Debug.Addr == "" {
		return
	}

	l := log.GetLogger(log.WithContext(ctx))
	checker := health.NewConnectionStatusChecker(r, healthCheckInterval, checkTimeout, l)
	checker.Start(ctx)

	go func() {
		opts, err := configureMonitoring(ctx, config, checker)
		if err != nil {
			l.WithError(err).Error("failed to configure monitoring service, skipping")
			return
		}
		if err := monitoring.Start(opts...); err != nil {
			l.WithError(err).Error("unable to start monitoring service")
		}
	}()
}

// configuredConnector applies per connection options on top of the ones shared by every connection.
type configuredConnector struct {
	datastore.Connector
	opts map[*datastore.DSN][]datastore.Option
}

func (c *configuredConnector) Open(ctx context.Context, dsn *datastore.DSN, opts ...datastore.Option) (*datastore.DB, error) {
	return c.Connector.Open(ctx, dsn, append(opts, c.opts[dsn]...)...)
}

// offlineConnector creates handles without connecting, for commands that only need the connection topology.
type offlineConnector struct{}

func (offlineConnector) Open(_ context.Context, dsn *datastore.DSN, _ ...datastore.Option) (*datastore.DB, error) {
	db, err := sql.Open("pgx", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("open connection handle failed: %w", err)
	}
	return &datastore.DB{DB: db, DSN: dsn}, nil
}

func routerFromConfig(ctx context.Context, config *configuration.Configuration, connector datastore.Connector) (*router.Router, error) {
	level, err := logrus.ParseLevel(config.Log.Level.String())
	if err != nil {
		return nil, err
	}

	dsns := make(map[string]*datastore.DSN)
	shareWith := make(map[string]string)
	cc := &configuredConnector{Connector: connector, opts: make(map[*datastore.DSN][]datastore.Option)}

	for _, nd := range config.Databases.Named() {
		d := nd.Database
		if d.ShareWith != "" {
			shareWith[nd.Name] = d.ShareWith
			continue
		}
		dsn := &datastore.DSN{
			Host:           d.Host,
			Port:           d.Port,
			User:           d.User,
			Password:       d.Password,
			DBName:         d.DBName,
			SSLMode:        d.SSLMode,
			SSLCert:        d.SSLCert,
			SSLKey:         d.SSLKey,
			SSLRootCert:    d.SSLRootCert,
			ConnectTimeout: d.ConnectTimeout,
		}
		dsns[nd.Name] = dsn
		cc.opts[dsn] = []datastore.Option{
			datastore.WithLogger(logrus.WithFields(logrus.Fields{"database": d.DBName, "connection": nd.Name})),
			datastore.WithPoolConfig(&datastore.PoolConfig{
				MaxIdle:     d.Pool.MaxIdle,
				MaxOpen:     d.Pool.MaxOpen,
				MaxLifetime: d.Pool.MaxLifetime,
				MaxIdleTime: d.Pool.MaxIdleTime,
			}),
			datastore.WithPreparedStatements(d.PreparedStatements),
		}
	}

	return router.Open(ctx, cc, dsns, shareWith, datastore.WithLogLevel(level))
}

func registryFromConfig(config *configuration.Configuration) (*gitlabschema.Registry, error) {
	if config.GitlabSchema.Dictionary == "" {
		return nil, ErrDictionaryRequired
	}

	internal := append([]string{
		config.Migrations.Table,
		migrations.PostDeployTable(config.Migrations.Table),
	}, config.GitlabSchema.InternalTables...)

	return gitlabschema.Load(os.DirFS(config.GitlabSchema.Dictionary), gitlabschema.WithInternalTables(internal...))
}

// environment holds everything a command needs to work on the configured databases.
type environment struct {
	config   *configuration.Configuration
	router   *router.Router
	registry *gitlabschema.Registry
	redis    redis.UniversalClient
}

// newEnvironment opens every configured connection. Online environments check that each physical database is a
// supported primary before returning.
func newEnvironment(ctx context.Context, config *configuration.Configuration, online bool) (*environment, error) {
	registry, err := registryFromConfig(config)
	if err != nil {
		return nil, err
	}

	var connector datastore.Connector = offlineConnector{}
	if online {
		connector = datastore.NewConnector()
	}
	r, err := routerFromConfig(ctx, config, connector)
	if err != nil {
		return nil, fmt.Errorf("failed to construct database connections: %w", err)
	}

	e := &environment{config: config, router: r, registry: registry}
	if !online {
		return e, nil
	}

	if _, err := r.Check(ctx, checkTimeout); err != nil {
		log.GetLogger(log.WithContext(ctx)).WithError(err).Error("database check failed")
		_ = r.Close()
		return nil, err
	}

	if config.Redis.Enabled() {
		e.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{config.Redis.Addr},
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
	}
	return e, nil
}

// Close releases every connection of the environment.
func (e *environment) Close() error {
	var errs *multierror.Error
	if err := e.router.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing redis client: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

// connections returns the connection named name, or all of them when name is empty.
func (e *environment) connections(name string) ([]*router.Connection, error) {
	if name == "" {
		return e.router.Connections(), nil
	}
	c, ok := e.router.Connection(name)
	if !ok {
		return nil, fmt.Errorf("connection %q is not configured", name)
	}
	return []*router.Connection{c}, nil
}

func (e *environment) lockRetries(conn *router.Connection) *lockretry.Coordinator {
	lr := e.config.LockRetries
	return lockretry.New(conn.DB, lockretry.WithPolicy(lockretry.Policy{
		MaxAttempts:       lr.MaxAttempts,
		BackoffBase:       lr.BackoffBase,
		BackoffMultiplier: lr.BackoffMultiplier,
		MaxBackoff:        lr.MaxBackoff,
		LockTimeout:       lr.LockTimeout,
		MaxLockTimeout:    lr.MaxLockTimeout,
		RaiseOnExhaustion: lr.RaiseOnExhaustion,
	}))
}

func (e *environment) lockWritesOptions(dryRun bool) []lockwrites.Option {
	return []lockwrites.Option{
		lockwrites.WithDryRun(dryRun),
		lockwrites.WithSkipAutomatic(e.config.LockWrites.SkipAutomatic || feature.SkipAutomaticLockOnWrites.Enabled()),
		lockwrites.WithStatementTimeoutAttempts(e.config.LockWrites.StatementTimeoutRetries),
	}
}

func (e *environment) lockWrites(conn *router.Connection, dryRun bool) *lockwrites.Manager {
	opts := append(e.lockWritesOptions(dryRun), lockwrites.WithLockRetries(e.lockRetries(conn)))
	return lockwrites.New(conn, e.registry, opts...)
}

func (e *environment) backfillWorker(ctx context.Context, conn *router.Connection, progress bbm.ProgressFunc) *bbm.Worker {
	b := e.config.Backfill
	opts := []bbm.WorkerOption{
		bbm.WithLogger(log.GetLogger(log.WithContext(ctx)).WithField("connection", conn.Name)),
		bbm.WithBatchSize(b.BatchSize),
		bbm.WithMaxBatchSize(b.MaxBatchSize),
		bbm.WithMaxAttempts(b.MaxAttempts),
		bbm.WithRateLimit(b.RateLimit),
	}
	if feature.WALThrottling.Enabled() {
		opts = append(opts, bbm.WithWALPressureCheck(b.WALThreshold))
	}
	if progress != nil {
		opts = append(opts, bbm.WithProgress(progress))
	}
	return bbm.NewWorker(conn.DB, opts...)
}

func (e *environment) lease(conn *router.Connection, name string) migrations.Lease {
	switch {
	case !feature.RunLease.Enabled():
		return migrations.NoLease
	case e.redis != nil:
		return migrations.NewRedisLease(e.redis, conn.Name+":"+name, e.config.Redis.LeaseTTL)
	default:
		// the migrator defaults to an advisory lock on the connection
		return nil
	}
}

func loadMigrations(registered []*migrations.Migration, dir string) ([]*migrations.Migration, error) {
	mm := append([]*migrations.Migration(nil), registered...)
	if dir == "" {
		return mm, nil
	}
	files, err := migrations.LoadFiles(os.DirFS(dir))
	if err != nil {
		return nil, err
	}
	return append(mm, files...), nil
}

// migratorOptions describes which migrators to build for a connection.
type migratorOptions struct {
	pre, post bool
	progress  bbm.ProgressFunc
}

// migrators returns the pre and post-deployment migrators of a connection, in that order.
func (e *environment) migrators(ctx context.Context, conn *router.Connection, o migratorOptions) ([]*migrations.Migrator, error) {
	type source struct {
		name       string
		enabled    bool
		registered []*migrations.Migration
		dir        string
	}

	retrier := e.lockRetries(conn)
	worker := e.backfillWorker(ctx, conn, o.progress)

	var out []*migrations.Migrator
	for _, s := range []source{
		{name: migrations.PreDeployTypeName, enabled: o.pre, registered: migrations.AllPreMigrations(), dir: e.config.Migrations.PreDirectory},
		{name: migrations.PostDeployTypeName, enabled: o.post, registered: migrations.AllPostMigrations(), dir: e.config.Migrations.PostDirectory},
	} {
		if !s.enabled {
			continue
		}
		mm, err := loadMigrations(s.registered, s.dir)
		if err != nil {
			return nil, fmt.Errorf("loading %s migrations: %w", s.name, err)
		}

		opts := []migrations.MigratorOption{
			migrations.WithName(s.name),
			migrations.WithTable(e.config.Migrations.Table),
			migrations.WithLockRetries(retrier),
			migrations.WithBackfillWorker(worker),
			migrations.WithLockWritesOptions(e.lockWritesOptions(false)...),
		}
		if l := e.lease(conn, s.name); l != nil {
			opts = append(opts, migrations.WithLease(l))
		}

		m, err := migrations.NewMigrator(conn, e.registry, mm, opts...)
		if err != nil {
			return nil, fmt.Errorf("building %s migrator for %s: %w", s.name, conn.Name, err)
		}
		out = append(out, m)
	}
	return out, nil
}

var barOptions = []progressbar.Option{
	progressbar.OptionSetElapsedTime(true),
	progressbar.OptionShowCount(),
	progressbar.OptionSetPredictTime(false),
	progressbar.OptionShowElapsedTimeOnFinish(),
	progressbar.OptionShowDescriptionAtLineEnd(),
	progressbar.OptionShowIts(),
	progressbar.OptionSetItsString("rows"),
	progressbar.OptionSetTheme(progressbar.Theme{
		Saucer:        "=",
		SaucerHead:    ">",
		SaucerPadding: " ",
		BarStart:      "[",
		BarEnd:        "]",
	}),
}

// backfillProgress renders column backfills as progress bars, one bar per backfill.
type backfillProgress struct {
	mu      sync.Mutex
	visible bool
	bar     *progressbar.ProgressBar
}

func (p *backfillProgress) update(updated, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil {
		opts := make([]progressbar.Option, len(barOptions), len(barOptions)+2)
		copy(opts, barOptions)
		opts = append(opts,
			progressbar.OptionSetDescription("backfilling"),
			progressbar.OptionSetVisibility(p.visible),
		)
		p.bar = progressbar.NewOptions64(total, opts...)
	}
	_ = p.bar.Set64(updated)

	if updated >= total {
		_ = p.bar.Finish()
		_ = p.bar.Close()
		p.bar = nil
	}
}
