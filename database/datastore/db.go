//go:generate mockgen -package mocks -destination mocks/db.go . Connector

// Package datastore holds the database access layer shared by every database-guard component: connection
// management, the Queryer/Transactor abstractions, PostgreSQL error inspection and catalog probes.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/sirupsen/logrus"
)

const driverName = "pgx"

// Queryer is the common interface to execute queries on a database.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Transactor wraps a database transaction.
type Transactor interface {
	Queryer
	Commit() error
	Rollback() error
}

// Handler represents a database connection handler.
type Handler interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error)
	Close() error
}

// DB implements Handler.
type DB struct {
	*sql.DB
	DSN *DSN
}

// BeginTx wraps sql.Tx from the embedded sql.DB into a Transactor.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx}, nil
}

// Begin wraps sql.Tx from the embedded sql.DB into a Transactor.
func (db *DB) Begin() (Transactor, error) {
	return db.BeginTx(context.Background(), nil)
}

// Address returns the database host network address.
func (db *DB) Address() string {
	if db.DSN == nil {
		return ""
	}
	return db.DSN.Address()
}

// Tx implements Transactor.
type Tx struct {
	*sql.Tx
}

// DSN represents the Data Source Name parameters for a DB connection.
type DSN struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	SSLCert        string
	SSLKey         string
	SSLRootCert    string
	ConnectTimeout time.Duration
}

// String builds the string representation of a DSN.
func (dsn *DSN) String() string {
	var params []string

	port := ""
	if dsn.Port > 0 {
		port = strconv.Itoa(dsn.Port)
	}
	connectTimeout := ""
	if dsn.ConnectTimeout > 0 {
		connectTimeout = fmt.Sprintf("%.0f", dsn.ConnectTimeout.Seconds())
	}

	for _, param := range []struct{ k, v string }{
		{"host", dsn.Host},
		{"port", port},
		{"user", dsn.User},
		{"password", dsn.Password},
		{"dbname", dsn.DBName},
		{"sslmode", dsn.SSLMode},
		{"sslcert", dsn.SSLCert},
		{"sslkey", dsn.SSLKey},
		{"sslrootcert", dsn.SSLRootCert},
		{"connect_timeout", connectTimeout},
	} {
		if param.v == "" {
			continue
		}

		param.v = strings.ReplaceAll(param.v, `'`, `\'`)
		param.v = strings.ReplaceAll(param.v, ` `, `\ `)

		params = append(params, param.k+"="+param.v)
	}

	return strings.Join(params, " ")
}

// Address returns the host:port segment of a DSN.
func (dsn *DSN) Address() string {
	return dsn.Host + ":" + strconv.Itoa(dsn.Port)
}

// SameDatabase reports whether two DSNs point at the same physical database.
func (dsn *DSN) SameDatabase(other *DSN) bool {
	if dsn == nil || other == nil {
		return false
	}
	return dsn.Address() == other.Address() && dsn.DBName == other.DBName
}

type opts struct {
	logger             *logrus.Entry
	logLevel           tracelog.LogLevel
	pool               *PoolConfig
	preparedStatements bool
}

// PoolConfig represents the configuration for the database connection pool.
type PoolConfig struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Option is used to configure the database connections.
type Option func(*opts)

// WithLogger configures the logger for the database connection driver.
func WithLogger(l *logrus.Entry) Option {
	return func(opts *opts) {
		opts.logger = l
	}
}

// WithLogLevel configures the logger level for the database connection driver.
func WithLogLevel(l logrus.Level) Option {
	var lvl tracelog.LogLevel
	switch l {
	case logrus.TraceLevel:
		lvl = tracelog.LogLevelTrace
	case logrus.DebugLevel:
		lvl = tracelog.LogLevelDebug
	case logrus.InfoLevel:
		lvl = tracelog.LogLevelInfo
	case logrus.WarnLevel:
		lvl = tracelog.LogLevelWarn
	default:
		lvl = tracelog.LogLevelError
	}

	return func(opts *opts) {
		opts.logLevel = lvl
	}
}

// WithPoolConfig configures the settings for the database connection pool.
func WithPoolConfig(c *PoolConfig) Option {
	return func(opts *opts) {
		opts.pool = c
	}
}

// WithPreparedStatements configures the settings to allow the database
// driver to use prepared statements.
func WithPreparedStatements(b bool) Option {
	return func(opts *opts) {
		opts.preparedStatements = b
	}
}

var defaultLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func applyOptions(input []Option) opts {
	config := opts{
		logger:   logrus.NewEntry(defaultLogger),
		logLevel: tracelog.LogLevelNone,
		pool:     &PoolConfig{},
	}

	for _, v := range input {
		v(&config)
	}

	return config
}

// traceLogger adapts a logrus entry to the pgx tracelog.Logger interface.
type traceLogger struct {
	*logrus.Entry
}

// Log implements tracelog.Logger.
func (l *traceLogger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	entry := l.WithFields(data)
	switch level {
	case tracelog.LogLevelTrace:
		entry.Trace(msg)
	case tracelog.LogLevelDebug:
		entry.Debug(msg)
	case tracelog.LogLevelInfo:
		entry.Info(msg)
	case tracelog.LogLevelWarn:
		entry.Warn(msg)
	case tracelog.LogLevelError:
		entry.Error(msg)
	default:
		entry.Error(msg)
	}
}

// Connector is an interface for opening database connections. This enables testing how the router opens its
// connections.
type Connector interface {
	Open(ctx context.Context, dsn *DSN, opts ...Option) (*DB, error)
}

type sqlConnector struct{}

// NewConnector creates a new sqlConnector.
func NewConnector() Connector {
	return &sqlConnector{}
}

// Open opens a new database connection with the given DSN and options.
func (*sqlConnector) Open(ctx context.Context, dsn *DSN, opts ...Option) (*DB, error) {
	config := applyOptions(opts)

	pgxConfig, err := pgx.ParseConfig(dsn.String())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string failed: %w", err)
	}
	pgxConfig.Tracer = &tracelog.TraceLog{
		Logger:   &traceLogger{config.logger},
		LogLevel: config.logLevel,
	}
	if !config.preparedStatements {
		// With prepared statements disabled (default) we fall back to the simple protocol, which is compatible with
		// transaction pooling connection proxies.
		pgxConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	connStr := stdlib.RegisterConnConfig(pgxConfig)
	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, fmt.Errorf("open connection handle failed: %w", err)
	}

	db.SetMaxOpenConns(config.pool.MaxOpen)
	db.SetMaxIdleConns(config.pool.MaxIdle)
	db.SetConnMaxLifetime(config.pool.MaxLifetime)
	db.SetConnMaxIdleTime(config.pool.MaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	return &DB{DB: db, DSN: dsn}, nil
}

// minPostgresVersion is the lowest server_version_num accepted. CREATE OR REPLACE TRIGGER requires 14.
const minPostgresVersion = 140000

// IsDBSupported checks whether the database server version is supported.
func IsDBSupported(ctx context.Context, db Queryer) (bool, error) {
	var supported bool
	q := "SELECT current_setting('server_version_num')::integer >= $1"
	if err := db.QueryRowContext(ctx, q, minPostgresVersion).Scan(&supported); err != nil {
		return false, fmt.Errorf("checking database server version: %w", err)
	}
	return supported, nil
}

// IsInRecovery checks whether the database is a replica in recovery mode. Migrations are refused on replicas.
func IsInRecovery(ctx context.Context, db Queryer) (bool, error) {
	var inRecovery bool
	if err := db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return false, fmt.Errorf("checking recovery status: %w", err)
	}
	return inRecovery, nil
}

// ErrNilHandler is returned when an operation needs a database handle and none was provided.
var ErrNilHandler = errors.New("nil database handler")
