package configuration

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Configuration is a versioned database-guard configuration, intended to be provided by a yaml file, and
// optionally modified by environment variables.
//
// Note that yaml field names should never include _ characters, since this is the separator used
// in environment variable names.
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log struct {
		// Level is the granularity at which operations are logged.
		// Options include "error", "warn", "info", "debug" and "trace". The
		// default is "info".
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter sets the format of logging output. Options include "text" and "json". The default is "json".
		Formatter logFormat `yaml:"formatter,omitempty"`

		// Output sets the output destination. Options include "stderr" and
		// "stdout". The default is "stdout".
		Output logOutput `yaml:"output,omitempty"`

		// Fields allows users to specify static string fields to include in
		// the logger context.
		Fields map[string]any `yaml:"fields,omitempty"`
	} `yaml:"log"`

	// Databases configures the logical database connections.
	Databases Databases `yaml:"databases"`

	// GitlabSchema configures the table to schema dictionary.
	GitlabSchema GitlabSchema `yaml:"gitlabschema,omitempty"`

	// Migrations configures migration bookkeeping and sources.
	Migrations Migrations `yaml:"migrations,omitempty"`

	// LockWrites configures write-locking of tables on databases that do not own them.
	LockWrites LockWrites `yaml:"lockwrites,omitempty"`

	// LockRetries configures the lock-retry coordinator used by DDL.
	LockRetries LockRetries `yaml:"lockretries,omitempty"`

	// Backfill configures batched column backfills.
	Backfill Backfill `yaml:"backfill,omitempty"`

	// Redis configures the optional run lease backend.
	Redis Redis `yaml:"redis,omitempty"`

	// Reporting is the configuration for error reporting
	Reporting Reporting `yaml:"reporting,omitempty"`

	// Debug configures the debug server exposing Prometheus metrics.
	Debug Debug `yaml:"debug,omitempty"`
}

// Logical connection names.
const (
	ConnectionMain = "main"
	ConnectionCI   = "ci"
	ConnectionGeo  = "geo"
)

// Databases holds one entry per logical connection. Main is required.
type Databases struct {
	Main Database `yaml:"main"`
	CI   Database `yaml:"ci,omitempty"`
	Geo  Database `yaml:"geo,omitempty"`
}

// Named returns the configured connections keyed by name, in main, ci, geo order.
func (d Databases) Named() []NamedDatabase {
	var out []NamedDatabase
	for _, nd := range []NamedDatabase{
		{Name: ConnectionMain, Database: d.Main},
		{Name: ConnectionCI, Database: d.CI},
		{Name: ConnectionGeo, Database: d.Geo},
	} {
		if nd.Database.Configured() {
			out = append(out, nd)
		}
	}
	return out
}

// NamedDatabase pairs a connection name with its settings.
type NamedDatabase struct {
	Name     string
	Database Database
}

// Database is the configuration for a single connection to a PostgreSQL database.
type Database struct {
	// Host is the database server hostname.
	Host string `yaml:"host,omitempty"`
	// Port is the database server port.
	Port int `yaml:"port,omitempty"`
	// User is the database username.
	User string `yaml:"user,omitempty"`
	// Password is the database password.
	Password string `yaml:"password,omitempty"`
	// DBName is the database name.
	DBName string `yaml:"dbname,omitempty"`
	// SSLMode is the SSL mode. see https://www.postgresql.org/docs/current/libpq-ssl.html#LIBPQ-SSL-SSLMODE-STATEMENTS
	SSLMode string `yaml:"sslmode,omitempty"`
	// SSLCert is the PEM encoded certificate file path.
	SSLCert string `yaml:"sslcert,omitempty"`
	// SSLKey is the PEM encoded key file path.
	SSLKey string `yaml:"sslkey,omitempty"`
	// SSLRootCert is the PEM encoded root certificate file path.
	SSLRootCert string `yaml:"sslrootcert,omitempty"`
	// ConnectTimeout is the maximum wait for connection. Zero or not specified means wait indefinitely.
	ConnectTimeout time.Duration `yaml:"connecttimeout,omitempty"`
	// PreparedStatements can be used to enable prepared statements. Defaults to false.
	PreparedStatements bool `yaml:"preparedstatements,omitempty"`
	// ShareWith names another connection whose physical database this connection shares. Only "main" is accepted.
	ShareWith string `yaml:"sharewith,omitempty"`
	// Pool configures the behavior of the database connection pool.
	Pool DatabasePool `yaml:"pool,omitempty"`
}

// DatabasePool configures the behavior of a database connection pool.
type DatabasePool struct {
	// MaxIdle sets the maximum number of connections in the idle connection pool. If MaxOpen is less than MaxIdle,
	// then MaxIdle is reduced to match the MaxOpen limit. Defaults to 0 (no idle connections).
	MaxIdle int `yaml:"maxidle,omitempty"`
	// MaxOpen sets the maximum number of open connections to the database. If MaxOpen is less than MaxIdle, then
	// MaxIdle is reduced to match the MaxOpen limit. Defaults to 0 (unlimited).
	MaxOpen int `yaml:"maxopen,omitempty"`
	// MaxLifetime sets the maximum amount of time a connection may be reused. Expired connections may be closed
	// lazily before reuse. Defaults to 0 (unlimited).
	MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
	// MaxIdleTime is the maximum amount of time a connection may be idle. Expired connections may be closed lazily
	// before reuse. Defaults to 0 (unlimited).
	MaxIdleTime time.Duration `yaml:"maxidletime,omitempty"`
}

// Configured returns true when the connection has its own host or shares another connection's database.
func (d Database) Configured() bool {
	return d.Host != "" || d.ShareWith != ""
}

// GitlabSchema configures the table dictionary.
type GitlabSchema struct {
	// Dictionary is the directory holding the db/docs style dictionary.
	Dictionary string `yaml:"dictionary,omitempty"`
	// InternalTables lists additional bookkeeping tables resolved to gitlab_internal.
	InternalTables []string `yaml:"internaltables,omitempty"`
}

// Migrations configures migration bookkeeping.
type Migrations struct {
	// Table is the bookkeeping table name. Defaults to "schema_migrations".
	Table string `yaml:"table,omitempty"`
	// PreDirectory holds pre-deployment SQL migration files.
	PreDirectory string `yaml:"predirectory,omitempty"`
	// PostDirectory holds post-deployment SQL migration files.
	PostDirectory string `yaml:"postdirectory,omitempty"`
}

// LockWrites configures the write-lock manager.
type LockWrites struct {
	// SkipAutomatic disables locking of newly created tables.
	SkipAutomatic bool `yaml:"skipautomatic,omitempty"`
	// StatementTimeoutRetries is the number of retries on statement timeout. Defaults to 5.
	StatementTimeoutRetries int `yaml:"statementtimeoutretries,omitempty"`
}

// LockRetries configures the lock-retry coordinator.
type LockRetries struct {
	MaxAttempts       int           `yaml:"maxattempts,omitempty"`
	BackoffBase       time.Duration `yaml:"backoffbase,omitempty"`
	BackoffMultiplier float64       `yaml:"backoffmultiplier,omitempty"`
	MaxBackoff        time.Duration `yaml:"maxbackoff,omitempty"`
	LockTimeout       time.Duration `yaml:"locktimeout,omitempty"`
	MaxLockTimeout    time.Duration `yaml:"maxlocktimeout,omitempty"`
	// RaiseOnExhaustion returns an error once all attempts are used. When false, the block is abandoned with a
	// warning.
	RaiseOnExhaustion bool `yaml:"raiseonexhaustion,omitempty"`
}

// Backfill configures batched backfills.
type Backfill struct {
	// BatchSize forces a batch size. Zero derives it from the table size.
	BatchSize int `yaml:"batchsize,omitempty"`
	// MaxBatchSize caps the derived batch size. Defaults to 1000.
	MaxBatchSize int `yaml:"maxbatchsize,omitempty"`
	// RateLimit is the maximum number of batches per second. Zero means unlimited.
	RateLimit float64 `yaml:"ratelimit,omitempty"`
	// WALThreshold is the number of pending WAL segments above which batches are delayed. Defaults to 42.
	WALThreshold int `yaml:"walthreshold,omitempty"`
	// MaxAttempts is the number of attempts per batch. Defaults to 5.
	MaxAttempts int `yaml:"maxattempts,omitempty"`
}

// Redis configures the Redis run lease.
type Redis struct {
	// Addr specifies the redis instance address.
	Addr string `yaml:"addr,omitempty"`
	// Password string to use when making a connection.
	Password string `yaml:"password,omitempty"`
	// DB specifies the database to connect to on the redis instance.
	DB int `yaml:"db,omitempty"`
	// LeaseTTL is the lifetime of the run lease, refreshed while a run is in progress. Defaults to 1m.
	LeaseTTL time.Duration `yaml:"leasettl,omitempty"`
}

// Enabled returns true when a Redis address is configured.
func (r Redis) Enabled() bool {
	return r.Addr != ""
}

// Debug configures the debug server.
type Debug struct {
	// Addr specifies the bind address for the debug server.
	Addr string `yaml:"addr,omitempty"`
	// Prometheus configures the Prometheus telemetry endpoint.
	Prometheus struct {
		Enabled bool   `yaml:"enabled,omitempty"`
		Path    string `yaml:"path,omitempty"`
	} `yaml:"prometheus,omitempty"`
}

// v0_1Configuration is a Version 0.1 Configuration struct
// This is currently aliased to Configuration, as it is the current version
type v0_1Configuration Configuration

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which operations are logged. This can be "error", "warn", "info", "debug" or "trace".
type Loglevel string

const (
	LogLevelError   Loglevel = "error"
	LogLevelWarn    Loglevel = "warn"
	LogLevelInfo    Loglevel = "info"
	LogLevelDebug   Loglevel = "debug"
	LogLevelTrace   Loglevel = "trace"
	defaultLogLevel          = LogLevelInfo
)

var logLevels = []Loglevel{
	LogLevelError,
	LogLevelWarn,
	LogLevelInfo,
	LogLevelDebug,
	LogLevelTrace,
}

// String implements the Stringer interface for Loglevel.
func (l Loglevel) String() string {
	return string(l)
}

func (l Loglevel) isValid() bool {
	for _, lvl := range logLevels {
		if l == lvl {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for Loglevel, parsing it and validating that it represents a
// valid log level.
func (l *Loglevel) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	err := unmarshal(&val)
	if err != nil {
		return err
	}

	lvl := Loglevel(strings.ToLower(val))
	if !lvl.isValid() {
		return fmt.Errorf("invalid log level %q, must be one of %q", val, logLevels)
	}

	*l = lvl
	return nil
}

// logOutput is the output destination for logs. This can be either "stdout" or "stderr".
type logOutput string

const (
	LogOutputStdout  logOutput = "stdout"
	LogOutputStderr  logOutput = "stderr"
	LogOutputDiscard logOutput = "discard"
	defaultLogOutput           = LogOutputStdout
)

var logOutputs = []logOutput{LogOutputStdout, LogOutputStderr}

// String implements the Stringer interface for logOutput.
func (out logOutput) String() string {
	return string(out)
}

// Descriptor returns the os file descriptor of a log output.
func (out logOutput) Descriptor() io.Writer {
	switch out {
	case LogOutputStderr:
		return os.Stderr
	case LogOutputDiscard:
		return io.Discard
	default:
		return os.Stdout
	}
}

func (out logOutput) isValid() bool {
	for _, output := range logOutputs {
		if out == output {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logOutput, parsing it and validating that it represents a
// valid log output destination.
func (out *logOutput) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lo := logOutput(strings.ToLower(val))
	if !lo.isValid() {
		return fmt.Errorf("invalid log output %q, must be one of %q", lo, logOutputs)
	}

	*out = lo
	return nil
}

// logFormat is the format of the application logs output. This can be either "text" or "json".
type logFormat string

const (
	LogFormatText    logFormat = "text"
	LogFormatJSON    logFormat = "json"
	defaultLogFormat           = LogFormatJSON
)

var logFormats = []logFormat{
	LogFormatText,
	LogFormatJSON,
}

// String implements the Stringer interface for logFormat.
func (ft logFormat) String() string {
	return string(ft)
}

func (ft logFormat) isValid() bool {
	for _, formatter := range logFormats {
		if ft == formatter {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logFormat, parsing it and validating that it
// represents a valid application log output format.
func (ft *logFormat) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	format := logFormat(strings.ToLower(val))
	if !format.isValid() {
		return fmt.Errorf("invalid log format %q, must be one of %q", format, logFormats)
	}

	*ft = format
	return nil
}

// Reporting defines error reporting methods.
type Reporting struct {
	// Sentry configures error reporting for Sentry (sentry.io).
	Sentry SentryReporting `yaml:"sentry,omitempty"`
}

// SentryReporting configures error reporting for Sentry (sentry.io).
type SentryReporting struct {
	// Enabled can be set to `true` to enable the Sentry error reporting.
	Enabled bool `yaml:"enabled,omitempty"`
	// DSN is the Sentry DSN.
	DSN string `yaml:"dsn,omitempty"`
	// Environment is the Sentry environment.
	Environment string `yaml:"environment,omitempty"`
}

// EnvPrefix is the prefix of environment variables overriding configuration values.
const EnvPrefix = "dbguard"

// Parse parses an input configuration yaml document into a Configuration struct
//
// Environment variables may be used to override configuration parameters other than version,
// following the scheme below:
// Configuration.Abc may be replaced by the value of DBGUARD_ABC,
// Configuration.Abc.Xyz may be replaced by the value of DBGUARD_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser(EnvPrefix, []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c any) (any, error) {
				if v0_1, ok := c.(*v0_1Configuration); ok {
					return (*Configuration)(v0_1), nil
				}
				return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
			},
		},
	})

	config := new(Configuration)
	err = p.Parse(in, config)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(config)

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

const (
	defaultMigrationsTable         = "schema_migrations"
	defaultStatementTimeoutRetries = 5
	defaultLockRetryMaxAttempts    = 50
	defaultLockRetryBackoffBase    = 50 * time.Millisecond
	defaultLockRetryMultiplier     = 1.5
	defaultLockRetryMaxBackoff     = time.Minute
	defaultLockRetryLockTimeout    = 100 * time.Millisecond
	defaultLockRetryMaxLockTimeout = 5 * time.Second
	defaultBackfillMaxBatchSize    = 1000
	defaultBackfillWALThreshold    = 42
	defaultBackfillMaxAttempts     = 5
	defaultRedisLeaseTTL           = time.Minute
	defaultPrometheusPath          = "/metrics"
)

// ApplyDefaults fills unset values with their defaults.
func ApplyDefaults(config *Configuration) {
	if config.Log.Level == "" {
		config.Log.Level = defaultLogLevel
	}
	if config.Log.Output == "" {
		config.Log.Output = defaultLogOutput
	}
	if config.Log.Formatter == "" {
		config.Log.Formatter = defaultLogFormat
	}
	if config.Migrations.Table == "" {
		config.Migrations.Table = defaultMigrationsTable
	}
	if config.LockWrites.StatementTimeoutRetries == 0 {
		config.LockWrites.StatementTimeoutRetries = defaultStatementTimeoutRetries
	}

	lr := &config.LockRetries
	if lr.MaxAttempts == 0 {
		lr.MaxAttempts = defaultLockRetryMaxAttempts
	}
	if lr.BackoffBase == 0 {
		lr.BackoffBase = defaultLockRetryBackoffBase
	}
	if lr.BackoffMultiplier == 0 {
		lr.BackoffMultiplier = defaultLockRetryMultiplier
	}
	if lr.MaxBackoff == 0 {
		lr.MaxBackoff = defaultLockRetryMaxBackoff
	}
	if lr.LockTimeout == 0 {
		lr.LockTimeout = defaultLockRetryLockTimeout
	}
	if lr.MaxLockTimeout == 0 {
		lr.MaxLockTimeout = defaultLockRetryMaxLockTimeout
	}

	if config.Backfill.MaxBatchSize == 0 {
		config.Backfill.MaxBatchSize = defaultBackfillMaxBatchSize
	}
	if config.Backfill.WALThreshold == 0 {
		config.Backfill.WALThreshold = defaultBackfillWALThreshold
	}
	if config.Backfill.MaxAttempts == 0 {
		config.Backfill.MaxAttempts = defaultBackfillMaxAttempts
	}

	if config.Redis.Enabled() && config.Redis.LeaseTTL == 0 {
		config.Redis.LeaseTTL = defaultRedisLeaseTTL
	}
	if config.Debug.Prometheus.Enabled && config.Debug.Prometheus.Path == "" {
		config.Debug.Prometheus.Path = defaultPrometheusPath
	}
}

// ErrMainDatabaseRequired is returned when no main connection is configured.
var ErrMainDatabaseRequired = errors.New("databases.main must be configured")

// Validate checks cross-field constraints that cannot be expressed in yaml tags.
func Validate(config *Configuration) error {
	var errs *multierror.Error

	if config.Databases.Main.Host == "" {
		errs = multierror.Append(errs, ErrMainDatabaseRequired)
	}
	if config.Databases.Main.ShareWith != "" {
		errs = multierror.Append(errs, errors.New("databases.main cannot share another connection"))
	}
	for _, nd := range []NamedDatabase{
		{Name: ConnectionCI, Database: config.Databases.CI},
		{Name: ConnectionGeo, Database: config.Databases.Geo},
	} {
		if nd.Database.ShareWith != "" && nd.Database.ShareWith != ConnectionMain {
			errs = multierror.Append(errs, fmt.Errorf("databases.%s.sharewith must be %q, got %q", nd.Name, ConnectionMain, nd.Database.ShareWith))
		}
		if nd.Database.ShareWith != "" && nd.Database.Host != "" {
			errs = multierror.Append(errs, fmt.Errorf("databases.%s cannot set both host and sharewith", nd.Name))
		}
	}

	lr := config.LockRetries
	if lr.MaxAttempts < 1 {
		errs = multierror.Append(errs, fmt.Errorf("lockretries.maxattempts must be positive, got %d", lr.MaxAttempts))
	}
	if lr.BackoffMultiplier < 1 {
		errs = multierror.Append(errs, fmt.Errorf("lockretries.backoffmultiplier must be at least 1, got %v", lr.BackoffMultiplier))
	}
	if lr.MaxLockTimeout < lr.LockTimeout {
		errs = multierror.Append(errs, fmt.Errorf("lockretries.maxlocktimeout (%s) must not be lower than lockretries.locktimeout (%s)", lr.MaxLockTimeout, lr.LockTimeout))
	}
	if config.Backfill.BatchSize < 0 || config.Backfill.MaxBatchSize < 0 {
		errs = multierror.Append(errs, errors.New("backfill batch sizes must not be negative"))
	}
	if config.Backfill.RateLimit < 0 {
		errs = multierror.Append(errs, fmt.Errorf("backfill.ratelimit must not be negative, got %v", config.Backfill.RateLimit))
	}
	if config.Reporting.Sentry.Enabled && config.Reporting.Sentry.DSN == "" {
		errs = multierror.Append(errs, errors.New("reporting.sentry.dsn is required when sentry is enabled"))
	}

	return errs.ErrorOrNil()
}
