package configuration

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gopkg.in/yaml.v2"
)

// configStruct is a canonical example configuration, which should map to configYamlV0_1
var configStruct = func() Configuration {
	c := Configuration{
		Version: "0.1",
		Databases: Databases{
			Main: Database{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				DBName:   "gitlabhq_production",
				SSLMode:  "disable",
				Pool:     DatabasePool{MaxOpen: 10, MaxIdle: 5},
				Password: "",
			},
			CI: Database{
				Host:   "ci.db.internal",
				Port:   5432,
				User:   "postgres",
				DBName: "gitlabhq_production_ci",
			},
		},
		GitlabSchema: GitlabSchema{
			Dictionary:     "db/docs",
			InternalTables: []string{"ar_internal_metadata"},
		},
		Migrations: Migrations{
			Table:         "schema_migrations",
			PreDirectory:  "db/migrate",
			PostDirectory: "db/post_migrate",
		},
		LockWrites: LockWrites{StatementTimeoutRetries: 5},
		LockRetries: LockRetries{
			MaxAttempts:       50,
			BackoffBase:       50 * time.Millisecond,
			BackoffMultiplier: 1.5,
			MaxBackoff:        time.Minute,
			LockTimeout:       100 * time.Millisecond,
			MaxLockTimeout:    5 * time.Second,
		},
		Backfill: Backfill{
			MaxBatchSize: 1000,
			RateLimit:    10,
			WALThreshold: 42,
			MaxAttempts:  5,
		},
		Reporting: Reporting{
			Sentry: SentryReporting{
				Enabled: true,
				DSN:     "https://foo@12345.ingest.sentry.io/876542",
			},
		},
	}
	c.Log.Level = "info"
	c.Log.Formatter = "json"
	c.Log.Output = "stdout"
	c.Log.Fields = map[string]any{"environment": "test"}
	return c
}()

// configYamlV0_1 is a Version 0.1 yaml document representing configStruct
var configYamlV0_1 = `
version: 0.1
log:
  level: info
  fields:
    environment: test
databases:
  main:
    host: localhost
    port: 5432
    user: postgres
    dbname: gitlabhq_production
    sslmode: disable
    pool:
      maxopen: 10
      maxidle: 5
  ci:
    host: ci.db.internal
    port: 5432
    user: postgres
    dbname: gitlabhq_production_ci
gitlabschema:
  dictionary: db/docs
  internaltables:
    - ar_internal_metadata
migrations:
  predirectory: db/migrate
  postdirectory: db/post_migrate
backfill:
  ratelimit: 10
reporting:
  sentry:
    enabled: true
    dsn: https://foo@12345.ingest.sentry.io/876542
`

// copyConfig makes a deep copy of the fields that tests mutate.
func copyConfig(config Configuration) *Configuration {
	configCopy := config

	configCopy.Log.Fields = make(map[string]any)
	for k, v := range config.Log.Fields {
		configCopy.Log.Fields[k] = v
	}
	configCopy.GitlabSchema.InternalTables = append([]string(nil), config.GitlabSchema.InternalTables...)

	return &configCopy
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

type ConfigSuite struct {
	suite.Suite

	expectedConfig *Configuration
}

func (s *ConfigSuite) SetupTest() {
	os.Clearenv()
	s.expectedConfig = copyConfig(configStruct)
}

// TestMarshalRoundtrip validates that configStruct can be marshaled and
// unmarshaled without changing any parameters
func (s *ConfigSuite) TestMarshalRoundtrip() {
	configBytes, err := yaml.Marshal(s.expectedConfig)
	require.NoError(s.T(), err)

	config, err := Parse(bytes.NewReader(configBytes))
	s.T().Log(string(configBytes))
	require.NoError(s.T(), err)
	require.Equal(s.T(), s.expectedConfig, config)
}

// TestParseSimple validates that configYamlV0_1 can be parsed into a struct
// matching configStruct
func (s *ConfigSuite) TestParseSimple() {
	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	require.NoError(s.T(), err)
	require.Equal(s.T(), s.expectedConfig, config)
}

// TestParseMinimal validates that a document with only a main database is accepted and defaulted.
func (s *ConfigSuite) TestParseMinimal() {
	yml := `
version: 0.1
databases:
  main:
    host: localhost
`
	config, err := Parse(bytes.NewReader([]byte(yml)))
	require.NoError(s.T(), err)
	require.Equal(s.T(), "schema_migrations", config.Migrations.Table)
	require.Equal(s.T(), 5, config.LockWrites.StatementTimeoutRetries)
	require.Equal(s.T(), 50, config.LockRetries.MaxAttempts)
	require.False(s.T(), config.LockRetries.RaiseOnExhaustion)
	require.Equal(s.T(), []NamedDatabase{{Name: ConnectionMain, Database: Database{Host: "localhost"}}}, config.Databases.Named())
}

func (s *ConfigSuite) TestParseMissingMain() {
	yml := `
version: 0.1
databases:
  ci:
    host: localhost
`
	_, err := Parse(bytes.NewReader([]byte(yml)))
	require.Error(s.T(), err)
	require.ErrorContains(s.T(), err, ErrMainDatabaseRequired.Error())
}

func (s *ConfigSuite) TestParseInvalidVersion() {
	s.expectedConfig.Version = MajorMinorVersion(CurrentVersion.Major(), CurrentVersion.Minor()+1)
	configBytes, err := yaml.Marshal(s.expectedConfig)
	require.NoError(s.T(), err)

	_, err = Parse(bytes.NewReader(configBytes))
	require.Error(s.T(), err)
}

func (s *ConfigSuite) TestParseEmptyVersion() {
	_, err := Parse(bytes.NewReader([]byte("databases: {main: {host: localhost}}")))
	require.ErrorIs(s.T(), err, errEmptyVersion)
}

// TestParseWithDifferentEnvLoglevel validates that providing an environment variable defining the log level will
// override the value provided in the yaml document
func (s *ConfigSuite) TestParseWithDifferentEnvLoglevel() {
	s.expectedConfig.Log.Level = "error"

	require.NoError(s.T(), os.Setenv("DBGUARD_LOG_LEVEL", "error"))

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	require.NoError(s.T(), err)
	require.Equal(s.T(), s.expectedConfig, config)
}

// TestParseInvalidLoglevel validates that the parser will fail to parse a
// configuration if the loglevel is malformed
func (s *ConfigSuite) TestParseInvalidLoglevel() {
	invalidConfigYaml := "version: 0.1\nlog:\n  level: derp\ndatabases: {main: {host: localhost}}\n"
	_, err := Parse(bytes.NewReader([]byte(invalidConfigYaml)))
	require.Error(s.T(), err)

	require.NoError(s.T(), os.Setenv("DBGUARD_LOG_LEVEL", "derp"))

	_, err = Parse(bytes.NewReader([]byte(configYamlV0_1)))
	require.Error(s.T(), err)
}

// TestParseWithDifferentEnvDatabase validates that environment variables properly override database parameters
func (s *ConfigSuite) TestParseWithDifferentEnvDatabase() {
	expected := s.expectedConfig.Databases.Main
	expected.Host = "127.0.0.1"
	expected.Port = 1234
	expected.User = "user"
	expected.Password = "passwd"
	expected.DBName = "foo"
	expected.SSLMode = "allow"
	s.expectedConfig.Databases.Main = expected

	require.NoError(s.T(), os.Setenv("DBGUARD_DATABASES_MAIN_HOST", expected.Host))
	require.NoError(s.T(), os.Setenv("DBGUARD_DATABASES_MAIN_PORT", strconv.Itoa(expected.Port)))
	require.NoError(s.T(), os.Setenv("DBGUARD_DATABASES_MAIN_USER", expected.User))
	require.NoError(s.T(), os.Setenv("DBGUARD_DATABASES_MAIN_PASSWORD", expected.Password))
	require.NoError(s.T(), os.Setenv("DBGUARD_DATABASES_MAIN_DBNAME", expected.DBName))
	require.NoError(s.T(), os.Setenv("DBGUARD_DATABASES_MAIN_SSLMODE", expected.SSLMode))

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	require.NoError(s.T(), err)
	require.Equal(s.T(), s.expectedConfig, config)
}

// TestParseExtraneousVars validates that environment variables referring to
// nonexistent variables don't cause side effects.
func (s *ConfigSuite) TestParseExtraneousVars() {
	s.expectedConfig.Reporting.Sentry.Environment = "test"

	// A valid environment variable
	require.NoError(s.T(), os.Setenv("DBGUARD_REPORTING_SENTRY_ENVIRONMENT", "test"))

	// Environment variables which shouldn't set config items
	require.NoError(s.T(), os.Setenv("DBGUARD_DUCKS", "quack"))
	require.NoError(s.T(), os.Setenv("DBGUARD_REPORTING_ASDF", "ghjk"))

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	require.NoError(s.T(), err)
	require.Equal(s.T(), s.expectedConfig, config)
}

// TestParseEnvVarImplicitMaps validates that environment variables can set
// values in maps that don't already exist.
func (s *ConfigSuite) TestParseEnvVarImplicitMaps() {
	s.expectedConfig.Log.Fields["region"] = "eu"

	require.NoError(s.T(), os.Setenv("DBGUARD_LOG_FIELDS_REGION", "eu"))

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	require.NoError(s.T(), err)
	require.Equal(s.T(), s.expectedConfig, config)
}

// TestParseEnvWrongTypeStruct validates that incorrectly attempting to
// unmarshal a string into a struct fails.
func (s *ConfigSuite) TestParseEnvWrongTypeStruct() {
	require.NoError(s.T(), os.Setenv("DBGUARD_DATABASES_MAIN", "somestring"))

	_, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	require.Error(s.T(), err)
}

// TestParseEnvWrongTypeSlice validates that incorrectly attempting to
// unmarshal a string into a slice fails.
func (s *ConfigSuite) TestParseEnvWrongTypeSlice() {
	require.NoError(s.T(), os.Setenv("DBGUARD_GITLABSCHEMA_INTERNALTABLES", "somestring"))

	_, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	require.Error(s.T(), err)
}

type parameterTest struct {
	name    string
	value   string
	want    any
	wantErr bool
	err     string
}

type parameterValidator func(t *testing.T, want any, got *Configuration)

func testParameter(t *testing.T, yml, envVar string, tests []parameterTest, fn parameterValidator) {
	t.Helper()

	testCases := []string{"yaml", "env"}

	for _, testCase := range testCases {
		t.Run(testCase, func(t *testing.T) {
			for _, test := range tests {
				t.Run(test.name, func(t *testing.T) {
					var input string

					if testCase == "env" {
						// if testing with an environment variable we need to set it and defer the unset
						require.NoError(t, os.Setenv(envVar, test.value))
						defer func() { require.NoError(t, os.Unsetenv(envVar)) }()
						// we also need to make sure to clean the YAML parameter
						input = fmt.Sprintf(yml, "")
					} else {
						input = fmt.Sprintf(yml, test.value)
					}

					got, err := Parse(bytes.NewReader([]byte(input)))
					if test.wantErr {
						require.Error(t, err)
						require.EqualError(t, err, test.err)
						require.Nil(t, got)
					} else {
						require.NoError(t, err)
						fn(t, test.want, got)
					}
				})
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	yml := `
version: 0.1
log:
  level: %s
databases:
  main:
    host: localhost
`
	errTemplate := `invalid log level "%s", must be one of ` + fmt.Sprintf("%q", logLevels)

	tt := []parameterTest{
		{name: "error", value: "error", want: "error"},
		{name: "warn", value: "warn", want: "warn"},
		{name: "info", value: "info", want: "info"},
		{name: "debug", value: "debug", want: "debug"},
		{name: "trace", value: "trace", want: "trace"},
		{name: "default", want: "info"},
		{
			name:    "unknown",
			value:   "foo",
			wantErr: true,
			err:     fmt.Sprintf(errTemplate, "foo"),
		},
	}

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, got.Log.Level.String())
	}

	testParameter(t, yml, "DBGUARD_LOG_LEVEL", tt, validator)
}

func TestParseLogOutput(t *testing.T) {
	yml := `
version: 0.1
log:
  output: %s
databases:
  main:
    host: localhost
`
	errTemplate := `invalid log output "%s", must be one of ` + fmt.Sprintf("%q", logOutputs)

	tt := []parameterTest{
		{name: "stdout", value: "stdout", want: "stdout"},
		{name: "stderr", value: "stderr", want: "stderr"},
		{name: "default", want: defaultLogOutput.String()},
		{
			name:    "unknown",
			value:   "foo",
			wantErr: true,
			err:     fmt.Sprintf(errTemplate, "foo"),
		},
	}

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, got.Log.Output.String())
	}

	testParameter(t, yml, "DBGUARD_LOG_OUTPUT", tt, validator)
}

func TestParseLogFormatter(t *testing.T) {
	yml := `
version: 0.1
log:
  formatter: %s
databases:
  main:
    host: localhost
`
	errTemplate := `invalid log format "%s", must be one of ` + fmt.Sprintf("%q", logFormats)

	tt := []parameterTest{
		{name: "text", value: "text", want: "text"},
		{name: "json", value: "json", want: "json"},
		{name: "default", want: defaultLogFormat.String()},
		{
			name:    "unknown",
			value:   "foo",
			wantErr: true,
			err:     fmt.Sprintf(errTemplate, "foo"),
		},
	}

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, got.Log.Formatter.String())
	}

	testParameter(t, yml, "DBGUARD_LOG_FORMATTER", tt, validator)
}

func TestParseDatabase_ShareWith(t *testing.T) {
	yml := `
version: 0.1
databases:
  main:
    host: localhost
  ci:
    sharewith: %s
`
	tt := []parameterTest{
		{name: "main", value: "main", want: "main"},
		{name: "default", want: ""},
		{
			name:    "invalid",
			value:   "geo",
			wantErr: true,
			err:     "1 error occurred:\n\t* databases.ci.sharewith must be \"main\", got \"geo\"\n\n",
		},
	}

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, got.Databases.CI.ShareWith)
	}

	testParameter(t, yml, "DBGUARD_DATABASES_CI_SHAREWITH", tt, validator)
}

func TestParseDatabasePool_MaxOpen(t *testing.T) {
	yml := `
version: 0.1
databases:
  main:
    host: localhost
    pool:
      maxopen: %s
`
	tt := []parameterTest{
		{name: "sample", value: "10", want: 10},
		{name: "default", want: 0},
	}

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, got.Databases.Main.Pool.MaxOpen)
	}

	testParameter(t, yml, "DBGUARD_DATABASES_MAIN_POOL_MAXOPEN", tt, validator)
}

func TestParseDatabase_ConnectTimeout(t *testing.T) {
	yml := `
version: 0.1
databases:
  main:
    host: localhost
    connecttimeout: %s
`
	tt := []parameterTest{
		{name: "sample", value: "10s", want: 10 * time.Second},
		{name: "default", want: time.Duration(0)},
	}

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, got.Databases.Main.ConnectTimeout)
	}

	testParameter(t, yml, "DBGUARD_DATABASES_MAIN_CONNECTTIMEOUT", tt, validator)
}

func TestParseLockWrites_SkipAutomatic(t *testing.T) {
	yml := `
version: 0.1
databases:
  main:
    host: localhost
lockwrites:
  skipautomatic: %s
`
	tt := boolParameterTests()

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, strconv.FormatBool(got.LockWrites.SkipAutomatic))
	}

	testParameter(t, yml, "DBGUARD_LOCKWRITES_SKIPAUTOMATIC", tt, validator)
}

func TestParseLockRetries_RaiseOnExhaustion(t *testing.T) {
	yml := `
version: 0.1
databases:
  main:
    host: localhost
lockretries:
  raiseonexhaustion: %s
`
	tt := boolParameterTests()

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, strconv.FormatBool(got.LockRetries.RaiseOnExhaustion))
	}

	testParameter(t, yml, "DBGUARD_LOCKRETRIES_RAISEONEXHAUSTION", tt, validator)
}

func TestParseLockRetries_MaxLockTimeout(t *testing.T) {
	yml := `
version: 0.1
databases:
  main:
    host: localhost
lockretries:
  locktimeout: 1s
  maxlocktimeout: %s
`
	tt := []parameterTest{
		{name: "sample", value: "10s", want: 10 * time.Second},
		{
			name:    "lower than lock timeout",
			value:   "500ms",
			wantErr: true,
			err:     "1 error occurred:\n\t* lockretries.maxlocktimeout (500ms) must not be lower than lockretries.locktimeout (1s)\n\n",
		},
	}

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, got.LockRetries.MaxLockTimeout)
	}

	testParameter(t, yml, "DBGUARD_LOCKRETRIES_MAXLOCKTIMEOUT", tt, validator)
}

func TestParseRedis_LeaseTTL(t *testing.T) {
	yml := `
version: 0.1
databases:
  main:
    host: localhost
redis:
  addr: localhost:6379
  leasettl: %s
`
	tt := []parameterTest{
		{name: "sample", value: "30s", want: 30 * time.Second},
		{name: "default", want: defaultRedisLeaseTTL},
	}

	validator := func(t *testing.T, want any, got *Configuration) {
		require.Equal(t, want, got.Redis.LeaseTTL)
	}

	testParameter(t, yml, "DBGUARD_REDIS_LEASETTL", tt, validator)
}

func TestParseReporting_SentryDSNRequired(t *testing.T) {
	yml := `
version: 0.1
databases:
  main:
    host: localhost
reporting:
  sentry:
    enabled: true
`
	_, err := Parse(bytes.NewReader([]byte(yml)))
	require.ErrorContains(t, err, "reporting.sentry.dsn is required")
}

func TestValidate_HostAndShareWith(t *testing.T) {
	config := copyConfig(configStruct)
	config.Databases.Geo = Database{Host: "geo", ShareWith: ConnectionMain}

	err := Validate(config)
	require.ErrorContains(t, err, "databases.geo cannot set both host and sharewith")
}

func boolParameterTests() []parameterTest {
	return []parameterTest{
		{
			name:  "true",
			value: "true",
			want:  "true",
		},
		{
			name:  "false",
			value: "false",
			want:  "false",
		},
		{
			name: "default",
			want: strconv.FormatBool(false),
		},
	}
}
