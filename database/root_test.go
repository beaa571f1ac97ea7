package database

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/database-guard/configuration"
	"gitlab.com/gitlab-org/database-guard/health"
	"gitlab.com/gitlab-org/database-guard/testutil"
)

const testConfig = `
version: 0.1
log:
  level: error
  output: stderr
databases:
  main:
    host: 127.0.0.1
    port: 5432
    user: postgres
    dbname: gitlabhq_test
    sslmode: disable
gitlabschema:
  dictionary: %s
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// testEnvironment writes a configuration file pointing at a small dictionary and returns its path.
func testEnvironment(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	dict := filepath.Join(dir, "docs")
	writeFile(t, filepath.Join(dict, "projects.yml"), "table_name: projects\ngitlab_schema: gitlab_main\n")
	writeFile(t, filepath.Join(dict, "ci_builds.yml"), "table_name: ci_builds\ngitlab_schema: gitlab_ci\n")

	path := filepath.Join(dir, "config.yml")
	writeFile(t, path, replaceDictionary(testConfig, dict))
	return path
}

func replaceDictionary(config, dict string) string {
	return string(bytes.Replace([]byte(config), []byte("%s"), []byte(dict), 1))
}

func captureStdOut(t *testing.T) func(...string) {
	originalStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	return func(contains ...string) {
		require.NoError(t, w.Close())
		os.Stdout = originalStdout

		var buf bytes.Buffer
		_, err := buf.ReadFrom(r)
		require.NoError(t, err)

		s := buf.String()
		t.Log(s)
		for _, contain := range contains {
			require.Contains(t, s, contain)
		}
	}
}

func resetGlobalVars() {
	classifyConnection = "main"
	classifyDown = false
	connectionName = ""
	dryRun = false
	Force = false
	MaxNumPreMigrations = nil
	MaxNumPostMigrations = nil
	schemaName = ""
	SkipPostDeployment = false
	transitionKind = "rename"
	transitionType = ""
	upToDateCheck = false
}

func intPtr(i int) *int {
	return &i
}

func TestResolveConfiguration(t *testing.T) {
	path := testEnvironment(t)

	config, err := resolveConfiguration([]string{path})
	require.NoError(t, err)
	require.Equal(t, "gitlabhq_test", config.Databases.Main.DBName)

	t.Setenv(configurationPathEnv, path)
	config, err = resolveConfiguration(nil)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", config.Databases.Main.Host)

	t.Setenv(configurationPathEnv, "")
	_, err = resolveConfiguration(nil)
	require.EqualError(t, err, "configuration path unspecified")

	_, err = resolveConfiguration([]string{filepath.Join(t.TempDir(), "missing.yml")})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNullableInt(t *testing.T) {
	var v *int
	f := nullableInt{&v}
	require.Equal(t, "0", f.String())
	require.Equal(t, "int", f.Type())

	require.NoError(t, f.Set("3"))
	require.Equal(t, 3, *v)
	require.Equal(t, "3", f.String())

	require.Error(t, f.Set("three"))
}

func TestMigrationLimits(t *testing.T) {
	testCases := []struct {
		name          string
		pre, post     *int
		skipPost      bool
		expectedPre   int
		expectedPost  int
		runPre        bool
		runPost       bool
		expectedError string
	}{
		{name: "no limits", runPre: true, runPost: true},
		{name: "no limits skip post", skipPost: true, runPre: true},
		{name: "pre limit only", pre: intPtr(2), expectedPre: 2, runPre: true},
		{name: "post limit only", post: intPtr(1), expectedPost: 1, runPost: true},
		{name: "post limit only skip post", post: intPtr(1), skipPost: true, expectedPost: 1},
		{name: "both limits", pre: intPtr(2), post: intPtr(3), expectedPre: 2, expectedPost: 3, runPre: true, runPost: true},
		{name: "zero pre limit", pre: intPtr(0), expectedError: "migration limits must be greater than or equal to 1"},
		{name: "negative post limit", post: intPtr(-1), expectedError: "migration limits must be greater than or equal to 1"},
		{name: "zero in both limits", pre: intPtr(0), post: intPtr(1), expectedError: "both pre and post migration limits"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			defer resetGlobalVars()
			MaxNumPreMigrations, MaxNumPostMigrations, SkipPostDeployment = tc.pre, tc.post, tc.skipPost

			preLimit, postLimit, pre, post, err := migrationLimits()
			if tc.expectedError != "" {
				require.ErrorContains(tt, err, tc.expectedError)
				return
			}
			require.NoError(tt, err)
			require.Equal(tt, tc.expectedPre, preLimit)
			require.Equal(tt, tc.expectedPost, postLimit)
			require.Equal(tt, tc.runPre, pre)
			require.Equal(tt, tc.runPost, post)
		})
	}
}

func TestConfigureMonitoring(t *testing.T) {
	ctx := testutil.NewContextWithLogger(t)
	checker := health.NewConnectionStatusChecker(nil, 0, 0, testutil.NewTestLogger(t))

	config := &configuration.Configuration{}
	opts, err := configureMonitoring(ctx, config, checker)
	require.NoError(t, err)
	require.Len(t, opts, 3)

	config.Debug.Addr = "127.0.0.1:0"
	config.Debug.Prometheus.Enabled = true
	config.Debug.Prometheus.Path = "/metrics"
	opts, err = configureMonitoring(ctx, config, checker)
	require.NoError(t, err)
	require.Len(t, opts, 7)
}

func TestSetupRequiresDictionary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, path, replaceDictionary(testConfig, `""`))

	ctx, config, err := setup([]string{path})
	require.NoError(t, err)

	_, err = newEnvironment(ctx, config, false)
	require.ErrorIs(t, err, ErrDictionaryRequired)
}

func TestSchemaCmd(t *testing.T) {
	defer resetGlobalVars()
	path := testEnvironment(t)

	assertOutput := captureStdOut(t)
	err := SchemaCmd.RunE(nil, []string{path, "projects", "ci_builds"})
	assertOutput("projects", "gitlab_main", "ci_builds", "gitlab_ci")
	require.NoError(t, err)

	err = SchemaCmd.RunE(nil, []string{path, "unknown_table"})
	require.Error(t, err)
}

func TestClassifyCmd(t *testing.T) {
	path := testEnvironment(t)
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain.sql")
	writeFile(t, plain, "UPDATE projects SET name = 'x';\nDELETE FROM ci_builds WHERE id = 1;\n")

	migration := filepath.Join(dir, "20240601120000_backfill.sql")
	writeFile(t, migration, `-- +restrict_gitlab_schema gitlab_main
-- +migrate Up
UPDATE projects SET name = '' WHERE name IS NULL;
-- +migrate Down
SELECT 1;
`)

	testCases := []struct {
		name          string
		schema        string
		down          bool
		files         []string
		expected      []string
		expectedError error
	}{
		{
			name:     "migration file",
			files:    []string{migration},
			expected: []string{"UPDATE projects", "success"},
		},
		{
			name:     "migration file down",
			files:    []string{migration},
			down:     true,
			expected: []string{"SELECT 1", "success"},
		},
		{
			name:          "plain sql restricted to main",
			schema:        "gitlab_main",
			files:         []string{plain},
			expected:      []string{"UPDATE projects", "success", "DELETE FROM ci_builds", "dml_access_denied"},
			expectedError: ErrViolation,
		},
		{
			name:          "plain sql in ddl mode",
			files:         []string{plain},
			expected:      []string{"UPDATE projects", "dml_not_allowed"},
			expectedError: ErrViolation,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			defer resetGlobalVars()
			schemaName, classifyDown = tc.schema, tc.down

			assertOutput := captureStdOut(tt)
			err := ClassifyCmd.RunE(nil, append([]string{path}, tc.files...))
			assertOutput(tc.expected...)
			if tc.expectedError != nil {
				require.ErrorIs(tt, err, tc.expectedError)
			} else {
				require.NoError(tt, err)
			}
		})
	}
}

func TestClassifyCmd_UnknownConnection(t *testing.T) {
	defer resetGlobalVars()
	path := testEnvironment(t)
	file := filepath.Join(t.TempDir(), "q.sql")
	writeFile(t, file, "SELECT 1;")

	classifyConnection = "ci"
	err := ClassifyCmd.RunE(nil, []string{path, file})
	require.EqualError(t, err, `unknown database connection "ci"`)
}

func TestAbbreviate(t *testing.T) {
	require.Equal(t, "SELECT 1", abbreviate("SELECT\n   1"))
	long := abbreviate("SELECT " + string(bytes.Repeat([]byte("a"), 100)))
	require.Len(t, long, 72)
	require.True(t, bytes.HasSuffix([]byte(long), []byte("...")))
}
