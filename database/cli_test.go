//go:build integration && cli_test

package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/migrations"
	"gitlab.com/gitlab-org/database-guard/database/restrict"
	"gitlab.com/gitlab-org/database-guard/testutil"
)

type migrateCmdTestSuite struct {
	suite.Suite
	configFilePath string
	pgCredentials  pgCredentials
	db             *sql.DB
}

func TestMigrateCmdTestSuite(t *testing.T) {
	suite.Run(t, &migrateCmdTestSuite{})
}

func (s *migrateCmdTestSuite) SetupSuite() {
	s.T().Log("Setting up postgres")

	pgc, err := testutil.NewPostgresContainer(context.Background())
	require.NoError(s.T(), err)
	s.pgCredentials = pgCredentials{DB: testutil.PostgresDB, User: testutil.PostgresUser, Password: testutil.PostgresPassword}

	db, err := sql.Open("pgx", pgc.ConnectionString)
	require.NoError(s.T(), err)
	require.NoError(s.T(), db.Ping())
	s.db = db

	port, err := strconv.Atoi(pgc.Port)
	require.NoError(s.T(), err)
	s.configFilePath = generateDBConfig(s.T(), pgc.Host, port, s.pgCredentials)
}

func (s *migrateCmdTestSuite) TearDownSuite() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (*migrateCmdTestSuite) SetupTest() {
	resetMigrationState()
}

func (s *migrateCmdTestSuite) TearDownTest() {
	s.resetDBSchema()
	resetMigrationState()
}

func resetMigrationState() {
	migrations.ResetPreMigrations()
	migrations.ResetPostMigrations()
	resetGlobalVars()
	Force = true
}

func newMigration(id string, schema gitlabschema.Schema, up, down []string) *migrations.Migration {
	return &migrations.Migration{
		RestrictGitlabSchema: schema,
		Migration:            &migrate.Migration{Id: id, Up: up, Down: down},
	}
}

func (s *migrateCmdTestSuite) tableExists(name string) bool {
	var exists bool
	err := s.db.QueryRow("SELECT to_regclass($1) IS NOT NULL", name).Scan(&exists)
	require.NoError(s.T(), err)
	return exists
}

func (s *migrateCmdTestSuite) TestMigrateUpAndDown() {
	t := s.T()
	migrations.AppendPreMigration(newMigration("20240601000000_create_projects", "",
		[]string{"CREATE TABLE projects (id bigint PRIMARY KEY, name text)"},
		[]string{"DROP TABLE IF EXISTS projects"},
	))
	migrations.AppendPostMigration(newMigration("20240601000001_seed_projects", gitlabschema.Main,
		[]string{"INSERT INTO projects (id, name) VALUES (1, 'gitlab')"},
		[]string{"DELETE FROM projects WHERE id = 1"},
	))

	assertOutput := captureStdOut(t)
	err := MigrateUpCmd.RunE(nil, []string{s.configFilePath})
	assertOutput("OK: applied 1 pre-deployment migration(s) and 1 post-deployment migration(s), 0 skipped")
	require.NoError(t, err)
	require.True(t, s.tableExists("projects"))

	var count int
	require.NoError(t, s.db.QueryRow("SELECT count(*) FROM projects").Scan(&count))
	require.Equal(t, 1, count)

	upToDateCheck = true
	assertOutput = captureStdOut(t)
	err = MigrateStatusCmd.RunE(nil, []string{s.configFilePath})
	assertOutput("true")
	require.NoError(t, err)
	upToDateCheck = false

	assertOutput = captureStdOut(t)
	err = MigrateVersionCmd.RunE(nil, []string{s.configFilePath})
	assertOutput("main:pre-deployment:20240601000000_create_projects", "main:post-deployment:20240601000001_seed_projects")
	require.NoError(t, err)

	assertOutput = captureStdOut(t)
	err = MigrateDownCmd.RunE(nil, []string{s.configFilePath})
	assertOutput("OK: applied 1 main post-deployment migration(s)", "OK: applied 1 main pre-deployment migration(s)")
	require.NoError(t, err)
	require.False(t, s.tableExists("projects"))
}

func (s *migrateCmdTestSuite) TestMigrateUp_DryRun() {
	t := s.T()
	migrations.AppendPreMigration(newMigration("20240601000000_create_projects", "",
		[]string{"CREATE TABLE projects (id bigint PRIMARY KEY)"},
		[]string{"DROP TABLE IF EXISTS projects"},
	))

	dryRun = true
	assertOutput := captureStdOut(t)
	err := MigrateUpCmd.RunE(nil, []string{s.configFilePath})
	assertOutput("20240601000000_create_projects")
	require.NoError(t, err)
	require.False(t, s.tableExists("projects"))
}

func (s *migrateCmdTestSuite) TestMigrateUp_RejectsForeignData() {
	t := s.T()
	migrations.AppendPreMigration(newMigration("20240601000000_create_tables", "",
		[]string{
			"CREATE TABLE projects (id bigint PRIMARY KEY)",
			"CREATE TABLE ci_builds (id bigint PRIMARY KEY)",
		},
		[]string{"DROP TABLE IF EXISTS ci_builds", "DROP TABLE IF EXISTS projects"},
	))
	migrations.AppendPostMigration(newMigration("20240601000001_touch_builds", gitlabschema.Main,
		[]string{"DELETE FROM ci_builds"},
		nil,
	))

	assertOutput := captureStdOut(t)
	err := MigrateUpCmd.RunE(nil, []string{s.configFilePath})
	assertOutput()

	var denied *restrict.DMLAccessDeniedError
	require.ErrorAs(t, err, &denied)
}

func (s *migrateCmdTestSuite) TestCheckCmd() {
	assertOutput := captureStdOut(s.T())
	err := CheckCmd.RunE(nil, []string{s.configFilePath})
	assertOutput("main", "online")
	require.NoError(s.T(), err)
}

func (s *migrateCmdTestSuite) TestColumnsPhaseCmd() {
	t := s.T()
	_, err := s.db.Exec("CREATE TABLE projects (id bigint PRIMARY KEY, name text)")
	require.NoError(t, err)

	transitionKind = "rename"
	assertOutput := captureStdOut(t)
	err = ColumnsPhaseCmd.RunE(nil, []string{s.configFilePath, "projects", "name", "title"})
	assertOutput("main:not_started")
	require.NoError(t, err)
}

func (s *migrateCmdTestSuite) resetDBSchema() {
	testutil.ResetPublicSchema(s.T(), s.db)
}

type pgCredentials struct {
	DB       string
	User     string
	Password string
}

// generateDBConfig writes a configuration for the container along with a dictionary of the tables used by the suite.
func generateDBConfig(t *testing.T, host string, port int, creds pgCredentials) string {
	dir := t.TempDir()
	dict := filepath.Join(dir, "docs")
	writeFile(t, filepath.Join(dict, "projects.yml"), "table_name: projects\ngitlab_schema: gitlab_main\n")
	writeFile(t, filepath.Join(dict, "ci_builds.yml"), "table_name: ci_builds\ngitlab_schema: gitlab_ci\n")

	path := filepath.Join(dir, "config.yml")
	writeFile(t, path, fmt.Sprintf(`version: 0.1
log:
  level: warn
  output: stderr
databases:
  main:
    host: %s
    port: %d
    user: %s
    password: %s
    dbname: %s
    sslmode: disable
gitlabschema:
  dictionary: %s
lockretries:
  maxattempts: 2
  locktimeout: 100ms
  maxlocktimeout: 1s
`, host, port, creds.User, creds.Password, creds.DB, dict))
	return path
}
