package restrict_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/restrict"
	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/log"
	"gitlab.com/gitlab-org/database-guard/testutil"
)

func newRegistry(t *testing.T) *gitlabschema.Registry {
	t.Helper()

	r, err := gitlabschema.New(map[string]gitlabschema.Schema{
		"projects":                           gitlabschema.Main,
		"namespaces":                         gitlabschema.Main,
		"ci_builds":                          gitlabschema.CI,
		"ci_pipelines":                       gitlabschema.CI,
		"loose_foreign_keys_deleted_records": gitlabschema.Shared,
		"project_registry":                   gitlabschema.Geo,
	})
	require.NoError(t, err)
	return r
}

func newRouter(t *testing.T, names ...string) *router.Router {
	t.Helper()

	var specs []router.Spec
	for _, n := range names {
		db, _ := testutil.NewMockDB(t, n)
		specs = append(specs, router.Spec{Name: n, DB: db})
	}
	r, err := router.New(specs...)
	require.NoError(t, err)
	return r
}

func TestAnalyze(t *testing.T) {
	registry := newRegistry(t)
	multi := newRouter(t, router.Main, router.CI)
	single := newRouter(t, router.Main)

	mainConn := multi.Main()
	ciConn, _ := multi.Connection(router.CI)

	testCases := []struct {
		name        string
		conn        *router.Connection
		schema      gitlabschema.Schema
		sql         string
		reason      string
		wantVerdict string
	}{
		// unrestricted migrations
		{name: "ddl on own table", conn: mainConn, sql: "ALTER TABLE projects ADD COLUMN x int", wantVerdict: restrict.VerdictSuccess},
		{name: "ddl on foreign table", conn: mainConn, sql: "CREATE INDEX idx ON ci_builds (id)", wantVerdict: restrict.VerdictSuccess},
		{name: "function ddl", conn: mainConn, sql: "CREATE FUNCTION f() RETURNS void AS $$ $$ LANGUAGE sql", wantVerdict: restrict.VerdictSuccess},
		{name: "dml without restriction", conn: mainConn, sql: "UPDATE projects SET a = 1", wantVerdict: restrict.VerdictDMLNotAllowed},
		{name: "read without restriction", conn: mainConn, sql: "SELECT id FROM namespaces", wantVerdict: restrict.VerdictDMLNotAllowed},
		{name: "internal table read", conn: mainConn, sql: "SELECT version FROM schema_migrations", wantVerdict: restrict.VerdictSuccess},
		{name: "catalog read", conn: mainConn, sql: "SELECT relname FROM pg_class", wantVerdict: restrict.VerdictSuccess},
		{name: "no tables", conn: mainConn, sql: "SELECT 1", wantVerdict: restrict.VerdictSuccess},

		// restricted migrations
		{name: "dml on own schema", conn: mainConn, schema: gitlabschema.Main, sql: "UPDATE projects SET a = 1", wantVerdict: restrict.VerdictSuccess},
		{name: "dml on shared table", conn: mainConn, schema: gitlabschema.Main, sql: "DELETE FROM loose_foreign_keys_deleted_records", wantVerdict: restrict.VerdictDMLAccessDenied},
		{name: "shared restriction", conn: mainConn, schema: gitlabschema.Shared, sql: "DELETE FROM loose_foreign_keys_deleted_records", wantVerdict: restrict.VerdictSuccess},
		{name: "ddl on own schema", conn: mainConn, schema: gitlabschema.Main, sql: "CREATE INDEX idx ON projects (id)", wantVerdict: restrict.VerdictSuccess},
		{name: "ddl on other schema", conn: mainConn, schema: gitlabschema.Main, sql: "CREATE INDEX idx ON ci_builds (id)", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "function ddl restricted", conn: mainConn, schema: gitlabschema.Main, sql: "DROP FUNCTION f", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "ci restricted on ci", conn: ciConn, schema: gitlabschema.CI, sql: "UPDATE ci_builds SET a = 1 FROM ci_pipelines", wantVerdict: restrict.VerdictSuccess},

		// cross-schema access
		{name: "cross-schema read", conn: mainConn, schema: gitlabschema.Main, sql: "SELECT * FROM ci_builds", wantVerdict: restrict.VerdictCrossSchemaError},
		{name: "cross-schema write", conn: mainConn, schema: gitlabschema.CI, sql: "INSERT INTO ci_builds (id) VALUES (1)", wantVerdict: restrict.VerdictCrossSchemaError},
		{name: "cross-schema write with reason", conn: mainConn, schema: gitlabschema.CI, sql: "UPDATE ci_builds SET a = 1", reason: "backfill", wantVerdict: restrict.VerdictCrossSchemaError},
		{name: "justified cross-schema read", conn: mainConn, schema: gitlabschema.Main, sql: "INSERT INTO projects SELECT * FROM ci_builds", reason: "copying ids", wantVerdict: restrict.VerdictSuccess},
		{name: "justified read without restriction", conn: mainConn, sql: "SELECT * FROM ci_builds", reason: "sanity check", wantVerdict: restrict.VerdictDMLNotAllowed},
		{name: "geo table on main", conn: mainConn, schema: gitlabschema.Main, sql: "SELECT * FROM project_registry", wantVerdict: restrict.VerdictCrossSchemaError},
		{name: "single database serves ci", conn: single.Main(), schema: gitlabschema.CI, sql: "SELECT * FROM ci_builds", wantVerdict: restrict.VerdictSuccess},

		// indexes, sequences and maintenance
		{name: "drop foreign index", conn: mainConn, schema: gitlabschema.Main, sql: "DROP INDEX index_ci_builds_on_status", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "drop own index", conn: mainConn, schema: gitlabschema.Main, sql: "DROP INDEX CONCURRENTLY IF EXISTS index_projects_on_name", wantVerdict: restrict.VerdictSuccess},
		{name: "rename foreign index", conn: mainConn, schema: gitlabschema.Main, sql: "ALTER INDEX index_ci_builds_on_status RENAME TO x", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "rename own primary key", conn: mainConn, schema: gitlabschema.Main, sql: "ALTER INDEX projects_pkey RENAME TO projects_pkey_old", wantVerdict: restrict.VerdictSuccess},
		{name: "index of unknown table", conn: mainConn, schema: gitlabschema.Main, sql: "DROP INDEX idx", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "restart foreign sequence", conn: mainConn, schema: gitlabschema.Main, sql: "ALTER SEQUENCE ci_builds_id_seq RESTART", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "restart own sequence", conn: mainConn, schema: gitlabschema.Main, sql: "ALTER SEQUENCE projects_id_seq RESTART WITH 100", wantVerdict: restrict.VerdictSuccess},
		{name: "drop foreign sequence", conn: mainConn, schema: gitlabschema.Main, sql: "DROP SEQUENCE IF EXISTS ci_pipelines_id_seq", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "reindex foreign table", conn: mainConn, schema: gitlabschema.Main, sql: "REINDEX TABLE ci_builds", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "reindex own table concurrently", conn: mainConn, schema: gitlabschema.Main, sql: "REINDEX (VERBOSE) TABLE CONCURRENTLY projects", wantVerdict: restrict.VerdictSuccess},
		{name: "reindex foreign index", conn: mainConn, schema: gitlabschema.Main, sql: "REINDEX INDEX index_ci_builds_on_status", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "reindex database", conn: mainConn, schema: gitlabschema.Main, sql: "REINDEX DATABASE gitlabhq_production", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "cluster foreign table", conn: mainConn, schema: gitlabschema.Main, sql: "CLUSTER ci_builds USING idx", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "vacuum foreign table", conn: mainConn, schema: gitlabschema.Main, sql: "VACUUM ci_builds", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "vacuum own table", conn: mainConn, schema: gitlabschema.Main, sql: "VACUUM (ANALYZE) projects", wantVerdict: restrict.VerdictSuccess},
		{name: "vacuum everything", conn: mainConn, schema: gitlabschema.Main, sql: "VACUUM", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "analyze foreign table", conn: mainConn, schema: gitlabschema.Main, sql: "ANALYZE ci_pipelines", wantVerdict: restrict.VerdictDDLNotAllowed},
		{name: "foreign index without restriction", conn: mainConn, sql: "DROP INDEX index_ci_builds_on_status", wantVerdict: restrict.VerdictSuccess},
		{name: "reindex without restriction", conn: mainConn, sql: "REINDEX TABLE ci_builds", wantVerdict: restrict.VerdictSuccess},

		// unknown tables
		{name: "unknown table", conn: mainConn, schema: gitlabschema.Main, sql: "SELECT * FROM nope", wantVerdict: restrict.VerdictUnknownSchema},
		{name: "created table must be in dictionary", conn: mainConn, sql: "CREATE TABLE brand_new (id int)", wantVerdict: restrict.VerdictUnknownSchema},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			ctx := testutil.NewContextWithLogger(tt)
			if tc.reason != "" {
				var err error
				ctx, err = restrict.AllowCrossSchemaReads(ctx, tc.reason)
				require.NoError(tt, err)
			}

			a := restrict.NewAnalyzer(registry, tc.conn, tc.schema)
			err := a.AnalyzeSQL(ctx, tc.sql)
			require.Equal(tt, tc.wantVerdict, restrict.Verdict(err), "error: %v", err)
		})
	}
}

func TestAnalyze_MixedDDLDML(t *testing.T) {
	registry := newRegistry(t)
	r := newRouter(t, router.Main, router.CI)
	ctx := testutil.NewContextWithLogger(t)

	a := restrict.NewAnalyzer(registry, r.Main(), gitlabschema.Main)
	require.NoError(t, a.AnalyzeSQL(ctx, "CREATE INDEX idx ON projects (a)"))
	require.NoError(t, a.AnalyzeSQL(ctx, "SELECT count(*) FROM projects"))

	err := a.AnalyzeSQL(ctx, "UPDATE projects SET a = 1")
	var mixedErr *restrict.MixedDDLDMLError
	require.ErrorAs(t, err, &mixedErr)
	require.Equal(t, "UPDATE projects SET a = 1", mixedErr.Statement)
}

func TestAnalyze_ErrorDetails(t *testing.T) {
	registry := newRegistry(t)
	r := newRouter(t, router.Main, router.CI)
	ctx := testutil.NewContextWithLogger(t)

	a := restrict.NewAnalyzer(registry, r.Main(), gitlabschema.Main)

	err := a.AnalyzeSQL(ctx, "SELECT * FROM ci_builds")
	var crossErr *restrict.CrossSchemaAccessError
	require.ErrorAs(t, err, &crossErr)
	require.Equal(t, &restrict.CrossSchemaAccessError{Table: "ci_builds", Schema: gitlabschema.CI, Connection: router.Main}, crossErr)
	require.EqualError(t, err, "cross-schema read of table ci_builds (gitlab_ci) through the main connection, which does not serve gitlab_ci")

	err = a.AnalyzeSQL(ctx, "UPDATE projects SET a = 1 FROM loose_foreign_keys_deleted_records")
	require.EqualError(t, err, "a migration restricted to gitlab_main cannot access data of loose_foreign_keys_deleted_records (gitlab_shared)")

	err = a.AnalyzeSQL(ctx, "ALTER TABLE ci_builds ADD COLUMN x int")
	require.EqualError(t, err, "DDL on tables ci_builds is not allowed in a migration restricted to gitlab_main")

	err = a.AnalyzeSQL(ctx, "ALTER SEQUENCE ci_builds_id_seq RESTART")
	require.EqualError(t, err, "DDL on indexes or sequences ci_builds_id_seq is not allowed in a migration restricted to gitlab_main")

	err = a.AnalyzeSQL(ctx, "REINDEX SYSTEM gitlabhq_production")
	require.EqualError(t, err, "DDL on every table of the database is not allowed in a migration restricted to gitlab_main")

	unrestricted := restrict.NewAnalyzer(registry, r.Main(), "")
	err = unrestricted.AnalyzeSQL(ctx, "UPDATE projects SET a = 1")
	require.EqualError(t, err, "data access to tables projects requires the migration to declare the gitlab_schema it is restricted to")
}

func TestAnalyze_JustifiedReadIsLogged(t *testing.T) {
	registry := newRegistry(t)
	r := newRouter(t, router.Main, router.CI)

	logger, hook := testutil.NewObservedLogger(t)
	ctx, err := restrict.AllowCrossSchemaReads(log.WithLogger(context.Background(), logger), "verifying backfill")
	require.NoError(t, err)

	a := restrict.NewAnalyzer(registry, r.Main(), gitlabschema.Main)
	require.NoError(t, a.AnalyzeSQL(ctx, "SELECT count(*) FROM ci_builds"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.Equal(t, "verifying backfill", entry.Data["reason"])
	require.Equal(t, "ci_builds", entry.Data["table"])
}

func TestAnalyze_JustifiedReadNeedsSchemaRestriction(t *testing.T) {
	registry := newRegistry(t)
	r := newRouter(t, router.Main, router.CI)

	ctx, err := restrict.AllowCrossSchemaReads(testutil.NewContextWithLogger(t), "verifying backfill")
	require.NoError(t, err)

	a := restrict.NewAnalyzer(registry, r.Main(), "")
	for _, sql := range []string{"SELECT count(*) FROM projects", "SELECT count(*) FROM ci_builds"} {
		err := a.AnalyzeSQL(ctx, sql)
		var dmlErr *restrict.DMLNotAllowedError
		require.ErrorAs(t, err, &dmlErr, sql)
	}
}

func TestAllowCrossSchemaReads_RequiresReason(t *testing.T) {
	_, err := restrict.AllowCrossSchemaReads(context.Background(), "")
	require.ErrorIs(t, err, restrict.ErrReasonRequired)
}

func TestRequireMode(t *testing.T) {
	registry := newRegistry(t)
	r := newRouter(t, router.Main)

	unrestricted := restrict.NewAnalyzer(registry, r.Main(), "")
	require.NoError(t, unrestricted.RequireDDLMode("rename_column_concurrently"))
	err := unrestricted.RequireDMLMode("backfill")
	require.Equal(t, restrict.VerdictDMLNotAllowed, restrict.Verdict(err))

	restricted := restrict.NewAnalyzer(registry, r.Main(), gitlabschema.Main)
	require.NoError(t, restricted.RequireDMLMode("backfill"))
	err = restricted.RequireDDLMode("rename_column_concurrently")
	require.EqualError(t, err, "rename_column_concurrently is a DDL operation and cannot run in a migration restricted to gitlab_main: "+
		"remove the schema restriction or move the operation to a separate migration")
}

func TestApplicable(t *testing.T) {
	multi := newRouter(t, router.Main, router.CI)
	ci, _ := multi.Connection(router.CI)

	require.True(t, restrict.Applicable(multi.Main(), ""))
	require.True(t, restrict.Applicable(multi.Main(), gitlabschema.Main))
	require.False(t, restrict.Applicable(multi.Main(), gitlabschema.CI))
	require.True(t, restrict.Applicable(ci, gitlabschema.CI))
	require.True(t, restrict.Applicable(ci, gitlabschema.Shared))
	require.False(t, restrict.Applicable(ci, gitlabschema.Geo))
}
