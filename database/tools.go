package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gitlab.com/gitlab-org/database-guard/database/columns"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/lockwrites"
	"gitlab.com/gitlab-org/database-guard/database/migrations"
	"gitlab.com/gitlab-org/database-guard/database/restrict"
	"gitlab.com/gitlab-org/database-guard/database/router"
)

// migrationDirective marks a file as an annotated migration rather than plain SQL.
const migrationDirective = "-- +migrate"

// ErrViolation is returned by classify when a statement is rejected.
var ErrViolation = errors.New("statements rejected")

func render(header []string, rows [][]string) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header(header)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

func renderResults(results []*lockwrites.Result) error {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.Connection, r.Database, r.Table, string(r.Action)})
	}
	return render([]string{"Connection", "Database", "Table", "Action"}, rows)
}

// writeLockTargets returns the connections lock-writes operates on. Connections sharing a database hold no foreign
// tables, so only decomposed connections are returned.
func writeLockTargets(e *environment) ([]*router.Connection, error) {
	conns, err := e.connections(connectionName)
	if err != nil {
		return nil, err
	}
	var out []*router.Connection
	for _, c := range conns {
		if c.SharedWith == "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// LockWritesCmd installs write-lock triggers on the tables each connection does not own.
var LockWritesCmd = &cobra.Command{
	Use:   "lock-writes <config>",
	Short: "Lock writes on foreign tables",
	Long:  "Lock writes on the tables of every decomposed database whose schema is served by another database",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, config, err := setup(args)
		if err != nil {
			return err
		}

		e, err := newEnvironment(ctx, config, true)
		if err != nil {
			return fmt.Errorf("failed to construct database connections: %w", err)
		}
		defer e.Close()

		conns, err := writeLockTargets(e)
		if err != nil {
			return err
		}

		var results []*lockwrites.Result
		for _, conn := range conns {
			rr, err := e.lockWrites(conn, dryRun).LockForeignTables(ctx)
			results = append(results, rr...)
			if err != nil {
				_ = renderResults(results)
				return fmt.Errorf("locking writes on %s: %w", conn.Name, err)
			}
		}
		return renderResults(results)
	},
}

// UnlockWritesCmd removes every write-lock trigger.
var UnlockWritesCmd = &cobra.Command{
	Use:   "unlock-writes <config>",
	Short: "Unlock writes on every table",
	Long:  "Remove the write-lock triggers of every table of every decomposed database",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, config, err := setup(args)
		if err != nil {
			return err
		}

		e, err := newEnvironment(ctx, config, true)
		if err != nil {
			return fmt.Errorf("failed to construct database connections: %w", err)
		}
		defer e.Close()

		conns, err := writeLockTargets(e)
		if err != nil {
			return err
		}

		if !dryRun && !Force {
			names := make([]string, 0, len(conns))
			for _, c := range conns {
				names = append(names, c.Name)
			}
			ok, err := confirm(fmt.Sprintf("Preparing to unlock writes on %s.", strings.Join(names, ", ")))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}

		var results []*lockwrites.Result
		for _, conn := range conns {
			rr, err := e.lockWrites(conn, dryRun).UnlockAllTables(ctx)
			results = append(results, rr...)
			if err != nil {
				_ = renderResults(results)
				return fmt.Errorf("unlocking writes on %s: %w", conn.Name, err)
			}
		}
		return renderResults(results)
	},
}

// LocksCmd lists the write-lock triggers installed on each connection.
var LocksCmd = &cobra.Command{
	Use:   "locks <config>",
	Short: "List write-locked tables",
	Long:  "List the write-locked tables of every decomposed database",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, config, err := setup(args)
		if err != nil {
			return err
		}

		e, err := newEnvironment(ctx, config, true)
		if err != nil {
			return fmt.Errorf("failed to construct database connections: %w", err)
		}
		defer e.Close()

		conns, err := writeLockTargets(e)
		if err != nil {
			return err
		}

		records := make([][]lockwrites.LockRecord, len(conns))
		g, gctx := errgroup.WithContext(ctx)
		for i, conn := range conns {
			g.Go(func() error {
				rr, err := e.lockWrites(conn, true).Status(gctx)
				if err != nil {
					return fmt.Errorf("listing locks of %s: %w", conn.Name, err)
				}
				records[i] = rr
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var rows [][]string
		for _, rr := range records {
			for _, r := range rr {
				rows = append(rows, []string{r.Connection, r.Table, string(r.Kind)})
			}
		}
		return render([]string{"Connection", "Table", "Kind"}, rows)
	},
}

// SchemaCmd resolves tables to their gitlab_schema and the connection serving it.
var SchemaCmd = &cobra.Command{
	Use:   "schema <config> <table>...",
	Short: "Resolve the gitlab_schema of tables",
	Long:  "Resolve the gitlab_schema of tables and the connection serving it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, config, err := setup(args[:1])
		if err != nil {
			return err
		}

		e, err := newEnvironment(ctx, config, false)
		if err != nil {
			return err
		}
		defer e.Close()

		rows := make([][]string, 0, len(args)-1)
		for _, table := range args[1:] {
			s, err := e.registry.SchemaFor(table)
			if err != nil {
				return err
			}

			var served string
			if c, err := e.router.ConnectionFor(s); err == nil {
				served = c.Name
			}
			rows = append(rows, []string{table, s.String(), served})
		}
		return render([]string{"Table", "Schema", "Connection"}, rows)
	},
}

// classification is what classify needs from a file: its statements and the restriction they run under.
type classification struct {
	statements []string
	schema     gitlabschema.Schema
	reason     string
}

func readClassification(path string, down bool, schema gitlabschema.Schema) (*classification, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if !strings.Contains(string(content), migrationDirective) {
		return &classification{statements: []string{string(content)}, schema: schema}, nil
	}

	m, err := migrations.ParseFile(filepath.Base(path), content)
	if err != nil {
		return nil, err
	}
	c := &classification{statements: m.Migration.Up, schema: m.RestrictGitlabSchema, reason: m.AllowCrossSchemaReads}
	if down {
		c.statements = m.Migration.Down
	}
	if schema != "" {
		c.schema = schema
	}
	return c, nil
}

// ClassifyCmd runs SQL files or migration files through the query classifier without touching a database.
var ClassifyCmd = &cobra.Command{
	Use:   "classify <config> <file>...",
	Short: "Classify the statements of SQL files",
	Long: "Classify the statements of SQL files or annotated migration files against the table dictionary, " +
		"reporting the verdict of each statement",
	Args: cobra.MinimumNArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		schema, err := parseSchemaFlag(schemaName)
		if err != nil {
			return err
		}

		ctx, config, err := setup(args[:1])
		if err != nil {
			return err
		}

		e, err := newEnvironment(ctx, config, false)
		if err != nil {
			return err
		}
		defer e.Close()

		conn, ok := e.router.Connection(classifyConnection)
		if !ok {
			return fmt.Errorf("unknown database connection %q", classifyConnection)
		}

		var (
			rows     [][]string
			rejected bool
		)
		for _, path := range args[1:] {
			c, err := readClassification(path, classifyDown, schema)
			if err != nil {
				return err
			}
			fileRows, ok, err := classify(ctx, e.registry, conn, path, c)
			if err != nil {
				return err
			}
			rows = append(rows, fileRows...)
			rejected = rejected || !ok
		}

		if err := render([]string{"File", "Statement", "Verdict"}, rows); err != nil {
			return err
		}
		if rejected {
			return ErrViolation
		}
		return nil
	},
}

func parseSchemaFlag(name string) (gitlabschema.Schema, error) {
	if name == "" {
		return "", nil
	}
	return gitlabschema.Parse(name)
}

// classify analyzes the statements of one file. It stops at the first rejected statement, the way a migration run
// would.
func classify(ctx context.Context, registry *gitlabschema.Registry, conn *router.Connection, path string, c *classification) ([][]string, bool, error) {
	if c.reason != "" {
		var err error
		if ctx, err = restrict.AllowCrossSchemaReads(ctx, c.reason); err != nil {
			return nil, false, err
		}
	}

	var rows [][]string
	if !restrict.Applicable(conn, c.schema) {
		return append(rows, []string{path, "", "skipped: " + conn.Name + " does not serve " + c.schema.String()}), true, nil
	}

	analyzer := restrict.NewAnalyzer(registry, conn, c.schema)
	for _, sql := range c.statements {
		stmts, err := restrict.Parse(sql)
		if err != nil {
			return append(rows, []string{path, abbreviate(sql), restrict.VerdictError}), false, nil
		}
		for _, st := range stmts {
			err := analyzer.Analyze(ctx, st)
			rows = append(rows, []string{path, abbreviate(st.SQL), restrict.Verdict(err)})
			if err != nil {
				return rows, false, nil
			}
		}
	}
	return rows, true, nil
}

func abbreviate(sql string) string {
	const width = 72
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > width {
		return sql[:width-3] + "..."
	}
	return sql
}

// ColumnsCmd groups the column transition tooling.
var ColumnsCmd = &cobra.Command{
	Use:   "columns",
	Short: "Inspect column transitions",
	Long:  "Inspect column transitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

// ColumnsPhaseCmd reports the phase of a column transition, derived from the catalog of the connection serving the
// table.
var ColumnsPhaseCmd = &cobra.Command{
	Use:   "phase <config> <table> <old> [new]",
	Short: "Show the phase of a column transition",
	Long:  "Show the phase of a rename, type change or bigint conversion, derived from the database catalog",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(_ *cobra.Command, args []string) error {
		t := columns.Transition{Kind: columns.Kind(transitionKind), Table: args[1], Old: args[2], Type: transitionType}
		if len(args) == 4 {
			t.New = args[3]
		}
		switch t.Kind {
		case columns.KindRename:
			if t.New == "" {
				return errors.New("a rename needs the new column name")
			}
		case columns.KindTypeChange, columns.KindBigint:
		default:
			return fmt.Errorf("unknown transition kind %q", transitionKind)
		}

		ctx, config, err := setup(args[:1])
		if err != nil {
			return err
		}

		e, err := newEnvironment(ctx, config, true)
		if err != nil {
			return fmt.Errorf("failed to construct database connections: %w", err)
		}
		defer e.Close()

		s, err := e.registry.SchemaFor(t.Table)
		if err != nil {
			return err
		}
		conn, err := e.router.ConnectionFor(s)
		if err != nil {
			return err
		}

		engine := columns.New(conn, e.registry, restrict.NewAnalyzer(e.registry, conn, ""))
		phase, err := engine.InspectPhase(ctx, t)
		if err != nil {
			return fmt.Errorf("inspecting %s transition of %s.%s: %w", t.Kind, t.Table, t.Old, err)
		}
		fmt.Printf("%s:%s\n", conn.Name, phase)
		return nil
	},
}

// CheckCmd checks that every configured database is a reachable, supported primary.
var CheckCmd = &cobra.Command{
	Use:   "check <config>",
	Short: "Check the configured databases",
	Long:  "Check that every configured database is a reachable primary running a supported PostgreSQL version",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, config, err := setup(args)
		if err != nil {
			return err
		}

		e, err := newEnvironment(ctx, config, false)
		if err != nil {
			return err
		}
		defer e.Close()

		statuses, checkErr := e.router.Check(ctx, checkTimeout)
		rows := make([][]string, 0, len(statuses))
		for _, s := range statuses {
			rows = append(rows, []string{strings.Join(s.Connections, ", "), s.Address, s.Status, s.Error})
		}
		if err := render([]string{"Connections", "Address", "Status", "Error"}, rows); err != nil {
			return err
		}
		return checkErr
	},
}
