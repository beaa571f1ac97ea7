package database

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gitlab.com/gitlab-org/database-guard/database/migrations"
	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/log"
	"gitlab.com/gitlab-org/database-guard/version"
)

func init() {
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	MigrateCmd.PersistentFlags().StringVarP(&connectionName, "database", "D", "", "only migrate the named connection (main, ci or geo)")
	MigrateCmd.AddCommand(MigrateVersionCmd)
	MigrateVersionCmd.Flags().BoolVarP(&SkipPostDeployment, "skip-post-deployment", "s", false, "ignore post deployment migrations")
	MigrateStatusCmd.Flags().BoolVarP(&upToDateCheck, "up-to-date", "u", false, "check if all known migrations are applied")
	MigrateStatusCmd.Flags().BoolVarP(&SkipPostDeployment, "skip-post-deployment", "s", false, "ignore post deployment migrations")
	MigrateStatusCmd.PreRunE = setBoolFlagWithEnv("SKIP_POST_DEPLOYMENT_MIGRATIONS", "skip-post-deployment")
	MigrateCmd.AddCommand(MigrateStatusCmd)
	MigrateUpCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "only print the migrations that would be applied")
	MigrateUpCmd.Flags().VarP(nullableInt{&MaxNumPreMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateUpCmd.Flags().VarP(nullableInt{&MaxNumPostMigrations}, "post-deploy-limit", "p", "limit the number of post-deploy migrations (all by default)")
	MigrateUpCmd.Flags().BoolVarP(&SkipPostDeployment, "skip-post-deployment", "s", false, "do not apply post deployment migrations")
	MigrateUpCmd.Flags().BoolVarP(&showProgress, "progress", "P", false, "show a progress bar for column backfills")
	MigrateUpCmd.PreRunE = setBoolFlagWithEnv("SKIP_POST_DEPLOYMENT_MIGRATIONS", "skip-post-deployment")
	MigrateCmd.AddCommand(MigrateUpCmd)
	MigrateDownCmd.Flags().BoolVarP(&Force, "force", "f", false, "no confirmation message")
	MigrateDownCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "only print the migrations that would be reverted")
	MigrateDownCmd.Flags().VarP(nullableInt{&MaxNumPreMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateDownCmd.Flags().VarP(nullableInt{&MaxNumPostMigrations}, "post-deploy-limit", "p", "limit the number of post-deploy migrations (all by default)")
	MigrateCmd.AddCommand(MigrateDownCmd)
	RootCmd.AddCommand(MigrateCmd)

	for _, c := range []*cobra.Command{LockWritesCmd, UnlockWritesCmd} {
		c.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "report what would change without changing anything")
		c.Flags().StringVarP(&connectionName, "database", "D", "", "only process the named connection (main, ci or geo)")
		RootCmd.AddCommand(c)
	}
	UnlockWritesCmd.Flags().BoolVarP(&Force, "force", "f", false, "no confirmation message")
	LocksCmd.Flags().StringVarP(&connectionName, "database", "D", "", "only list the named connection (main, ci or geo)")
	RootCmd.AddCommand(LocksCmd)

	RootCmd.AddCommand(SchemaCmd)
	ClassifyCmd.Flags().StringVarP(&schemaName, "schema", "S", "", "gitlab_schema the statements are restricted to (DDL mode when empty)")
	ClassifyCmd.Flags().StringVarP(&classifyConnection, "database", "D", "main", "connection the statements would run on")
	ClassifyCmd.Flags().BoolVarP(&classifyDown, "down", "", false, "classify the Down section of migration files")
	RootCmd.AddCommand(ClassifyCmd)

	ColumnsPhaseCmd.Flags().StringVarP(&transitionKind, "kind", "k", "rename", "transition kind: rename, type_change or bigint")
	ColumnsPhaseCmd.Flags().StringVarP(&transitionType, "type", "t", "", "target type of a type_change transition")
	ColumnsCmd.AddCommand(ColumnsPhaseCmd)
	RootCmd.AddCommand(ColumnsCmd)

	RootCmd.AddCommand(CheckCmd)

	RootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, c.UsageString())
	})

	viper.AutomaticEnv()
}

// Command flag vars
var (
	classifyConnection   string
	classifyDown         bool
	connectionName       string
	dryRun               bool
	Force                bool
	MaxNumPreMigrations  *int
	MaxNumPostMigrations *int
	schemaName           string
	showProgress         bool
	showVersion          bool
	SkipPostDeployment   bool
	transitionKind       string
	transitionType       string
	upToDateCheck        bool
)

// nullableInt implements spf13/pflag#Value as a custom nullable integer to capture spf13/cobra command flags.
// https://pkg.go.dev/github.com/spf13/pflag?tab=doc#Value
type nullableInt struct {
	ptr **int
}

func (f nullableInt) String() string {
	if *f.ptr == nil {
		return "0"
	}
	return strconv.Itoa(**f.ptr)
}

func (nullableInt) Type() string {
	return "int"
}

func (f nullableInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f.ptr = &v
	return nil
}

// setBoolFlagWithEnv binds a boolean flag to an environment variable and overrides the flag if the env var is set.
// It returns an error if the binding or setting fails.
func setBoolFlagWithEnv(envVarKey, flagName string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlag(envVarKey, cmd.Flags().Lookup(flagName)); err != nil {
			return fmt.Errorf("error binding env var %q to flag %q: %w", envVarKey, flagName, err)
		}

		if !cmd.Flags().Changed(flagName) {
			if viper.IsSet(envVarKey) {
				value := viper.GetBool(envVarKey)
				if err := cmd.Flags().Set(flagName, strconv.FormatBool(value)); err != nil {
					return fmt.Errorf("error setting flag %q from env var %q: %w", flagName, envVarKey, err)
				}
			}
		}
		return nil
	}
}

// confirm asks for a yes/no answer on stdin.
func confirm(prompt string) (bool, error) {
	var response string
	_, _ = fmt.Printf("%s Are you sure? [y/N] ", prompt)
	_, err := fmt.Scanln(&response)
	if err != nil && errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to scan user input: %w", err)
	}
	return regexp.MustCompile(`(?i)^y(es)?$`).MatchString(response), nil
}

// RootCmd is the main command for the 'database-guard' binary.
var RootCmd = &cobra.Command{
	Use:           "database-guard",
	Short:         "`database-guard` runs schema migrations safely across decomposed databases",
	Long:          "`database-guard` runs schema migrations safely across decomposed databases",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			version.PrintVersion()
			return nil
		}
		return cmd.Usage()
	},
}

// MigrateCmd is the `migrate` command that manages database migrations.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage migrations",
	Long:  "Manage migrations on every configured database connection",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

// migrationLimits resolves the pre and post-deployment limits. Setting only one limit restricts the run to that kind
// of migration.
func migrationLimits() (preLimit, postLimit int, pre, post bool, err error) {
	pre, post = true, !SkipPostDeployment
	switch {
	case MaxNumPostMigrations == nil && MaxNumPreMigrations == nil:
		return 0, 0, pre, post, nil
	case MaxNumPostMigrations == nil:
		return *MaxNumPreMigrations, 0, true, false, positive(*MaxNumPreMigrations)
	case MaxNumPreMigrations == nil:
		return 0, *MaxNumPostMigrations, false, post, positive(*MaxNumPostMigrations)
	}
	if *MaxNumPreMigrations < 1 || *MaxNumPostMigrations < 1 {
		return 0, 0, false, false, errors.New("both pre and post migration limits must be greater than or equal to 1")
	}
	return *MaxNumPreMigrations, *MaxNumPostMigrations, pre, post, nil
}

func positive(limit int) error {
	if limit < 1 {
		return errors.New("migration limits must be greater than or equal to 1")
	}
	return nil
}

func limitFor(m *migrations.Migrator, preLimit, postLimit int) int {
	if m.Name() == migrations.PostDeployTypeName {
		return postLimit
	}
	return preLimit
}

// migrationTargets returns the connections migrations run on. Connections sharing another connection's database
// are migrated through that connection.
func migrationTargets(e *environment) ([]*router.Connection, error) {
	conns, err := e.connections(connectionName)
	if err != nil {
		return nil, err
	}
	var out []*router.Connection
	for _, c := range conns {
		if c.SharedWith != "" {
			fmt.Printf("%s: shares the %s database, skipping\n", c.Name, c.SharedWith)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// MigrateUpCmd is the `up` sub-command of `migrate` that applies pending migrations.
var MigrateUpCmd = &cobra.Command{
	Use:   "up <config>",
	Short: "Apply up migrations",
	Long:  "Apply up migrations",
	RunE: func(_ *cobra.Command, args []string) error {
		preLimit, postLimit, pre, post, err := migrationLimits()
		if err != nil {
			return err
		}

		ctx, config, err := setup(args)
		if err != nil {
			return err
		}

		e, err := newEnvironment(ctx, config, true)
		if err != nil {
			return fmt.Errorf("failed to construct database connections: %w", err)
		}
		defer e.Close()
		startDebugServer(ctx, config, e.router)

		conns, err := migrationTargets(e)
		if err != nil {
			return err
		}

		progress := &backfillProgress{visible: showProgress}
		var (
			totalPreDeployApplied, totalPostDeployApplied, totalSkipped int
			totalMigrationTime                                          time.Duration
		)
		for _, conn := range conns {
			mm, err := e.migrators(ctx, conn, migratorOptions{pre: pre, post: post, progress: progress.update})
			if err != nil {
				return err
			}

			for _, mig := range mm {
				limit := limitFor(mig, preLimit, postLimit)

				plan, err := mig.UpNPlan(limit)
				if err != nil {
					return fmt.Errorf("failed to prepare Up plan: %w", err)
				}
				if len(plan) > 0 {
					fmt.Printf("%s %s:\n%s\n", conn.Name, mig.Name(), strings.Join(plan, "\n"))
				}
				if dryRun {
					continue
				}

				start := time.Now()
				mr, err := mig.UpN(ctx, limit)
				if err != nil {
					return fmt.Errorf("failed to run %s database migrations: %w", conn.Name, err)
				}
				totalMigrationTime += time.Since(start)

				for _, id := range mr.Skipped {
					log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{"connection": conn.Name, "migration_id": id}).
						Info("migration skipped and recorded as applied")
				}
				totalSkipped += len(mr.Skipped)
				if mig.Name() == migrations.PostDeployTypeName {
					totalPostDeployApplied += mr.AppliedCount
				} else {
					totalPreDeployApplied += mr.AppliedCount
				}
			}
		}

		if !dryRun {
			fmt.Printf("OK: applied %d pre-deployment migration(s) and %d post-deployment migration(s), %d skipped, in %.3fs\n",
				totalPreDeployApplied, totalPostDeployApplied, totalSkipped, totalMigrationTime.Seconds())
		}
		return nil
	},
}

// MigrateDownCmd is the `down` sub-command of `migrate` that reverts applied migrations.
var MigrateDownCmd = &cobra.Command{
	Use:   "down <config>",
	Short: "Apply down migrations",
	Long:  "Apply down migrations",
	RunE: func(_ *cobra.Command, args []string) error {
		preLimit, postLimit, pre, post, err := migrationLimits()
		if err != nil {
			return err
		}

		ctx, config, err := setup(args)
		if err != nil {
			return err
		}

		e, err := newEnvironment(ctx, config, true)
		if err != nil {
			return fmt.Errorf("failed to construct database connections: %w", err)
		}
		defer e.Close()

		conns, err := migrationTargets(e)
		if err != nil {
			return err
		}

		for _, conn := range conns {
			mm, err := e.migrators(ctx, conn, migratorOptions{pre: pre, post: post})
			if err != nil {
				return err
			}

			// post-deployment migrations are reverted first
			for i := len(mm) - 1; i >= 0; i-- {
				mig := mm[i]
				limit := limitFor(mig, preLimit, postLimit)

				plan, err := mig.DownNPlan(limit)
				if err != nil {
					return fmt.Errorf("failed to prepare Down plan: %w", err)
				}
				if len(plan) == 0 {
					continue
				}
				fmt.Printf("%s %s:\n%s\n", conn.Name, mig.Name(), strings.Join(plan, "\n"))
				if dryRun {
					continue
				}

				if !Force {
					ok, err := confirm("Preparing to apply the above down migrations.")
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
				}

				start := time.Now()
				n, err := mig.DownN(ctx, limit)
				if err != nil {
					return fmt.Errorf("failed to run %s database migrations: %w", conn.Name, err)
				}
				fmt.Printf("OK: applied %d %s %s migration(s) in %.3fs\n", n, conn.Name, mig.Name(), time.Since(start).Seconds())
			}
		}
		return nil
	},
}

// MigrateVersionCmd is the `version` sub-command of `migrate` that shows the current migration version.
var MigrateVersionCmd = &cobra.Command{
	Use:   "version <config>",
	Short: "Show current migration version",
	Long:  "Show current migration version",
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

		conns, err := migrationTargets(e)
		if err != nil {
			return err
		}
		for _, conn := range conns {
			mm, err := e.migrators(ctx, conn, migratorOptions{pre: true, post: !SkipPostDeployment})
			if err != nil {
				return err
			}
			for _, mig := range mm {
				v, err := mig.Version()
				if err != nil {
					return fmt.Errorf("failed to detect database version: %w", err)
				}
				if v == "" {
					v = "Unknown"
				}
				fmt.Printf("%s:%s:%s\n", conn.Name, mig.Name(), v)
			}
		}
		return nil
	},
}

// MigrateStatusCmd is the `status` sub-command of `migrate` that shows the migrations status.
var MigrateStatusCmd = &cobra.Command{
	Use:   "status <config>",
	Short: "Show migration status",
	Long:  "Show migration status",
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

		conns, err := migrationTargets(e)
		if err != nil {
			return err
		}

		upToDate := true
		for _, conn := range conns {
			mm, err := e.migrators(ctx, conn, migratorOptions{pre: true, post: !SkipPostDeployment})
			if err != nil {
				return err
			}
			for _, mig := range mm {
				statuses, err := mig.Status()
				if err != nil {
					return fmt.Errorf("failed to detect database status: %w", err)
				}

				if upToDateCheck {
					for _, s := range statuses {
						if s.AppliedAt == nil {
							upToDate = false
						}
					}
					continue
				}

				if err := renderStatus(conn.Name, mig.Name(), statuses); err != nil {
					return err
				}
			}
		}

		if upToDateCheck {
			if _, err := fmt.Println(upToDate); err != nil {
				return fmt.Errorf("printing line: %w", err)
			}
		}
		return nil
	},
}

func renderStatus(conn, name string, statuses map[string]*migrations.MigrationStatus) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Migration", "Applied"})

	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		label := id
		if statuses[id].Unknown {
			label += " (unknown)"
		}

		var appliedAt string
		if statuses[id].AppliedAt != nil {
			appliedAt = statuses[id].AppliedAt.String()
		}

		if err := table.Append([]string{label, appliedAt}); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}
	_, _ = fmt.Printf("%s %s\n", conn, name)
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}
