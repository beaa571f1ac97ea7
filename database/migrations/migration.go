// Package migrations runs schema migrations on every configured connection. Each statement is checked by the query
// classifier before it runs, newly created tables are write-locked on the connections that do not own them and DDL
// runs inside a lock-retry block unless a migration opts out.
package migrations

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"

	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
)

const (
	// PreDeployTypeName names migrations applied before a deployment.
	PreDeployTypeName = "pre-deployment"
	// PostDeployTypeName names migrations applied after a deployment.
	PostDeployTypeName = "post-deployment"
)

// Step is a single migration as seen by the runner.
type Step interface {
	ID() string
	DeclaredSchema() gitlabschema.Schema
	Up(ctx context.Context, h *Helpers) error
	Down(ctx context.Context, h *Helpers) error
}

// Migration is a schema migration. The SQL statements of the embedded migration run first, then UpFunc or DownFunc.
type Migration struct {
	*migrate.Migration

	// RestrictGitlabSchema puts the migration in DML mode, restricted to the tables of one schema. Migrations without
	// it are in DDL mode.
	RestrictGitlabSchema gitlabschema.Schema
	UpFunc               func(ctx context.Context, h *Helpers) error
	DownFunc             func(ctx context.Context, h *Helpers) error
	// DisableLockRetries runs the migration in a plain transaction instead of a lock-retry block.
	DisableLockRetries bool
	// SkipAutomaticLockOnWrites exempts the tables created by the migration from automatic write locks.
	SkipAutomaticLockOnWrites bool
	// AllowCrossSchemaReads is the reason the migration may read tables of schemas the connection does not serve.
	AllowCrossSchemaReads string
}

var _ Step = (*Migration)(nil)

// ID returns the migration id.
func (m *Migration) ID() string {
	return m.Id
}

// DeclaredSchema returns the schema the migration is restricted to, if any.
func (m *Migration) DeclaredSchema() gitlabschema.Schema {
	return m.RestrictGitlabSchema
}

// Up applies the migration.
func (m *Migration) Up(ctx context.Context, h *Helpers) error {
	return m.run(ctx, h, m.Migration.Up, m.UpFunc)
}

// Down reverts the migration.
func (m *Migration) Down(ctx context.Context, h *Helpers) error {
	return m.run(ctx, h, m.Migration.Down, m.DownFunc)
}

func (*Migration) run(ctx context.Context, h *Helpers, stmts []string, fn func(context.Context, *Helpers) error) error {
	for _, s := range stmts {
		if err := h.Execute(ctx, s); err != nil {
			return err
		}
	}
	if fn != nil {
		return fn(ctx, h)
	}
	return nil
}

func (m *Migration) validate() error {
	if m.Migration == nil || m.Id == "" {
		return fmt.Errorf("migration without id")
	}
	if m.RestrictGitlabSchema != "" && !m.RestrictGitlabSchema.Valid() {
		return fmt.Errorf("migration %s: unknown gitlab_schema %q", m.Id, m.RestrictGitlabSchema)
	}
	return nil
}

var (
	mu             sync.Mutex
	preMigrations  []*Migration
	postMigrations []*Migration
)

// AppendPreMigration registers pre-deployment migrations.
func AppendPreMigration(m ...*Migration) {
	mu.Lock()
	defer mu.Unlock()
	preMigrations = append(preMigrations, m...)
}

// AppendPostMigration registers post-deployment migrations.
func AppendPostMigration(m ...*Migration) {
	mu.Lock()
	defer mu.Unlock()
	postMigrations = append(postMigrations, m...)
}

// ResetPreMigrations removes every registered pre-deployment migration.
func ResetPreMigrations() {
	mu.Lock()
	defer mu.Unlock()
	preMigrations = nil
}

// ResetPostMigrations removes every registered post-deployment migration.
func ResetPostMigrations() {
	mu.Lock()
	defer mu.Unlock()
	postMigrations = nil
}

// AllPreMigrations returns the registered pre-deployment migrations.
func AllPreMigrations() []*Migration {
	mu.Lock()
	defer mu.Unlock()
	return append([]*Migration(nil), preMigrations...)
}

// AllPostMigrations returns the registered post-deployment migrations.
func AllPostMigrations() []*Migration {
	mu.Lock()
	defer mu.Unlock()
	return append([]*Migration(nil), postMigrations...)
}

// Directives recognized in SQL migration files, next to the sql-migrate `-- +migrate` commands.
const (
	directiveRestrict      = "restrict_gitlab_schema"
	directiveSkipAutoLock  = "skip_automatic_lock_on_writes"
	directiveNoLockRetries = "disable_lock_retries"
	directiveCrossSchema   = "allow_cross_schema_reads"
)

var directiveRegex = regexp.MustCompile(`^--\s*\+(` + directiveRestrict + `|` + directiveSkipAutoLock + `|` +
	directiveNoLockRetries + `|` + directiveCrossSchema + `)\b\s*(.*)$`)

// LoadFiles reads the *.sql migrations of fsys, sorted by id.
func LoadFiles(fsys fs.FS) ([]*Migration, error) {
	src := migrate.HttpFileSystemMigrationSource{FileSystem: http.FS(fsys)}
	parsed, err := src.FindMigrations()
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}

	mm := make([]*Migration, 0, len(parsed))
	for _, p := range parsed {
		b, err := fs.ReadFile(fsys, p.Id)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", p.Id, err)
		}
		m := &Migration{Migration: p}
		if err := parseDirectives(m, b); err != nil {
			return nil, fmt.Errorf("migration %s: %w", p.Id, err)
		}
		mm = append(mm, m)
	}
	return mm, nil
}

// ParseFile parses a single SQL migration file, including its directives.
func ParseFile(id string, content []byte) (*Migration, error) {
	p, err := migrate.ParseMigration(id, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parsing migration %s: %w", id, err)
	}
	m := &Migration{Migration: p}
	if err := parseDirectives(m, content); err != nil {
		return nil, fmt.Errorf("migration %s: %w", id, err)
	}
	return m, nil
}

func parseDirectives(m *Migration, content []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		match := directiveRegex.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if match == nil {
			continue
		}
		arg := strings.TrimSpace(match[2])

		switch match[1] {
		case directiveRestrict:
			s, err := gitlabschema.Parse(arg)
			if err != nil {
				return err
			}
			m.RestrictGitlabSchema = s
		case directiveSkipAutoLock:
			m.SkipAutomaticLockOnWrites = true
		case directiveNoLockRetries:
			m.DisableLockRetries = true
		case directiveCrossSchema:
			if arg == "" {
				return fmt.Errorf("%s requires a reason", directiveCrossSchema)
			}
			m.AllowCrossSchemaReads = arg
		}
	}
	return scanner.Err()
}

// sortMigrations orders migrations by id the way sql-migrate does, and rejects duplicates.
func sortMigrations(mm []*Migration) ([]*Migration, error) {
	seen := make(map[string]bool, len(mm))
	for _, m := range mm {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if seen[m.Id] {
			return nil, fmt.Errorf("duplicate migration id %s", m.Id)
		}
		seen[m.Id] = true
	}

	out := append([]*Migration(nil), mm...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Less(out[j].Migration)
	})
	return out, nil
}
