// Package gitlabschema maps every table to the logical schema that owns it. The mapping is loaded once from a
// database dictionary directory and is immutable afterwards, so a Registry is safe for concurrent use.
package gitlabschema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Schema is a logical schema a table belongs to.
type Schema string

const (
	Main     Schema = "gitlab_main"
	CI       Schema = "gitlab_ci"
	Shared   Schema = "gitlab_shared"
	Internal Schema = "gitlab_internal"
	Geo      Schema = "gitlab_geo"
)

// All lists every known schema.
var All = []Schema{Main, CI, Shared, Internal, Geo}

// String implements fmt.Stringer.
func (s Schema) String() string {
	return string(s)
}

// Valid reports whether s is a known schema.
func (s Schema) Valid() bool {
	for _, v := range All {
		if s == v {
			return true
		}
	}
	return false
}

// Shared reports whether tables of this schema are writable from every database and never write-locked.
func (s Schema) Shared() bool {
	return s == Shared
}

// Internal reports whether tables of this schema are ignored by restriction checks.
func (s Schema) Internal() bool {
	return s == Internal
}

// Parse converts a string into a Schema, failing for unknown names.
func Parse(s string) (Schema, error) {
	schema := Schema(s)
	if !schema.Valid() {
		return "", fmt.Errorf("unknown gitlab_schema %q, must be one of %q", s, All)
	}
	return schema, nil
}

// UnknownSchemaError is returned when a table has no dictionary entry.
type UnknownSchemaError struct {
	Table string
}

// Error implements error.
func (e *UnknownSchemaError) Error() string {
	return fmt.Sprintf("no gitlab_schema is defined for table %q, add it to the database dictionary", e.Table)
}

// TableSchemaMapping pairs a table with its schema.
type TableSchemaMapping struct {
	TableName string
	Schema    Schema
}

// DefaultInternalTables are bookkeeping tables that always belong to gitlab_internal.
var DefaultInternalTables = []string{"schema_migrations", "ar_internal_metadata"}

// partitionSchemas hold partitions whose parent table is the one registered in the dictionary.
var partitionSchemas = map[string]bool{
	"gitlab_partitions_dynamic": true,
	"gitlab_partitions_static":  true,
}

var partitionSuffix = regexp.MustCompile(`_\d+$`)

// Registry resolves table names to schemas.
type Registry struct {
	tables   map[string]Entry
	views    map[string]Entry
	deleted  map[string]Entry
	internal map[string]bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithInternalTables registers additional bookkeeping tables resolved to gitlab_internal.
func WithInternalTables(names ...string) Option {
	return func(r *Registry) {
		for _, n := range names {
			if n != "" {
				r.internal[n] = true
			}
		}
	}
}

func newRegistry(opts ...Option) *Registry {
	r := &Registry{
		tables:   make(map[string]Entry),
		views:    make(map[string]Entry),
		deleted:  make(map[string]Entry),
		internal: make(map[string]bool),
	}
	for _, n := range DefaultInternalTables {
		r.internal[n] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// New builds a Registry from an in-memory table to schema mapping.
func New(mappings map[string]Schema, opts ...Option) (*Registry, error) {
	r := newRegistry(opts...)
	for table, schema := range mappings {
		if !schema.Valid() {
			return nil, fmt.Errorf("table %q: unknown gitlab_schema %q", table, schema)
		}
		r.tables[table] = Entry{TableName: table, GitlabSchema: schema.String()}
	}
	return r, nil
}

// SchemaFor returns the schema owning table. Names are matched exactly and case-sensitively, after stripping an
// optional "public." prefix. PostgreSQL catalog tables and configured bookkeeping tables resolve to gitlab_internal.
// Tables only present in the deleted-tables dictionary still resolve, so old migrations keep working.
func (r *Registry) SchemaFor(table string) (Schema, error) {
	name := table
	if s, t, ok := strings.Cut(name, "."); ok {
		switch {
		case s == "public":
			name = t
		case s == "pg_catalog" || s == "information_schema":
			return Internal, nil
		case partitionSchemas[s]:
			return r.partitionSchema(table, t)
		}
	}

	if strings.HasPrefix(name, "pg_") || r.internal[name] {
		return Internal, nil
	}
	if e, ok := r.tables[name]; ok {
		return Schema(e.GitlabSchema), nil
	}
	if e, ok := r.views[name]; ok {
		return Schema(e.GitlabSchema), nil
	}
	if e, ok := r.deleted[name]; ok {
		return Schema(e.GitlabSchema), nil
	}
	return "", &UnknownSchemaError{Table: table}
}

// partitionSchema resolves a partition either by its own name or by its parent, named without the numeric suffix.
func (r *Registry) partitionSchema(original, name string) (Schema, error) {
	for _, candidate := range []string{name, partitionSuffix.ReplaceAllString(name, "")} {
		if e, ok := r.tables[candidate]; ok {
			return Schema(e.GitlabSchema), nil
		}
	}
	return "", &UnknownSchemaError{Table: original}
}

// Entry returns the dictionary entry of a live table or view.
func (r *Registry) Entry(name string) (Entry, bool) {
	if e, ok := r.tables[name]; ok {
		return e, true
	}
	e, ok := r.views[name]
	return e, ok
}

// IsDeleted reports whether table is only known through the deleted-tables dictionary.
func (r *Registry) IsDeleted(table string) bool {
	_, live := r.tables[table]
	_, deleted := r.deleted[table]
	return deleted && !live
}

// Tables returns the names of all live tables, sorted.
func (r *Registry) Tables() []string {
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Mappings returns the table to schema mapping of all live tables, sorted by table name.
func (r *Registry) Mappings() []TableSchemaMapping {
	out := make([]TableSchemaMapping, 0, len(r.tables))
	for _, n := range r.Tables() {
		out = append(out, TableSchemaMapping{TableName: n, Schema: Schema(r.tables[n].GitlabSchema)})
	}
	return out
}
