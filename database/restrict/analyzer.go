// Package restrict classifies the SQL issued by a migration and rejects statements that violate the migration's
// gitlab_schema restriction or reach tables the current connection does not serve.
package restrict

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"gitlab.com/gitlab-org/database-guard/database/datastore/metrics"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/log"
)

// ErrReasonRequired is returned when cross-schema reads are allowed without a reason.
var ErrReasonRequired = errors.New("a reason is required to allow cross-schema reads")

type crossSchemaKey struct{}

// AllowCrossSchemaReads returns a context under which read-only access to tables of schemas the connection does not
// serve is accepted. Every such statement is logged along with reason.
func AllowCrossSchemaReads(ctx context.Context, reason string) (context.Context, error) {
	if reason == "" {
		return ctx, ErrReasonRequired
	}
	return context.WithValue(ctx, crossSchemaKey{}, reason), nil
}

func crossSchemaReason(ctx context.Context) string {
	r, _ := ctx.Value(crossSchemaKey{}).(string)
	return r
}

// Applicable reports whether a migration restricted to schema runs on conn. Migrations without a restriction run
// everywhere.
func Applicable(conn *router.Connection, schema gitlabschema.Schema) bool {
	return schema == "" || conn.Serves(schema)
}

// Analyzer checks the statements of one migration on one connection. It remembers whether the migration already
// issued DDL or data modifications.
type Analyzer struct {
	registry *gitlabschema.Registry
	conn     *router.Connection
	schema   gitlabschema.Schema

	mu     sync.Mutex
	sawDDL bool
	sawDML bool
}

// NewAnalyzer returns an Analyzer for a migration restricted to schema, or unrestricted when schema is empty.
func NewAnalyzer(registry *gitlabschema.Registry, conn *router.Connection, schema gitlabschema.Schema) *Analyzer {
	return &Analyzer{registry: registry, conn: conn, schema: schema}
}

// Schema returns the schema the migration is restricted to.
func (a *Analyzer) Schema() gitlabschema.Schema {
	return a.schema
}

// RequireDDLMode fails when the migration is restricted to a schema.
func (a *Analyzer) RequireDDLMode(op string) error {
	if a.schema == "" {
		return nil
	}
	err := &DDLNotAllowedError{Schema: a.schema, Operation: op}
	metrics.ClassifierVerdict(Verdict(err))
	return err
}

// RequireDMLMode fails when the migration is not restricted to a schema.
func (a *Analyzer) RequireDMLMode(op string) error {
	if a.schema != "" {
		return nil
	}
	err := &DMLNotAllowedError{Operation: op}
	metrics.ClassifierVerdict(Verdict(err))
	return err
}

// AnalyzeSQL parses sql and analyzes every statement in it.
func (a *Analyzer) AnalyzeSQL(ctx context.Context, sql string) error {
	stmts, err := Parse(sql)
	if err != nil {
		metrics.ClassifierVerdict(VerdictError)
		return err
	}
	for _, st := range stmts {
		if err := a.Analyze(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// Analyze checks a statement. Checks run in order: every table must have a schema, data access must stay on the
// connection's schemas, the schema restriction must hold, and DDL and data modifications must not be mixed.
func (a *Analyzer) Analyze(ctx context.Context, st Statement) error {
	err := a.analyze(ctx, st)
	verdict := Verdict(err)
	metrics.ClassifierVerdict(verdict)

	if err != nil {
		log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
			"verdict":    verdict,
			"connection": a.conn.Name,
			"schema":     a.schema,
			"statement":  st.SQL,
		}).WithError(err).Error("statement rejected")
	}
	return err
}

func (a *Analyzer) analyze(ctx context.Context, st Statement) error {
	schemas := make(map[string]gitlabschema.Schema)
	for _, t := range st.Tables() {
		s, err := a.registry.SchemaFor(t)
		if err != nil {
			return err
		}
		schemas[t] = s
	}

	reason := crossSchemaReason(ctx)
	justified := make(map[string]bool)

	// cross-schema
	for _, t := range st.WriteTables {
		s := schemas[t]
		if !s.Internal() && !a.conn.Serves(s) {
			return &CrossSchemaAccessError{Table: t, Schema: s, Connection: a.conn.Name, Write: true}
		}
	}
	for _, t := range st.ReadTables {
		s := schemas[t]
		if s.Internal() || a.conn.Serves(s) {
			continue
		}
		if reason == "" {
			return &CrossSchemaAccessError{Table: t, Schema: s, Connection: a.conn.Name}
		}
		justified[t] = true
		log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
			"table":      t,
			"schema":     s,
			"connection": a.conn.Name,
			"reason":     reason,
			"statement":  st.SQL,
		}).Warn("allowing cross-schema read")
	}

	// schema restriction
	if a.schema == "" {
		// a justified read still needs the migration to declare its schema
		var data []string
		for _, list := range [][]string{st.WriteTables, st.ReadTables} {
			for _, t := range list {
				if !schemas[t].Internal() {
					data = append(data, t)
				}
			}
		}
		if len(data) > 0 {
			return &DMLNotAllowedError{Tables: data}
		}
	} else {
		var ddlTables []string
		for _, t := range st.DDLTables {
			if s := schemas[t]; s != a.schema && !s.Internal() {
				ddlTables = append(ddlTables, t)
			}
		}
		var objects []string
		for _, o := range st.DDLObjects {
			if s, ok := a.ownerSchema(o); !ok || (s != a.schema && !s.Internal()) {
				objects = append(objects, o)
			}
		}
		if len(ddlTables) > 0 || len(st.DDLFunctions) > 0 || len(objects) > 0 || st.AllTables {
			return &DDLNotAllowedError{
				Schema:    a.schema,
				Tables:    ddlTables,
				Functions: st.DDLFunctions,
				Objects:   objects,
				AllTables: st.AllTables,
			}
		}

		var data []string
		for _, list := range [][]string{st.WriteTables, st.ReadTables} {
			for _, t := range list {
				if !schemas[t].Internal() && !justified[t] {
					data = append(data, t)
				}
			}
		}

		denied := make(map[string]gitlabschema.Schema)
		for _, t := range data {
			if s := schemas[t]; s != a.schema {
				denied[t] = s
			}
		}
		if len(denied) > 0 {
			return &DMLAccessDeniedError{Schema: a.schema, Tables: denied}
		}
	}

	// mixed DDL and data modifications
	writes := false
	for _, t := range st.WriteTables {
		if !schemas[t].Internal() {
			writes = true
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if st.Kind == KindDDL {
		a.sawDDL = true
	}
	if writes {
		a.sawDML = true
	}
	if a.sawDDL && a.sawDML {
		return &MixedDDLDMLError{Statement: st.SQL}
	}
	return nil
}

// ownerPrefixes start index names of the form <prefix><table>_on_<columns>.
var ownerPrefixes = []string{"index_", "unique_index_", "idx_"}

// ownerSuffixes end index and sequence names of the form <table>[_<columns>]<suffix>.
var ownerSuffixes = []string{"_seq", "_pkey", "_idx", "_key", "_fkey"}

// ownerSchema resolves the schema of the table an index or sequence belongs to from its name. Candidate tables are
// tried from the longest down. ok is false when no candidate is a known table.
func (a *Analyzer) ownerSchema(object string) (gitlabschema.Schema, bool) {
	qualifier, name := "", object
	if s, n, ok := strings.Cut(object, "."); ok {
		qualifier, name = s+".", n
	}

	var candidates []string
	for _, prefix := range ownerPrefixes {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		for i := strings.LastIndex(rest, "_on_"); i > 0; i = strings.LastIndex(rest[:i], "_on_") {
			candidates = append(candidates, rest[:i])
		}
	}
	for _, suffix := range ownerSuffixes {
		base, ok := strings.CutSuffix(name, suffix)
		if !ok {
			continue
		}
		for base != "" {
			candidates = append(candidates, base)
			i := strings.LastIndex(base, "_")
			if i <= 0 {
				break
			}
			base = base[:i]
		}
	}

	for _, c := range candidates {
		if s, err := a.registry.SchemaFor(qualifier + c); err == nil {
			return s, true
		}
	}
	return "", false
}

func sortedKeys(m map[string]gitlabschema.Schema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
