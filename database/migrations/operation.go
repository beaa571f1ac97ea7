package migrations

import (
	"regexp"

	gometrics "github.com/docker/go-metrics"
	"github.com/google/uuid"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
	"gitlab.com/gitlab-org/database-guard/database/restrict"
	"gitlab.com/gitlab-org/database-guard/metrics"
)

// OperationKind is the kind of schema change a migration performed.
type OperationKind string

const (
	OperationCreateTable  OperationKind = "create_table"
	OperationAddColumn    OperationKind = "add_column"
	OperationRenameColumn OperationKind = "rename_column"
	OperationChangeType   OperationKind = "change_type"
	OperationDropTable    OperationKind = "drop_table"
	OperationAddIndex     OperationKind = "add_index"
	OperationRenameTable  OperationKind = "rename_table"
)

// Operation is a schema change performed by a migration. Operations are logged and counted, then discarded.
type Operation struct {
	ID             uuid.UUID
	Table          string
	Kind           OperationKind
	DeclaredSchema gitlabschema.Schema
}

var (
	operationsCounter = metrics.MigrationsNamespace.NewLabeledCounter("operations", "The number of schema operations performed by migrations", "kind")
	appliedCounter    = metrics.MigrationsNamespace.NewLabeledCounter("applied", "The number of migrations applied or reverted", "type", "direction")
	skippedCounter    = metrics.MigrationsNamespace.NewLabeledCounter("skipped", "The number of migrations skipped on connections that do not serve their schema", "connection")
	runTimer          = metrics.MigrationsNamespace.NewLabeledTimer("run", "The duration of migration runs", "type", "direction")
)

func init() {
	gometrics.Register(metrics.MigrationsNamespace)
}

var (
	addColumnRegex    = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\b.*\bADD\s+(COLUMN\b|\w+\s+\w)`)
	addConstraint     = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\b.*\bADD\s+(CONSTRAINT|PRIMARY|UNIQUE|FOREIGN|CHECK|EXCLUDE)\b`)
	renameColumnRegex = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\b.*\bRENAME\s+(COLUMN\s+)?\S+\s+TO\b`)
	changeTypeRegex   = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\b.*\bALTER\s+(COLUMN\s+)?\S+\s+(SET\s+DATA\s+)?TYPE\b`)
	createIndexRegex  = regexp.MustCompile(`(?is)^\s*CREATE\s+(UNIQUE\s+)?INDEX\b`)
)

func newOperation(kind OperationKind, table string, schema gitlabschema.Schema) Operation {
	return Operation{ID: uuid.New(), Table: table, Kind: kind, DeclaredSchema: schema}
}

// operationsFor lists the operations performed by a classified statement.
func operationsFor(st restrict.Statement, schema gitlabschema.Schema) []Operation {
	var ops []Operation
	add := func(kind OperationKind, table string) {
		ops = append(ops, newOperation(kind, table, schema))
	}

	for _, t := range st.CreatedTables {
		add(OperationCreateTable, t)
	}
	for _, t := range st.DroppedTables {
		add(OperationDropTable, t)
	}
	for _, r := range st.Renames {
		add(OperationRenameTable, r.To)
	}
	if len(ops) > 0 || st.Kind != restrict.KindDDL || len(st.DDLTables) == 0 {
		return ops
	}

	table := st.DDLTables[0]
	switch {
	case createIndexRegex.MatchString(st.SQL):
		add(OperationAddIndex, table)
	case renameColumnRegex.MatchString(st.SQL):
		add(OperationRenameColumn, table)
	case changeTypeRegex.MatchString(st.SQL):
		add(OperationChangeType, table)
	case addColumnRegex.MatchString(st.SQL) && !addConstraint.MatchString(st.SQL):
		add(OperationAddColumn, table)
	}
	return ops
}
