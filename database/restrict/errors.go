package restrict

import (
	"errors"
	"fmt"
	"strings"

	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
)

// Verdicts returned by Verdict.
const (
	VerdictSuccess          = "success"
	VerdictDDLNotAllowed    = "ddl_not_allowed"
	VerdictDMLNotAllowed    = "dml_not_allowed"
	VerdictDMLAccessDenied  = "dml_access_denied"
	VerdictCrossSchemaError = "cross_schema_error"
	VerdictMixedDDLDML      = "mixed_ddl_dml"
	VerdictUnknownSchema    = "unknown_schema"
	VerdictError            = "error"
)

// DDLNotAllowedError is returned for DDL in a migration restricted to a schema, on tables outside that schema or on
// functions. Indexes and sequences whose table cannot be resolved from their name are rejected as well.
type DDLNotAllowedError struct {
	Schema    gitlabschema.Schema
	Tables    []string
	Functions []string
	Objects   []string
	AllTables bool
	// Operation names the helper that required DDL mode, when the error was raised by RequireDDLMode.
	Operation string
}

func (e *DDLNotAllowedError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s is a DDL operation and cannot run in a migration restricted to %s: "+
			"remove the schema restriction or move the operation to a separate migration", e.Operation, e.Schema)
	}
	var targets []string
	if len(e.Tables) > 0 {
		targets = append(targets, "tables "+strings.Join(e.Tables, ", "))
	}
	if len(e.Functions) > 0 {
		targets = append(targets, "functions "+strings.Join(e.Functions, ", "))
	}
	if len(e.Objects) > 0 {
		targets = append(targets, "indexes or sequences "+strings.Join(e.Objects, ", "))
	}
	if e.AllTables {
		targets = append(targets, "every table of the database")
	}
	return fmt.Sprintf("DDL on %s is not allowed in a migration restricted to %s", strings.Join(targets, " and "), e.Schema)
}

// DMLNotAllowedError is returned for data access in a migration without a schema restriction.
type DMLNotAllowedError struct {
	Tables    []string
	Operation string
}

func (e *DMLNotAllowedError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s accesses data and requires the migration to declare the gitlab_schema it is restricted to", e.Operation)
	}
	return fmt.Sprintf("data access to tables %s requires the migration to declare the gitlab_schema it is restricted to",
		strings.Join(e.Tables, ", "))
}

// DMLAccessDeniedError is returned for data access to tables outside the schema a migration is restricted to.
type DMLAccessDeniedError struct {
	Schema gitlabschema.Schema
	Tables map[string]gitlabschema.Schema
}

func (e *DMLAccessDeniedError) Error() string {
	parts := make([]string, 0, len(e.Tables))
	for _, t := range sortedKeys(e.Tables) {
		parts = append(parts, fmt.Sprintf("%s (%s)", t, e.Tables[t]))
	}
	return fmt.Sprintf("a migration restricted to %s cannot access data of %s", e.Schema, strings.Join(parts, ", "))
}

// CrossSchemaAccessError is returned for data access to a table whose schema the current connection does not serve.
type CrossSchemaAccessError struct {
	Table      string
	Schema     gitlabschema.Schema
	Connection string
	Write      bool
}

func (e *CrossSchemaAccessError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("cross-schema %s of table %s (%s) through the %s connection, which does not serve %s",
		op, e.Table, e.Schema, e.Connection, e.Schema)
}

// MixedDDLDMLError is returned when a migration issues both DDL and data modifications.
type MixedDDLDMLError struct {
	Statement string
}

func (e *MixedDDLDMLError) Error() string {
	return fmt.Sprintf("migration mixes DDL and data modifications, split it into separate migrations: %s", e.Statement)
}

// Verdict maps an error returned by the Analyzer to a verdict.
func Verdict(err error) string {
	var (
		ddlErr     *DDLNotAllowedError
		dmlErr     *DMLNotAllowedError
		deniedErr  *DMLAccessDeniedError
		crossErr   *CrossSchemaAccessError
		mixedErr   *MixedDDLDMLError
		unknownErr *gitlabschema.UnknownSchemaError
	)

	switch {
	case err == nil:
		return VerdictSuccess
	case errors.As(err, &ddlErr):
		return VerdictDDLNotAllowed
	case errors.As(err, &dmlErr):
		return VerdictDMLNotAllowed
	case errors.As(err, &deniedErr):
		return VerdictDMLAccessDenied
	case errors.As(err, &crossErr):
		return VerdictCrossSchemaError
	case errors.As(err, &mixedErr):
		return VerdictMixedDDLDML
	case errors.As(err, &unknownErr):
		return VerdictUnknownSchema
	default:
		return VerdictError
	}
}
