package columns

import (
	"fmt"
	"regexp"
	"strings"
)

// UnsupportedDefaultError is returned when the default of a source column is an expression other than a literal, for
// example a function call.
type UnsupportedDefaultError struct {
	Table   string
	Column  string
	Default string
}

func (e *UnsupportedDefaultError) Error() string {
	return fmt.Sprintf("column %s.%s has the non-literal default %s, which cannot be copied: "+
		"drop the default before the transition and restore it on the new column afterwards", e.Table, e.Column, e.Default)
}

// TransactionConflictError is returned when a column transition operation is called inside an open transaction.
type TransactionConflictError struct {
	Operation string
}

func (e *TransactionConflictError) Error() string {
	return fmt.Sprintf("%s cannot run inside a transaction: disable the migration transaction", e.Operation)
}

// castSuffix matches any number of trailing casts such as ::character varying(255) or ::text[].
const castSuffix = `(?:::[a-z_][\w ."]*(?:\(\d+(?:,\s*\d+)?\))?(?:\[\])*)*`

var (
	stringDefault  = regexp.MustCompile(`(?s)^\(?'(?:[^']|'')*'\)?` + castSuffix + `$`)
	numericDefault = regexp.MustCompile(`^\(?-?\d+(?:\.\d+)?(?:e[+-]?\d+)?\)?` + castSuffix + `$`)
	booleanDefault = regexp.MustCompile(`^(?i:true|false)` + castSuffix + `$`)
	nullDefault    = regexp.MustCompile(`^(?i:null)` + castSuffix + `$`)
)

// literalDefault inspects a column default as returned by pg_get_expr. It returns the expression to copy, empty for
// no default. NULL defaults, cast or not, count as no default.
func literalDefault(table, column, expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "", nullDefault.MatchString(expr):
		return "", nil
	case stringDefault.MatchString(expr), numericDefault.MatchString(expr), booleanDefault.MatchString(expr):
		return expr, nil
	default:
		return "", &UnsupportedDefaultError{Table: table, Column: column, Default: expr}
	}
}
