// Package models holds the plain data types read from the PostgreSQL catalog.
package models

import (
	"strings"

	"github.com/guregu/null/v6"
)

// Column describes a table column as found in the catalog.
type Column struct {
	Table   string
	Name    string
	SQLType string
	NotNull bool
	// Default is the column default expression, invalid when the column has no default.
	Default                null.String
	CharacterMaximumLength null.Int
	NumericPrecision       null.Int
	NumericScale           null.Int
	PrimaryKey             bool
}

// BaseType returns the SQL type without modifiers, for example "character varying" for "character varying(255)".
func (c Column) BaseType() string {
	if i := strings.Index(c.SQLType, "("); i > 0 {
		return strings.TrimSpace(c.SQLType[:i])
	}
	return c.SQLType
}

// Trigger is a trigger attached to a table.
type Trigger struct {
	Table   string
	Name    string
	Comment null.String
}

// Index is an index defined on a table.
type Index struct {
	Table      string
	Name       string
	Definition string
	Unique     bool
	Primary    bool
}
