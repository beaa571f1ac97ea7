//go:generate mockgen -package mocks -destination mocks/triggers.go . TriggerInstaller

package columns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"gitlab.com/gitlab-org/database-guard/database/datastore"
)

// Operation is the kind of write a sync trigger reacts to.
type Operation string

const (
	// OperationInsert fills whichever column of a pair was left at its default on INSERT.
	OperationInsert Operation = "insert"
	// OperationUpdateOld copies the old column into the new one when the old column is updated.
	OperationUpdateOld Operation = "update_old"
	// OperationUpdateNew copies the new column into the old one when the new column is updated.
	OperationUpdateNew Operation = "update_new"
	// OperationCopy copies every From column into its To column on INSERT and UPDATE.
	OperationCopy Operation = "copy"
)

const (
	triggerPrefix  = "trigger_"
	functionPrefix = "function_for_"
)

// TriggerSpec describes a sync trigger. From and To are parallel column lists. Only OperationCopy accepts more than
// one pair.
type TriggerSpec struct {
	Table     string
	Operation Operation
	From      []string
	To        []string
	// FromDefault and ToDefault are the SQL default expressions of the first pair, "NULL" when unset. OperationInsert
	// treats a column still holding its default as not provided.
	FromDefault string
	ToDefault   string
}

// Name returns the trigger name, derived from the table, the column pairs and the operation.
func (s TriggerSpec) Name() string {
	parts := []string{s.Table, strings.Join(s.From, "_"), strings.Join(s.To, "_")}
	if s.Operation != OperationCopy {
		parts = append(parts, string(s.Operation))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "_")))
	return triggerPrefix + hex.EncodeToString(sum[:])[:12]
}

// Handle returns the handle of the trigger described by s.
func (s TriggerSpec) Handle() TriggerHandle {
	name := s.Name()
	return TriggerHandle{Table: s.Table, Trigger: name, Function: functionPrefix + name}
}

// TriggerHandle identifies an installed trigger and its function.
type TriggerHandle struct {
	Table    string
	Trigger  string
	Function string
}

// TriggerInstaller installs the database code keeping two columns in sync.
type TriggerInstaller interface {
	Install(ctx context.Context, q datastore.Queryer, spec TriggerSpec) (TriggerHandle, error)
	Remove(ctx context.Context, q datastore.Queryer, h TriggerHandle) error
	Exists(ctx context.Context, q datastore.Queryer, h TriggerHandle) (bool, error)
}

// BidirectionalSpecs returns the three trigger specs keeping oldCol and newCol of table in sync.
func BidirectionalSpecs(table, oldCol, newCol, oldDefault, newDefault string) []TriggerSpec {
	ops := []Operation{OperationInsert, OperationUpdateOld, OperationUpdateNew}
	specs := make([]TriggerSpec, 0, len(ops))
	for _, op := range ops {
		specs = append(specs, TriggerSpec{
			Table:       table,
			Operation:   op,
			From:        []string{oldCol},
			To:          []string{newCol},
			FromDefault: nullIfEmpty(oldDefault),
			ToDefault:   nullIfEmpty(newDefault),
		})
	}
	return specs
}

func nullIfEmpty(s string) string {
	if s == "" {
		return "NULL"
	}
	return s
}

// PLpgSQLInstaller is the TriggerInstaller for PostgreSQL row triggers written in PL/pgSQL.
type PLpgSQLInstaller struct{}

var _ TriggerInstaller = PLpgSQLInstaller{}

// Install creates or replaces the function and trigger described by spec.
func (PLpgSQLInstaller) Install(ctx context.Context, q datastore.Queryer, spec TriggerSpec) (TriggerHandle, error) {
	h := spec.Handle()
	if len(spec.From) == 0 || len(spec.From) != len(spec.To) {
		return h, fmt.Errorf("trigger %s: mismatched column lists %v and %v", h.Trigger, spec.From, spec.To)
	}

	body, event, err := triggerDefinition(spec)
	if err != nil {
		return h, err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s()
	RETURNS TRIGGER
	AS $$
BEGIN
%s
	RETURN NEW;
END
$$
LANGUAGE PLPGSQL`, datastore.QuoteIdent(h.Function), body),
		fmt.Sprintf("CREATE OR REPLACE TRIGGER %s\n\tBEFORE %s ON %s\n\tFOR EACH ROW\n\tEXECUTE FUNCTION %s()",
			datastore.QuoteIdent(h.Trigger), event, datastore.QuoteTable(spec.Table), datastore.QuoteIdent(h.Function)),
	}
	for _, s := range stmts {
		if _, err := q.ExecContext(ctx, s); err != nil {
			return h, fmt.Errorf("installing trigger %s on %s: %w", h.Trigger, spec.Table, err)
		}
	}
	return h, nil
}

func triggerDefinition(spec TriggerSpec) (body, event string, err error) {
	from, to := datastore.QuoteIdent(spec.From[0]), datastore.QuoteIdent(spec.To[0])

	switch spec.Operation {
	case OperationInsert:
		body = fmt.Sprintf(`	IF NEW.%[1]s IS NOT DISTINCT FROM %[3]s AND NEW.%[2]s IS DISTINCT FROM %[4]s THEN
		NEW.%[1]s := NEW.%[2]s;
	END IF;
	IF NEW.%[2]s IS NOT DISTINCT FROM %[4]s AND NEW.%[1]s IS DISTINCT FROM %[3]s THEN
		NEW.%[2]s := NEW.%[1]s;
	END IF;`, from, to, nullIfEmpty(spec.FromDefault), nullIfEmpty(spec.ToDefault))
		return body, "INSERT", nil
	case OperationUpdateOld:
		return fmt.Sprintf("\tNEW.%s := NEW.%s;", to, from), "UPDATE OF " + from, nil
	case OperationUpdateNew:
		return fmt.Sprintf("\tNEW.%s := NEW.%s;", from, to), "UPDATE OF " + to, nil
	case OperationCopy:
		lines := make([]string, 0, len(spec.From))
		for i := range spec.From {
			lines = append(lines, fmt.Sprintf("\tNEW.%s := NEW.%s;", datastore.QuoteIdent(spec.To[i]), datastore.QuoteIdent(spec.From[i])))
		}
		return strings.Join(lines, "\n"), "INSERT OR UPDATE", nil
	default:
		return "", "", fmt.Errorf("unknown trigger operation %q", spec.Operation)
	}
}

// Remove drops the trigger and its function. Missing objects are ignored.
func (PLpgSQLInstaller) Remove(ctx context.Context, q datastore.Queryer, h TriggerHandle) error {
	stmts := []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", datastore.QuoteIdent(h.Trigger), datastore.QuoteTable(h.Table)),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", datastore.QuoteIdent(h.Function)),
	}
	for _, s := range stmts {
		if _, err := q.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("removing trigger %s from %s: %w", h.Trigger, h.Table, err)
		}
	}
	return nil
}

// Exists reports whether the trigger is attached to its table.
func (PLpgSQLInstaller) Exists(ctx context.Context, q datastore.Queryer, h TriggerHandle) (bool, error) {
	return datastore.ExistsTrigger(ctx, q, h.Table, h.Trigger)
}
