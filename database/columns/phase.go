package columns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gitlab.com/gitlab-org/database-guard/database/datastore"
)

// Phase is the progress of a column transition, derived from the catalog.
type Phase string

const (
	PhaseNotStarted            Phase = "not_started"
	PhaseColumnAdded           Phase = "column_added"
	PhaseSyncTriggersInstalled Phase = "sync_triggers_installed"
	PhaseBackfilled            Phase = "backfilled"
	PhaseSwapped               Phase = "swapped"
	PhaseOldColumnRemoved      Phase = "old_column_removed"
)

// Kind is the kind of column transition.
type Kind string

const (
	KindRename     Kind = "rename"
	KindTypeChange Kind = "type_change"
	KindBigint     Kind = "bigint"
)

// ErrNoColumns is returned when neither column of a transition exists.
var ErrNoColumns = errors.New("neither column of the transition exists")

// Transition identifies a column transition. For KindTypeChange and KindBigint, New is derived from Old when empty.
// Type is the target type of a KindTypeChange, as printed by format_type, and lets a finished type change be told
// apart from one not started. Converted lists the columns a KindBigint conversion was initialized with, and defaults
// to Old.
type Transition struct {
	Kind      Kind
	Table     string
	Old       string
	New       string
	Type      string
	Converted []string
}

func (t Transition) normalize() Transition {
	if t.Kind == "" {
		t.Kind = KindRename
	}
	if t.New == "" {
		switch t.Kind {
		case KindTypeChange:
			t.New = TypeChangeColumn(t.Old)
		case KindBigint:
			t.New = BigintColumn(t.Old)
		}
	}
	if t.Kind == KindBigint && len(t.Converted) == 0 {
		t.Converted = []string{t.Old}
	}
	return t
}

// Facts are the catalog observations a Phase is derived from.
type Facts struct {
	Kind             Kind
	OldExists        bool
	NewExists        bool
	OldType          string
	NewType          string
	TargetType       string
	TriggersExist    bool
	ValuesDiffer     bool
	TriggersExpected int
}

// DerivePhase maps catalog facts to a phase.
func DerivePhase(f Facts) (Phase, error) {
	switch {
	case !f.OldExists && !f.NewExists:
		return "", ErrNoColumns
	case f.Kind == KindBigint && f.OldExists && f.NewExists && isBigint(f.OldType) && !isBigint(f.NewType):
		return PhaseSwapped, nil
	case !f.OldExists:
		return PhaseOldColumnRemoved, nil
	case !f.NewExists:
		switch {
		case f.Kind == KindBigint && isBigint(f.OldType):
			return PhaseOldColumnRemoved, nil
		case f.Kind == KindTypeChange && f.TargetType != "" && strings.EqualFold(f.OldType, f.TargetType):
			return PhaseOldColumnRemoved, nil
		}
		return PhaseNotStarted, nil
	case !f.TriggersExist:
		return PhaseColumnAdded, nil
	case f.ValuesDiffer:
		return PhaseSyncTriggersInstalled, nil
	default:
		return PhaseBackfilled, nil
	}
}

func isBigint(sqlType string) bool {
	return strings.EqualFold(sqlType, "bigint")
}

// InspectPhase probes the catalog and derives the phase of t.
func (e *Engine) InspectPhase(ctx context.Context, t Transition) (Phase, error) {
	f, err := e.Facts(ctx, t)
	if err != nil {
		return "", err
	}
	return DerivePhase(f)
}

// Facts gathers the catalog facts of t.
func (e *Engine) Facts(ctx context.Context, t Transition) (Facts, error) {
	t = t.normalize()
	q := datastore.QueryerFromContext(ctx, e.db)
	f := Facts{Kind: t.Kind, TargetType: t.Type}

	var err error
	if f.OldExists, f.OldType, err = e.columnType(ctx, q, t.Table, t.Old); err != nil {
		return f, err
	}
	if f.NewExists, f.NewType, err = e.columnType(ctx, q, t.Table, t.New); err != nil {
		return f, err
	}
	if !f.OldExists || !f.NewExists {
		return f, nil
	}

	var specs []TriggerSpec
	if t.Kind == KindBigint {
		specs = []TriggerSpec{bigintSpec(t.Table, t.Converted, bigintColumns(t.Converted))}
	} else {
		specs = BidirectionalSpecs(t.Table, t.Old, t.New, "", "")
	}
	f.TriggersExpected = len(specs)
	f.TriggersExist = true
	for _, s := range specs {
		ok, err := e.installer.Exists(ctx, q, s.Handle())
		if err != nil {
			return f, err
		}
		if !ok {
			f.TriggersExist = false
			break
		}
	}
	if !f.TriggersExist {
		return f, nil
	}

	if f.ValuesDiffer, err = datastore.HasDistinctValues(ctx, q, t.Table, t.Old, t.New); err != nil {
		return f, err
	}
	return f, nil
}

func (e *Engine) columnType(ctx context.Context, q datastore.Queryer, table, column string) (bool, string, error) {
	col, err := datastore.FindColumn(ctx, q, table, column)
	if err != nil {
		if errors.Is(err, datastore.ErrColumnNotFound) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("inspecting transition: %w", err)
	}
	return true, col.SQLType, nil
}
