package columns_test

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/database-guard/database/columns"
	"gitlab.com/gitlab-org/database-guard/database/datastore/models"
	"gitlab.com/gitlab-org/database-guard/testutil"
	"go.uber.org/mock/gomock"
)

func TestDerivePhase(t *testing.T) {
	testCases := []struct {
		name  string
		facts columns.Facts
		want  columns.Phase
	}{
		{
			name:  "not started",
			facts: columns.Facts{Kind: columns.KindRename, OldExists: true},
			want:  columns.PhaseNotStarted,
		},
		{
			name:  "column added",
			facts: columns.Facts{Kind: columns.KindRename, OldExists: true, NewExists: true},
			want:  columns.PhaseColumnAdded,
		},
		{
			name:  "sync triggers installed",
			facts: columns.Facts{Kind: columns.KindRename, OldExists: true, NewExists: true, TriggersExist: true, ValuesDiffer: true},
			want:  columns.PhaseSyncTriggersInstalled,
		},
		{
			name:  "backfilled",
			facts: columns.Facts{Kind: columns.KindRename, OldExists: true, NewExists: true, TriggersExist: true},
			want:  columns.PhaseBackfilled,
		},
		{
			name:  "rename cleaned up",
			facts: columns.Facts{Kind: columns.KindRename, NewExists: true},
			want:  columns.PhaseOldColumnRemoved,
		},
		{
			name:  "type change not started",
			facts: columns.Facts{Kind: columns.KindTypeChange, OldExists: true, OldType: "integer", TargetType: "bigint"},
			want:  columns.PhaseNotStarted,
		},
		{
			name:  "type change cleaned up",
			facts: columns.Facts{Kind: columns.KindTypeChange, OldExists: true, OldType: "bigint", TargetType: "bigint"},
			want:  columns.PhaseOldColumnRemoved,
		},
		{
			name:  "bigint backfilled",
			facts: columns.Facts{Kind: columns.KindBigint, OldExists: true, NewExists: true, OldType: "integer", NewType: "bigint", TriggersExist: true},
			want:  columns.PhaseBackfilled,
		},
		{
			name:  "bigint swapped",
			facts: columns.Facts{Kind: columns.KindBigint, OldExists: true, NewExists: true, OldType: "bigint", NewType: "integer", TriggersExist: true},
			want:  columns.PhaseSwapped,
		},
		{
			name:  "bigint temporary column removed",
			facts: columns.Facts{Kind: columns.KindBigint, OldExists: true, OldType: "bigint"},
			want:  columns.PhaseOldColumnRemoved,
		},
		{
			name:  "bigint not started",
			facts: columns.Facts{Kind: columns.KindBigint, OldExists: true, OldType: "integer"},
			want:  columns.PhaseNotStarted,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			got, err := columns.DerivePhase(tc.facts)
			require.NoError(tt, err)
			require.Equal(tt, tc.want, got)
		})
	}

	_, err := columns.DerivePhase(columns.Facts{Kind: columns.KindRename})
	require.ErrorIs(t, err, columns.ErrNoColumns)
}

func TestInspectPhase(t *testing.T) {
	testCases := []struct {
		name         string
		newColumn    *models.Column
		triggers     bool
		valuesDiffer bool
		want         columns.Phase
	}{
		{name: "not started", want: columns.PhaseNotStarted},
		{name: "column added", newColumn: &models.Column{SQLType: "text"}, want: columns.PhaseColumnAdded},
		{name: "sync triggers installed", newColumn: &models.Column{SQLType: "text"}, triggers: true, valuesDiffer: true, want: columns.PhaseSyncTriggersInstalled},
		{name: "backfilled", newColumn: &models.Column{SQLType: "text"}, triggers: true, want: columns.PhaseBackfilled},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			e, mock, installer := newEngine(tt, "")
			ctx := testutil.NewContextWithLogger(tt)

			testutil.ExpectFindColumn(mock, "issues", "title", &models.Column{SQLType: "text"})
			testutil.ExpectFindColumn(mock, "issues", "name", tc.newColumn)
			if tc.newColumn != nil {
				for _, s := range columns.BidirectionalSpecs("issues", "title", "name", "", "") {
					installer.EXPECT().Exists(gomock.Any(), gomock.Any(), s.Handle()).Return(tc.triggers, nil)
					if !tc.triggers {
						break
					}
				}
			}
			if tc.triggers {
				mock.ExpectQuery(`IS DISTINCT FROM`).
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tc.valuesDiffer))
			}

			got, err := e.InspectPhase(ctx, columns.Transition{Table: "issues", Old: "title", New: "name"})
			require.NoError(tt, err)
			require.Equal(tt, tc.want, got)
		})
	}
}

func TestInspectPhase_Bigint(t *testing.T) {
	e, mock, installer := newEngine(t, "")
	ctx := testutil.NewContextWithLogger(t)

	testutil.ExpectFindColumn(mock, "issues", "id", &models.Column{SQLType: "bigint"})
	testutil.ExpectFindColumn(mock, "issues", "id_convert_to_bigint", &models.Column{SQLType: "integer"})
	installer.EXPECT().Exists(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	mock.ExpectQuery(`IS DISTINCT FROM`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	got, err := e.InspectPhase(ctx, columns.Transition{Kind: columns.KindBigint, Table: "issues", Old: "id"})
	require.NoError(t, err)
	require.Equal(t, columns.PhaseSwapped, got)
}
