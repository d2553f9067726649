package tabula_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tabula"
	"github.com/pthm/tabula/pkg/query"
	"github.com/pthm/tabula/pkg/store"
	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/test/testutil"
)

// TestPostgres runs the library scenarios against PostgreSQL through both
// drivers.
func TestPostgres(t *testing.T) {
	for _, driver := range []string{store.DriverPgx, store.DriverPq} {
		t.Run(driver, func(t *testing.T) {
			eng := testutil.Engine(t, testutil.Postgres(t, driver))
			lib := testutil.LoadLibrary(t, eng)
			ctx := t.Context()

			rows, err := eng.GetJoinedRows(ctx, "patients", query.Options{
				JoinFields: map[string]query.JoinField{
					"author":         {Ref: "favbook", Target: "author"},
					"publisher_name": {Ref: "favbook", Through: []string{"publisher"}, Target: "name"},
				},
				Aggregations: map[string]query.Aggregation{
					"avg_temp": {Table: "readings", Ref: "patient_id", Field: "temperature", Aggregate: "avg"},
				},
				OrderBy: "id",
			})
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, "Herman Melville", rows[0]["author"])
			assert.Nil(t, rows[0]["publisher_name"])
			assert.InDelta(t, 38, asFloat(t, rows[0]["avg_temp"]), 0.001)
			assert.Equal(t, "AK Press", rows[1]["publisher_name"])

			res, err := eng.TryInsert(ctx, "users", tabula.Row{"email": "staff@foo.com", "role_id": 40}, nil)
			require.NoError(t, err)
			assert.Equal(t, "Duplicate value for unique field: Email", res.Error)

			res, err = eng.TryInsert(ctx, "readings", tabula.Row{"temperature": 36, "patient_id": 999}, nil)
			require.NoError(t, err)
			assert.Equal(t, "Invalid reference in field: Patient", res.Error)

			versioned(t, eng, "books")
			require.NoError(t, eng.Update(ctx, "books", tabula.Row{"pages": 729}, lib.Tolstoy, nil))
			require.NoError(t, eng.Update(ctx, "books", tabula.Row{"pages": 730}, lib.Tolstoy, nil))
			ok, err := eng.UndoRowChanges(ctx, "books", lib.Tolstoy, nil)
			require.NoError(t, err)
			require.True(t, ok)
			row, err := eng.GetRow(ctx, "books", where.Eq{Field: "id", Value: lib.Tolstoy}, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(729), row["pages"])

			concurrentUpdates(t, eng, lib.Melville, 20)

			imp, err := eng.ImportRows(ctx, "books", []tabula.Row{
				{"author": "Joe Celko", "pages": 856},
				{"author": "Nobody", "pages": nil},
				{"author": "Gordon Kane", "pages": 217},
			}, nil)
			require.NoError(t, err)
			assert.Equal(t, 2, imp.Inserted)
			assert.Equal(t, 1, imp.Rejected)

			found, err := eng.GetRowsByState(ctx, "books", map[string]any{"author": "celko"}, nil)
			require.NoError(t, err)
			assert.Len(t, found, 1)
		})
	}
}

func TestPostgres_BulkCopy(t *testing.T) {
	eng := testutil.Engine(t, testutil.Postgres(t, store.DriverPgx), tabula.WithBulkCopyThreshold(100))
	testutil.LoadLibrary(t, eng)

	res, err := eng.ImportRows(t.Context(), "books", testutil.BookRows(500), nil)
	require.NoError(t, err)
	assert.Equal(t, 500, res.Inserted)

	n, err := eng.CountRows(t.Context(), "books", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(502), n)
}
