package schema

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
)

func fixtureTables() []*Table {
	users := &Table{ID: 1, Name: "users", MinRoleRead: RoleAdmin, MinRoleWrite: RoleAdmin, Fields: []*Field{
		{ID: 1, TableID: 1, Name: "id", Type: TypeInteger, PrimaryKey: true},
		{ID: 2, TableID: 1, Name: "email", Type: TypeString, Required: true, IsUnique: true},
	}}
	books := &Table{ID: 2, Name: "books", MinRoleRead: RolePublic, MinRoleWrite: RoleAdmin, Fields: []*Field{
		{ID: 3, TableID: 2, Name: "id", Type: TypeInteger, PrimaryKey: true},
		{ID: 4, TableID: 2, Name: "author", Type: TypeString, Required: true},
		{ID: 5, TableID: 2, Name: "pages", Type: TypeInteger},
	}}
	patients := &Table{ID: 3, Name: "patients", MinRoleRead: RoleStaff, MinRoleWrite: RoleStaff, OwnershipFieldID: 8, Versioned: true, Fields: []*Field{
		{ID: 6, TableID: 3, Name: "id", Type: TypeInteger, PrimaryKey: true},
		{ID: 7, TableID: 3, Name: "favbook", Type: TypeKey, RefTable: "books", Attributes: Attributes{SummaryField: "author"}},
		{ID: 8, TableID: 3, Name: "owner", Type: TypeKey, RefTable: "users"},
		{ID: 9, TableID: 3, Name: "name", Type: TypeString},
		{ID: 10, TableID: 3, Name: "label", Type: TypeString, Calculated: true, Stored: true, Expression: "name + '!'"},
	}}
	return []*Table{users, books, patients}
}

func TestTableValidate(t *testing.T) {
	snap := NewSnapshot(fixtureTables())
	require.NoError(t, snap.Validate())

	t.Run("primary key count", func(t *testing.T) {
		tbl := &Table{Name: "x", Fields: []*Field{{Name: "a", Type: TypeInteger}}}
		err := tbl.Validate(nil)
		require.Error(t, err)
		assert.True(t, IsValidationErr(err))
		assert.Contains(t, err.Error(), "exactly one primary key")
	})

	t.Run("stored implies calculated", func(t *testing.T) {
		tbl := &Table{Name: "x", Fields: []*Field{
			{Name: "id", Type: TypeInteger, PrimaryKey: true},
			{Name: "y", Type: TypeInteger, Stored: true},
		}}
		assert.ErrorContains(t, tbl.Validate(nil), "stored but not calculated")
	})

	t.Run("key needs table", func(t *testing.T) {
		tbl := &Table{Name: "x", Fields: []*Field{
			{Name: "id", Type: TypeInteger, PrimaryKey: true},
			{Name: "k", Type: TypeKey},
			{Name: "j", Type: TypeKey, RefTable: "nowhere"},
		}}
		err := tbl.Validate(snap.Table)
		assert.True(t, IsValidationErr(err))
		assert.ErrorContains(t, err, "key field k has no referenced table")
	})

	t.Run("missing referenced table", func(t *testing.T) {
		tbl := &Table{Name: "x", Fields: []*Field{
			{Name: "id", Type: TypeInteger, PrimaryKey: true},
			{Name: "j", Type: TypeKey, RefTable: "nowhere"},
		}}
		err := tbl.Validate(snap.Table)
		assert.True(t, IsConfigurationErr(err))
		assert.False(t, IsValidationErr(err))
		assert.ErrorContains(t, err, "references unknown table nowhere")
		assert.NoError(t, tbl.Validate(nil))
	})

	t.Run("reserved field prefix", func(t *testing.T) {
		tbl := &Table{Name: "x", Fields: []*Field{
			{Name: "id", Type: TypeInteger, PrimaryKey: true},
			{Name: "__owner_email", Type: TypeString},
		}}
		assert.ErrorContains(t, tbl.Validate(nil), "reserved prefix")
	})

	t.Run("ownership must reference users", func(t *testing.T) {
		tbl := &Table{Name: "x", OwnershipFieldID: 2, Fields: []*Field{
			{ID: 1, Name: "id", Type: TypeInteger, PrimaryKey: true},
			{ID: 2, Name: "owner", Type: TypeInteger},
		}}
		assert.ErrorContains(t, tbl.Validate(nil), "must be a key to users")
	})

	t.Run("unsanitary name", func(t *testing.T) {
		tbl := &Table{Name: "bad name", Fields: []*Field{{Name: "id", Type: TypeInteger, PrimaryKey: true}}}
		assert.ErrorContains(t, tbl.Validate(nil), "contains characters")
	})
}

func TestFieldRead(t *testing.T) {
	tests := []struct {
		name  string
		typ   TypeName
		in    any
		want  any
		error bool
	}{
		{"int from string", TypeInteger, " 42 ", int64(42), false},
		{"int from float", TypeInteger, float64(7), int64(7), false},
		{"int fraction", TypeInteger, 7.5, nil, true},
		{"int blank", TypeInteger, "", nil, false},
		{"float", TypeFloat, "3.5", 3.5, false},
		{"bool on", TypeBool, "on", true, false},
		{"bool sqlite", TypeBool, int64(0), false, false},
		{"bool any", TypeBool, "?", nil, false},
		{"bool junk", TypeBool, "maybe", nil, true},
		{"string bytes", TypeString, []byte("x"), "x", false},
		{"json object", TypeJSON, `{"a":1}`, map[string]any{"a": float64(1)}, false},
		{"uuid", TypeUUID, "6BA7B810-9DAD-11D1-80B4-00C04FD430C8", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"uuid junk", TypeUUID, "nope", nil, true},
		{"key int", TypeKey, "12", int64(12), false},
		{"date", TypeDate, "2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Field{Name: "f", Type: tt.typ}
			got, err := f.Read(tt.in)
			if tt.error {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnapshotReferencingFields(t *testing.T) {
	snap := NewSnapshot(fixtureTables())
	refs := snap.ReferencingFields("books")
	require.Len(t, refs, 1)
	assert.Equal(t, "patients", refs[0].Table.Name)
	assert.Equal(t, "favbook", refs[0].Field.Name)

	_, err := snap.MustTable("missing")
	assert.True(t, IsConfigurationErr(err))
}

func TestCacheSwap(t *testing.T) {
	var mu sync.Mutex
	tables := fixtureTables()[:1]
	loader := LoaderFunc(func(context.Context) ([]*Table, error) {
		mu.Lock()
		defer mu.Unlock()
		return tables, nil
	})
	c := NewCache(loader)
	assert.Empty(t, c.Current().Tables())

	require.NoError(t, c.Refresh(context.Background()))
	first := c.Current()
	assert.Equal(t, uint64(1), first.Version())
	assert.Len(t, first.Tables(), 1)

	mu.Lock()
	tables = fixtureTables()
	mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := len(c.Current().Tables())
			assert.Contains(t, []int{1, 3}, n)
		}()
	}
	require.NoError(t, c.Refresh(context.Background()))
	wg.Wait()

	assert.Len(t, c.Current().Tables(), 3)
	assert.Len(t, first.Tables(), 1, "old snapshot is not mutated")
}

func TestPlannerCreateTable(t *testing.T) {
	snap := NewSnapshot(fixtureTables())
	p := Planner{Dialect: sqldsl.Postgres, Lookup: snap.Table}
	patients, _ := snap.Table("patients")

	stmts, err := p.CreateTable(patients)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], `"id" serial PRIMARY KEY`)
	assert.Contains(t, stmts[0], `"favbook" integer REFERENCES "books"("id")`)
	assert.Contains(t, stmts[0], `"label" text`)
	assert.Contains(t, stmts[1], `CREATE TABLE IF NOT EXISTS "patients__history"`)
	assert.Contains(t, stmts[1], `PRIMARY KEY ("id", _version)`)

	users, _ := snap.Table("users")
	lite := Planner{Dialect: sqldsl.SQLite}
	stmts, err = lite.CreateTable(users)
	require.NoError(t, err)
	assert.Contains(t, stmts[0], `"id" integer PRIMARY KEY AUTOINCREMENT`)
	assert.Equal(t, `CREATE UNIQUE INDEX "users_email_unique" ON "users" ("email")`, stmts[1])
}

func TestPlannerAlterColumn(t *testing.T) {
	snap := NewSnapshot(fixtureTables())
	books, _ := snap.Table("books")
	p := Planner{Dialect: sqldsl.Postgres}

	old := &Field{Name: "pages", Type: TypeInteger}
	updated := &Field{Name: "page_count", Type: TypeInteger, Required: true, IsUnique: true}
	stmts := p.AlterColumn(books, old, updated)
	assert.Equal(t, []string{
		`ALTER TABLE "books" RENAME COLUMN "pages" TO "page_count"`,
		`ALTER TABLE "books" ALTER COLUMN "page_count" SET NOT NULL`,
		`ALTER TABLE "books" ADD CONSTRAINT "books_page_count_unique" UNIQUE ("page_count")`,
	}, stmts)

	calc := &Field{Name: "pages", Type: TypeInteger, Calculated: true, Expression: "1"}
	assert.Equal(t, []string{`ALTER TABLE "books" DROP COLUMN "pages"`}, p.AlterColumn(books, old, calc))
}
