package tabula_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tabula"
	"github.com/pthm/tabula/pkg/query"
	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
	"github.com/pthm/tabula/test/testutil"
)

// recorder is a trigger runner that records the events of one table.
type recorder struct {
	table string

	mu     sync.Mutex
	events []string
}

func (r *recorder) Run(_ context.Context, table string, op tabula.Operation, row tabula.Row) error {
	if table != r.table {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s %v", op, row["id"]))
	return nil
}

func (r *recorder) Registered(table string, op tabula.Operation) bool {
	return table == r.table
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// vetting trims authors and refuses books without pages.
type vetting struct{ recorder }

func (v *vetting) Validate(_ context.Context, table string, op tabula.Operation, row tabula.Row, _ *schema.Principal) (tabula.Validation, error) {
	if table != "books" {
		return tabula.Validation{}, nil
	}
	if pages, ok := row["pages"].(int64); ok && pages == 0 {
		return tabula.Validation{Error: "A book needs pages"}, nil
	}
	if author, ok := row["author"].(string); ok {
		return tabula.Validation{SetFields: tabula.Row{"author": strings.TrimSpace(author)}}, nil
	}
	return tabula.Validation{}, nil
}

type removedFiles struct {
	mu    sync.Mutex
	paths []string
}

func (f *removedFiles) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return nil
}

// ownNotes adds a notes table owned through its owner field, writable and
// readable without ownership by staff.
func ownNotes(t *testing.T, eng *tabula.Engine) {
	t.Helper()
	ctx := t.Context()
	notes, err := eng.CreateTable(ctx, &schema.Table{
		Name: "notes", MinRoleRead: schema.RoleStaff, MinRoleWrite: schema.RoleStaff,
		Fields: []*schema.Field{
			{Name: "body", Label: "Body", Type: schema.TypeString},
			{Name: "owner", Label: "Owner", Type: schema.TypeKey, RefTable: schema.UsersTable},
		},
	})
	require.NoError(t, err)
	owner, ok := notes.Field("owner")
	require.True(t, ok)
	def := *notes
	def.OwnershipFieldID = owner.ID
	_, err = eng.UpdateTable(ctx, &def)
	require.NoError(t, err)
}

func TestInsert_StoredExpression(t *testing.T) {
	eng, _ := library(t)
	ctx := t.Context()

	_, err := eng.CreateTable(ctx, &schema.Table{Name: "calc", Fields: []*schema.Field{
		{Name: "x", Type: schema.TypeInteger},
		{Name: "y", Type: schema.TypeInteger},
		{Name: "z", Type: schema.TypeInteger, Calculated: true, Stored: true, Expression: "x + y"},
	}})
	require.NoError(t, err)

	id, err := eng.Insert(ctx, "calc", tabula.Row{"x": 5, "y": 8}, nil)
	require.NoError(t, err)
	row, err := eng.GetRow(ctx, "calc", where.Eq{Field: "id", Value: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(13), row["z"])

	require.NoError(t, eng.Update(ctx, "calc", tabula.Row{"y": 9}, id, nil))
	row, err = eng.GetRow(ctx, "calc", where.Eq{Field: "id", Value: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(14), row["z"])

	n, err := eng.CountRows(ctx, "calc", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Caller values for calculated fields are ignored.
	require.NoError(t, eng.Update(ctx, "calc", tabula.Row{"z": 100}, id, nil))
	row, err = eng.GetRow(ctx, "calc", where.Eq{Field: "id", Value: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(14), row["z"])
}

func TestInsert_SelfReferentialStoredExpression(t *testing.T) {
	eng, _ := library(t)
	ctx := t.Context()

	_, err := eng.CreateTable(ctx, &schema.Table{Name: "tickets", Fields: []*schema.Field{
		{Name: "title", Type: schema.TypeString},
		{Name: "code", Type: schema.TypeString, Calculated: true, Stored: true, Expression: `"T-%d" % id`},
	}})
	require.NoError(t, err)

	id, err := eng.Insert(ctx, "tickets", tabula.Row{"title": "first"}, nil)
	require.NoError(t, err)
	row, err := eng.GetRow(ctx, "tickets", where.Eq{Field: "id", Value: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("T-%v", id), row["code"])
}

func TestUpdate_StoredExpressionThroughKey(t *testing.T) {
	eng, lib := library(t)
	ctx := t.Context()

	_, err := eng.CreateField(ctx, "patients", &schema.Field{
		Name: "favpages", Type: schema.TypeInteger, Calculated: true, Stored: true, Expression: "favbook.pages",
	})
	require.NoError(t, err)

	kirk, err := eng.GetRow(ctx, "patients", where.Eq{Field: "id", Value: lib.Kirk}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(967), kirk["favpages"], "existing rows are recalculated")

	require.NoError(t, eng.Update(ctx, "patients", tabula.Row{"favbook": lib.Tolstoy}, lib.Kirk, nil))
	kirk, err = eng.GetRow(ctx, "patients", where.Eq{Field: "id", Value: lib.Kirk}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(728), kirk["favpages"])

	id, err := eng.Insert(ctx, "patients", tabula.Row{"name": "Anne", "favbook": lib.Melville}, nil)
	require.NoError(t, err)
	anne, err := eng.GetRow(ctx, "patients", where.Eq{Field: "id", Value: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(967), anne["favpages"])
}

func TestOwnershipField(t *testing.T) {
	eng, lib := library(t)
	ctx := t.Context()
	ownNotes(t, eng)

	user := &schema.Principal{ID: lib.User, Role: schema.RoleUser}
	staff := &schema.Principal{ID: lib.Staff, Role: schema.RoleStaff}

	mine, err := eng.Insert(ctx, "notes", tabula.Row{"body": "mine", "owner": lib.User}, user)
	require.NoError(t, err)
	theirs, err := eng.Insert(ctx, "notes", tabula.Row{"body": "theirs", "owner": lib.Staff}, staff)
	require.NoError(t, err)

	t.Run("insert for another owner", func(t *testing.T) {
		_, err := eng.Insert(ctx, "notes", tabula.Row{"body": "forged", "owner": lib.Staff}, user)
		assert.True(t, tabula.IsNotAuthorizedErr(err))
		n, err := eng.CountRows(ctx, "notes", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("read", func(t *testing.T) {
		rows, err := eng.GetJoinedRows(ctx, "notes", query.Options{
			Principal:  user,
			JoinFields: map[string]query.JoinField{"email": {Ref: "owner", Target: "email"}},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "mine", rows[0]["body"])
		assert.Equal(t, "user@foo.com", rows[0]["email"])

		n, err := eng.CountRows(ctx, "notes", nil, user)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		rows, err = eng.GetJoinedRows(ctx, "notes", query.Options{Principal: staff})
		require.NoError(t, err)
		assert.Len(t, rows, 2, "staff is not restricted")
	})

	t.Run("aggregation over owned rows", func(t *testing.T) {
		rows, err := eng.GetJoinedRows(ctx, schema.UsersTable, query.Options{
			Principal: user,
			Aggregations: map[string]query.Aggregation{
				"notes": {Table: "notes", Ref: "owner", Field: "id", Aggregate: "count"},
			},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1, "users see their own user row")
		assert.InDelta(t, 1, asFloat(t, rows[0]["notes"]), 0.001)
	})

	t.Run("update", func(t *testing.T) {
		err := eng.Update(ctx, "notes", tabula.Row{"body": "edited"}, theirs, user)
		assert.True(t, tabula.IsNotAuthorizedErr(err))

		err = eng.Update(ctx, "notes", tabula.Row{"owner": lib.Staff}, mine, user)
		assert.True(t, tabula.IsNotAuthorizedErr(err), "giving a row away")

		require.NoError(t, eng.Update(ctx, "notes", tabula.Row{"body": "edited"}, mine, user))
		row, err := eng.GetRow(ctx, "notes", where.Eq{Field: "id", Value: theirs}, nil)
		require.NoError(t, err)
		assert.Equal(t, "theirs", row["body"])
	})

	t.Run("public", func(t *testing.T) {
		_, err := eng.Insert(ctx, "notes", tabula.Row{"body": "anon"}, schema.Public())
		assert.True(t, tabula.IsNotAuthorizedErr(err))
		rows, err := eng.GetJoinedRows(ctx, "notes", query.Options{Principal: schema.Public()})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("delete", func(t *testing.T) {
		n, err := eng.Delete(ctx, "notes", nil, user)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		left, err := eng.CountRows(ctx, "notes", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), left)
	})
}

func TestOwnershipField_OwnerExpression(t *testing.T) {
	eng, lib := library(t)
	ctx := t.Context()
	ownNotes(t, eng)

	// The stored field shares its name with the underscore-joined
	// variable path.
	_, err := eng.CreateField(ctx, "notes", &schema.Field{
		Name: "owner_email", Type: schema.TypeString, Calculated: true, Stored: true, Expression: "owner.email",
	})
	require.NoError(t, err)

	user := &schema.Principal{ID: lib.User, Role: schema.RoleUser}
	id, err := eng.Insert(ctx, "notes", tabula.Row{"body": "mine", "owner": lib.User}, user)
	require.NoError(t, err)

	row, err := eng.GetRow(ctx, "notes", where.Eq{Field: "id", Value: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, "user@foo.com", row["owner_email"])
	assert.EqualValues(t, lib.User, row["owner"])

	require.NoError(t, eng.Update(ctx, "notes", tabula.Row{"body": "edited"}, id, user))
	row, err = eng.GetRow(ctx, "notes", where.Eq{Field: "id", Value: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, "edited", row["body"])
	assert.Equal(t, "user@foo.com", row["owner_email"])

	other := &schema.Principal{ID: lib.Staff, Role: schema.RoleUser}
	err = eng.Update(ctx, "notes", tabula.Row{"body": "taken"}, id, other)
	assert.True(t, tabula.IsNotAuthorizedErr(err))
}

func TestOwnershipFormula(t *testing.T) {
	eng, lib := library(t)
	ctx := t.Context()

	_, err := eng.CreateTable(ctx, &schema.Table{
		Name: "posts", MinRoleRead: schema.RoleStaff, MinRoleWrite: schema.RoleStaff,
		OwnershipFormula: "author == user.id",
		Fields: []*schema.Field{
			{Name: "title", Type: schema.TypeString},
			{Name: "author", Type: schema.TypeKey, RefTable: schema.UsersTable},
		},
	})
	require.NoError(t, err)
	user := &schema.Principal{ID: lib.User, Role: schema.RoleUser}

	own, err := eng.Insert(ctx, "posts", tabula.Row{"title": "own", "author": lib.User}, user)
	require.NoError(t, err)
	_, err = eng.Insert(ctx, "posts", tabula.Row{"title": "admin's", "author": lib.Admin}, nil)
	require.NoError(t, err)

	_, err = eng.Insert(ctx, "posts", tabula.Row{"title": "forged", "author": lib.Admin}, user)
	assert.True(t, tabula.IsNotAuthorizedErr(err))
	n, err := eng.CountRows(ctx, "posts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "the failing insert is rolled back")

	rows, err := eng.GetJoinedRows(ctx, "posts", query.Options{Principal: user})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "own", rows[0]["title"])

	err = eng.Update(ctx, "posts", tabula.Row{"author": lib.Admin}, own, user)
	assert.True(t, tabula.IsNotAuthorizedErr(err), "an update may not leave the writer's ownership")

	deleted, err := eng.Delete(ctx, "posts", nil, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestTryInsert_Messages(t *testing.T) {
	eng, lib := library(t)
	ctx := t.Context()

	_, err := eng.CreateTable(ctx, &schema.Table{
		Name: "loans",
		Fields: []*schema.Field{
			{Name: "book", Label: "Book", Type: schema.TypeKey, RefTable: "books"},
			{Name: "patient", Label: "Patient", Type: schema.TypeKey, RefTable: "patients"},
			{Name: "days", Label: "Days", Type: schema.TypeInteger},
			{Name: "code", Label: "Code", Type: schema.TypeString, IsUnique: true,
				Attributes: schema.Attributes{UniqueErrorMsg: "That code is taken"}},
		},
		Constraints: []*schema.Constraint{
			{Type: schema.ConstraintUnique, Fields: []string{"book", "patient"}, ErrorMsg: "Already on loan to this patient"},
			{Type: schema.ConstraintFormula, Formula: "days == None or days > 0", ErrorMsg: "Loans last at least a day"},
		},
	})
	require.NoError(t, err)

	res, err := eng.TryInsert(ctx, "loans", tabula.Row{"book": lib.Melville, "patient": lib.Kirk, "days": 7, "code": "A"}, nil)
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)

	tests := []struct {
		name string
		row  tabula.Row
		want string
	}{
		{"multi-column unique", tabula.Row{"book": lib.Melville, "patient": lib.Kirk, "code": "B"}, "Already on loan to this patient"},
		{"field unique message", tabula.Row{"book": lib.Tolstoy, "patient": lib.Kirk, "code": "A"}, "That code is taken"},
		{"formula constraint", tabula.Row{"book": lib.Tolstoy, "patient": lib.Kirk, "days": 0}, "Loans last at least a day"},
		{"invalid value", tabula.Row{"days": "seven"}, "Invalid value for Days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eng.TryInsert(ctx, "loans", tt.row, nil)
			require.NoError(t, err)
			assert.False(t, res.OK())
			assert.Contains(t, res.Error, tt.want)
		})
	}

	res, err = eng.TryInsert(ctx, schema.UsersTable, tabula.Row{"email": "admin@foo.com", "role_id": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Duplicate value for unique field: Email", res.Error)

	res, err = eng.TryInsert(ctx, "patients", tabula.Row{"name": "Nobody"}, &schema.Principal{ID: lib.User, Role: schema.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, "Not authorized", res.Error)

	_, err = eng.TryInsert(ctx, "loans", tabula.Row{"colour": "red"}, nil)
	assert.True(t, tabula.IsConfigurationErr(err), "unknown fields are a programming error")
}

func TestFieldWriteRole(t *testing.T) {
	eng, lib := library(t)
	ctx := t.Context()

	books, err := eng.Table("books")
	require.NoError(t, err)
	pages, _ := books.Field("pages")
	def := *pages
	def.Attributes.MinRoleWrite = schema.RoleAdmin
	_, err = eng.UpdateField(ctx, "books", "pages", &def)
	require.NoError(t, err)
	bdef := *books
	bdef.MinRoleWrite = schema.RoleStaff
	_, err = eng.UpdateTable(ctx, &bdef)
	require.NoError(t, err)

	staff := &schema.Principal{ID: lib.Staff, Role: schema.RoleStaff}
	err = eng.Update(ctx, "books", tabula.Row{"pages": 1}, lib.Melville, staff)
	assert.True(t, tabula.IsNotAuthorizedErr(err))
	require.NoError(t, eng.Update(ctx, "books", tabula.Row{"author": "H. Melville"}, lib.Melville, staff))
	require.NoError(t, eng.Update(ctx, "books", tabula.Row{"pages": 1}, lib.Melville, &schema.Principal{ID: lib.Admin, Role: schema.RoleAdmin}))
}

func TestUpdate_Errors(t *testing.T) {
	eng, _ := library(t)
	ctx := t.Context()

	err := eng.Update(ctx, "books", tabula.Row{"pages": 1}, nil, nil)
	assert.True(t, tabula.IsMissingPrimaryKeyValueErr(err))

	err = eng.Update(ctx, "books", tabula.Row{"pages": 1}, 999, nil)
	assert.True(t, tabula.IsRowNotFoundErr(err))
}

func TestToggleBool(t *testing.T) {
	eng, lib := library(t)
	ctx := t.Context()

	reading, err := eng.GetRow(ctx, "readings", where.Fields{"patient_id": lib.Michael}, nil)
	require.NoError(t, err)
	assert.Equal(t, false, reading["normalised"])

	require.NoError(t, eng.ToggleBool(ctx, "readings", reading["id"], "normalised", nil))
	reading, err = eng.GetRow(ctx, "readings", where.Eq{Field: "id", Value: reading["id"]}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, reading["normalised"])

	err = eng.ToggleBool(ctx, "readings", reading["id"], "temperature", nil)
	assert.True(t, tabula.IsConfigurationErr(err))
}

func TestTriggers(t *testing.T) {
	rec := &recorder{table: "books"}
	eng, lib := library(t, tabula.WithTriggers(rec))
	ctx := t.Context()

	id, err := eng.Insert(ctx, "books", tabula.Row{"author": "Iris Murdoch", "pages": 300}, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Update(ctx, "books", tabula.Row{"pages": 301}, id, nil))
	n, err := eng.Delete(ctx, "books", where.Eq{Field: "id", Value: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, []string{
		fmt.Sprintf("Insert %v", lib.Melville),
		fmt.Sprintf("Insert %v", lib.Tolstoy),
		fmt.Sprintf("Insert %v", id),
		fmt.Sprintf("Update %v", id),
		fmt.Sprintf("Delete %v", id),
	}, rec.Events())
}

func TestTriggers_Async(t *testing.T) {
	rec := &recorder{table: "publisher"}
	eng, err := tabula.New(t.Context(), testutil.SQLite(t), tabula.WithTriggers(rec))
	require.NoError(t, err)
	require.NoError(t, eng.Migrate(t.Context()))
	testutil.LoadLibrary(t, eng)

	eng.Wait()
	assert.Len(t, rec.Events(), 2)
}

func TestTriggers_FailureKeepsWrite(t *testing.T) {
	for name, syncTriggers := range map[string]bool{"async": false, "sync": true} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			failing := tabula.TriggerFunc(func(_ context.Context, table string, op tabula.Operation, _ tabula.Row) error {
				if table != "publisher" || op != tabula.OpInsert {
					return nil
				}
				calls.Add(1)
				return errors.New("mailer unavailable")
			})
			opts := []tabula.Option{tabula.WithTriggers(failing)}
			if syncTriggers {
				opts = append(opts, tabula.WithSyncTriggers())
			}
			ctx := t.Context()
			eng, err := tabula.New(ctx, testutil.SQLite(t), opts...)
			require.NoError(t, err)
			require.NoError(t, eng.Migrate(ctx))
			_, err = eng.CreateTable(ctx, &schema.Table{Name: "publisher", Fields: []*schema.Field{
				{Name: "name", Type: schema.TypeString},
			}})
			require.NoError(t, err)

			id, err := eng.Insert(ctx, "publisher", tabula.Row{"name": "Verso"}, nil)
			require.NoError(t, err)
			eng.Wait()
			assert.Equal(t, int32(1), calls.Load())

			row, err := eng.GetRow(ctx, "publisher", where.Eq{Field: "id", Value: id}, nil)
			require.NoError(t, err)
			require.NotNil(t, row)
			assert.Equal(t, "Verso", row["name"])
		})
	}
}

func TestValidator(t *testing.T) {
	v := &vetting{recorder: recorder{table: "books"}}
	eng, lib := library(t, tabula.WithTriggers(v))
	ctx := t.Context()

	res, err := eng.TryInsert(ctx, "books", tabula.Row{"author": "Nobody", "pages": 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, "A book needs pages", res.Error)

	id, err := eng.Insert(ctx, "books", tabula.Row{"author": "  Padded  ", "pages": 10}, nil)
	require.NoError(t, err)
	row, err := eng.GetRow(ctx, "books", where.Eq{Field: "id", Value: id}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Padded", row["author"])

	res, err = eng.TryUpdate(ctx, "books", tabula.Row{"pages": 0}, lib.Tolstoy, nil)
	require.NoError(t, err)
	assert.Equal(t, "A book needs pages", res.Error)
}

func TestDelete_CascadingFiles(t *testing.T) {
	files := &removedFiles{}
	eng, _ := library(t, tabula.WithFileStore(files))
	ctx := t.Context()

	_, err := eng.CreateTable(ctx, &schema.Table{Name: "scans", Fields: []*schema.Field{
		{Name: "path", Type: schema.TypeFile, Attributes: schema.Attributes{AlsoDeleteFile: true}},
	}})
	require.NoError(t, err)
	_, err = eng.Insert(ctx, "scans", tabula.Row{"path": "scans/a.png"}, nil)
	require.NoError(t, err)
	_, err = eng.Insert(ctx, "scans", tabula.Row{"path": "scans/b.png"}, nil)
	require.NoError(t, err)

	n, err := eng.Delete(ctx, "scans", where.Fields{"path": "scans/a.png"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"scans/a.png"}, files.paths)
}

func TestDelete_NotAuthorized(t *testing.T) {
	eng, lib := library(t)
	ctx := t.Context()

	_, err := eng.Delete(ctx, "books", nil, &schema.Principal{ID: lib.User, Role: schema.RoleUser})
	assert.True(t, tabula.IsNotAuthorizedErr(err))
	n, err := eng.CountRows(ctx, "books", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
