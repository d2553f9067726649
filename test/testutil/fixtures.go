package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pthm/tabula"
	"github.com/pthm/tabula/schema"
)

// Library holds the ids of the library fixture rows.
type Library struct {
	Admin, Staff, User any // users

	AKPress, NoStarch any // publisher

	Melville, Tolstoy any // books

	Kirk, Michael any // patients
}

// Reading is the date of the first fixture reading.
var Reading = time.Date(2019, 11, 11, 10, 34, 0, 0, time.UTC)

// LoadLibrary creates the library fixture:
//
//	users(email, role_id)
//	publisher(name)
//	books(author, pages, publisher -> publisher)      readable by everyone
//	patients(name, favbook -> books, parent -> patients)
//	readings(temperature, patient_id -> patients, normalised, date)
//	discusses_books(book -> books, discussant -> users)
//
// with two books, two patients (Michael is Kirk's child and favours Tolstoy)
// and three readings: 37 and 39 for Kirk, 37 for Michael.
func LoadLibrary(tb testing.TB, eng *tabula.Engine) Library {
	tb.Helper()
	var lib Library

	create(tb, eng, &schema.Table{Name: schema.UsersTable, MinRoleRead: schema.RoleAdmin, Fields: []*schema.Field{
		{Name: "email", Label: "Email", Type: schema.TypeString, Required: true, IsUnique: true},
		{Name: "role_id", Label: "Role", Type: schema.TypeInteger, Required: true},
	}})
	create(tb, eng, &schema.Table{Name: "publisher", Fields: []*schema.Field{
		{Name: "name", Label: "Name", Type: schema.TypeString, Required: true},
	}})
	create(tb, eng, &schema.Table{Name: "books", MinRoleRead: schema.RolePublic, Fields: []*schema.Field{
		{Name: "author", Label: "Author", Type: schema.TypeString, Required: true},
		{Name: "pages", Label: "Pages", Type: schema.TypeInteger, Required: true},
		{Name: "publisher", Label: "Publisher", Type: schema.TypeKey, RefTable: "publisher",
			Attributes: schema.Attributes{SummaryField: "name"}},
	}})
	create(tb, eng, &schema.Table{Name: "patients", MinRoleRead: schema.RoleStaff, Fields: []*schema.Field{
		{Name: "name", Label: "Name", Type: schema.TypeString, Required: true},
		{Name: "favbook", Label: "Favourite book", Type: schema.TypeKey, RefTable: "books",
			Attributes: schema.Attributes{SummaryField: "author"}},
		{Name: "parent", Label: "Parent", Type: schema.TypeKey, RefTable: "patients",
			Attributes: schema.Attributes{SummaryField: "name"}},
	}})
	create(tb, eng, &schema.Table{Name: "readings", Fields: []*schema.Field{
		{Name: "temperature", Label: "Temperature", Type: schema.TypeInteger, Required: true},
		{Name: "patient_id", Label: "Patient", Type: schema.TypeKey, RefTable: "patients", Required: true,
			Attributes: schema.Attributes{SummaryField: "name"}},
		{Name: "normalised", Label: "Normalised", Type: schema.TypeBool},
		{Name: "date", Label: "Date", Type: schema.TypeDate},
	}})
	create(tb, eng, &schema.Table{Name: "discusses_books", MinRoleRead: schema.RoleStaff, Fields: []*schema.Field{
		{Name: "book", Label: "book", Type: schema.TypeKey, RefTable: "books"},
		{Name: "discussant", Label: "discussant", Type: schema.TypeKey, RefTable: schema.UsersTable},
	}})

	lib.Admin = insert(tb, eng, schema.UsersTable, tabula.Row{"email": "admin@foo.com", "role_id": schema.RoleAdmin})
	lib.Staff = insert(tb, eng, schema.UsersTable, tabula.Row{"email": "staff@foo.com", "role_id": schema.RoleStaff})
	lib.User = insert(tb, eng, schema.UsersTable, tabula.Row{"email": "user@foo.com", "role_id": schema.RoleUser})

	lib.AKPress = insert(tb, eng, "publisher", tabula.Row{"name": "AK Press"})
	lib.NoStarch = insert(tb, eng, "publisher", tabula.Row{"name": "No starch"})

	lib.Melville = insert(tb, eng, "books", tabula.Row{"author": "Herman Melville", "pages": 967})
	lib.Tolstoy = insert(tb, eng, "books", tabula.Row{"author": "Leo Tolstoy", "pages": 728, "publisher": lib.AKPress})

	lib.Kirk = insert(tb, eng, "patients", tabula.Row{"name": "Kirk Douglas", "favbook": lib.Melville})
	lib.Michael = insert(tb, eng, "patients", tabula.Row{"name": "Michael Douglas", "favbook": lib.Tolstoy, "parent": lib.Kirk})

	insert(tb, eng, "readings", tabula.Row{"temperature": 37, "patient_id": lib.Kirk, "normalised": true, "date": Reading})
	insert(tb, eng, "readings", tabula.Row{"temperature": 39, "patient_id": lib.Kirk, "normalised": false})
	insert(tb, eng, "readings", tabula.Row{"temperature": 37, "patient_id": lib.Michael, "normalised": false})

	return lib
}

// BookRows returns n generated rows for the books table.
func BookRows(n int) []tabula.Row {
	rows := make([]tabula.Row, n)
	for i := range rows {
		rows[i] = tabula.Row{"author": fmt.Sprintf("bench_author_%d", i), "pages": i + 1}
	}
	return rows
}

func create(tb testing.TB, eng *tabula.Engine, t *schema.Table) {
	tb.Helper()
	_, err := eng.CreateTable(context.Background(), t)
	require.NoError(tb, err, "create table %s", t.Name)
}

func insert(tb testing.TB, eng *tabula.Engine, table string, row tabula.Row) any {
	tb.Helper()
	id, err := eng.Insert(context.Background(), table, row, nil)
	require.NoError(tb, err, "insert into %s", table)
	return id
}
