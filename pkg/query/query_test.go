package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/pkg/expr"
	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
)

func field(id int, name string, typ schema.TypeName) *schema.Field {
	return &schema.Field{ID: id, Name: name, Type: typ}
}

func pk(id int) *schema.Field {
	return &schema.Field{ID: id, Name: "id", Type: schema.TypeInteger, PrimaryKey: true}
}

func key(id int, name, ref string) *schema.Field {
	return &schema.Field{ID: id, Name: name, Type: schema.TypeKey, RefTable: ref}
}

func fixture() *schema.Snapshot {
	tag := key(62, "tag", "tags")
	tag.Attributes.SummaryField = "label"
	profileUser := key(101, "user_id", "users")
	profileUser.IsUnique = true
	open := schema.RolePublic
	return schema.NewSnapshot([]*schema.Table{
		{ID: 1, Name: "users", MinRoleRead: schema.RoleAdmin, Fields: []*schema.Field{pk(1), field(2, "email", schema.TypeString)}},
		{ID: 2, Name: "publishers", MinRoleRead: open, Fields: []*schema.Field{pk(10), field(11, "name", schema.TypeString)}},
		{ID: 3, Name: "books", MinRoleRead: open, Fields: []*schema.Field{
			pk(20), field(21, "author", schema.TypeString), field(22, "pages", schema.TypeInteger), key(23, "publisher", "publishers"),
		}},
		{ID: 4, Name: "patients", MinRoleRead: schema.RoleAdmin, OwnershipFieldID: 33, Fields: []*schema.Field{
			pk(30), field(31, "name", schema.TypeString), key(32, "favbook", "books"), key(33, "owner", "users"),
		}},
		{ID: 5, Name: "readings", MinRoleRead: open, Fields: []*schema.Field{
			pk(40), key(41, "patient_id", "patients"), field(42, "temperature", schema.TypeFloat),
			field(43, "normal", schema.TypeBool), field(44, "date", schema.TypeDate),
		}},
		{ID: 6, Name: "tags", MinRoleRead: open, Fields: []*schema.Field{pk(50), field(51, "label", schema.TypeString)}},
		{ID: 7, Name: "book_tags", MinRoleRead: open, Fields: []*schema.Field{pk(60), key(61, "book", "books"), tag}},
		{ID: 8, Name: "notes", MinRoleRead: schema.RoleAdmin, OwnershipFormula: "book.author == user.id", Fields: []*schema.Field{
			pk(70), field(71, "body", schema.TypeString), key(72, "book", "books"),
		}},
		{ID: 9, Name: "secrets", MinRoleRead: schema.RoleAdmin, Fields: []*schema.Field{pk(80), field(81, "body", schema.TypeString)}},
		{ID: 10, Name: "places", MinRoleRead: open, Fields: []*schema.Field{
			pk(90), field(91, "name", schema.TypeString), field(92, "lat", schema.TypeFloat), field(93, "lng", schema.TypeFloat),
		}},
		{ID: 11, Name: "profiles", MinRoleRead: open, Fields: []*schema.Field{pk(100), profileUser, field(102, "bio", schema.TypeString)}},
	})
}

func builder(d sqldsl.Dialect) Builder {
	return Builder{Dialect: d, Schema: fixture(), FreeVariables: expr.New().FreeVariables}
}

func table(t *testing.T, b Builder, name string) *schema.Table {
	t.Helper()
	tbl, err := b.Schema.MustTable(name)
	require.NoError(t, err)
	return tbl
}

func TestBuild_JoinFields(t *testing.T) {
	b := builder(sqldsl.Postgres)

	t.Run("single hop", func(t *testing.T) {
		q, err := b.Build(table(t, b, "patients"), Options{
			Where: where.Fields{"id": 1},
			JoinFields: map[string]JoinField{
				"author": {Ref: "favbook", Target: "author"},
				"pages":  {Ref: "favbook", Target: "pages"},
			},
			OrderBy: "author",
			Limit:   10,
		})
		require.NoError(t, err)
		assert.Equal(t, `SELECT books_jt_favbook."author" AS "author", books_jt_favbook."pages" AS "pages", `+
			`a."id", a."name", a."favbook", a."owner" FROM "patients" a `+
			`LEFT JOIN "books" books_jt_favbook ON books_jt_favbook."id" = a."favbook" `+
			`WHERE a."id" = $1 ORDER BY "author" LIMIT 10`, q.SQL)
		assert.Equal(t, []any{1}, q.Args)
		assert.Equal(t, "author", q.Columns["author"].Name)
	})

	t.Run("through", func(t *testing.T) {
		q, err := b.Build(table(t, b, "patients"), Options{
			JoinFields: map[string]JoinField{
				"pubname": {Ref: "favbook", Through: []string{"publisher"}, Target: "name"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, `SELECT books_jt_publisher_jt_favbook."name" AS "pubname", `+
			`a."id", a."name", a."favbook", a."owner" FROM "patients" a `+
			`LEFT JOIN "books" books_jt_favbook ON books_jt_favbook."id" = a."favbook" `+
			`LEFT JOIN "publishers" books_jt_publisher_jt_favbook ON books_jt_publisher_jt_favbook."id" = books_jt_favbook."publisher"`, q.SQL)
		assert.Empty(t, q.Args)
	})

	t.Run("one to one inbound", func(t *testing.T) {
		q, err := b.Build(table(t, b, "users"), Options{
			JoinFields: map[string]JoinField{"bio": {Ref: "user_id", OnTable: "profiles", Target: "bio"}},
		})
		require.NoError(t, err)
		assert.Equal(t, `SELECT profiles_jt_user_id."bio" AS "bio", a."id", a."email" FROM "users" a `+
			`LEFT JOIN "profiles" profiles_jt_user_id ON profiles_jt_user_id."user_id" = a."id"`, q.SQL)
	})

	t.Run("configuration errors", func(t *testing.T) {
		for name, jf := range map[string]JoinField{
			"missing ref":     {Ref: "nope", Target: "author"},
			"not a key":       {Ref: "name", Target: "author"},
			"missing target":  {Ref: "favbook", Target: "nope"},
			"missing through": {Ref: "favbook", Through: []string{"nope"}, Target: "name"},
			"missing ontable": {Ref: "user_id", OnTable: "nope", Target: "bio"},
		} {
			_, err := b.Build(table(t, b, "patients"), Options{JoinFields: map[string]JoinField{"x": jf}})
			assert.True(t, schema.IsConfigurationErr(err), name)
		}
	})
}

func TestBuild_Aggregations(t *testing.T) {
	tests := []struct {
		name     string
		dialect  sqldsl.Dialect
		table    string
		agg      Aggregation
		wantCol  string
		wantArgs []any
	}{
		{
			name:    "avg",
			dialect: sqldsl.SQLite,
			table:   "patients",
			agg:     Aggregation{Table: "readings", Ref: "patient_id", Field: "temperature", Aggregate: "avg"},
			wantCol: `(SELECT avg("temperature") FROM "readings" WHERE "patient_id" = a."id") AS "agg"`,
		},
		{
			name:     "count with filter",
			dialect:  sqldsl.Postgres,
			table:    "patients",
			agg:      Aggregation{Table: "readings", Ref: "patient_id", Aggregate: "count", Where: where.Range{Field: "temperature", Gt: 38.0}},
			wantCol:  `(SELECT count(*) FROM "readings" WHERE ("patient_id" = a."id" AND "temperature" > $1)) AS "agg"`,
			wantArgs: []any{38.0},
		},
		{
			name:    "countunique",
			dialect: sqldsl.Postgres,
			table:   "books",
			agg:     Aggregation{Table: "book_tags", Ref: "book", Field: "tag", Aggregate: "countunique"},
			wantCol: `(SELECT count(DISTINCT "tag") FROM "book_tags" WHERE "book" = a."id") AS "agg"`,
		},
		{
			name:    "latest",
			dialect: sqldsl.SQLite,
			table:   "patients",
			agg:     Aggregation{Table: "readings", Ref: "patient_id", Field: "temperature", Aggregate: "Latest date"},
			wantCol: `(SELECT "temperature" FROM "readings" WHERE ("date" = (SELECT max("date") FROM "readings" WHERE "patient_id" = a."id") ` +
				`AND "patient_id" = a."id") LIMIT 1) AS "agg"`,
		},
		{
			name:    "earliest",
			dialect: sqldsl.SQLite,
			table:   "patients",
			agg:     Aggregation{Table: "readings", Ref: "patient_id", Field: "temperature", Aggregate: "Earliest date"},
			wantCol: `(SELECT "temperature" FROM "readings" WHERE ("date" = (SELECT min("date") FROM "readings" WHERE "patient_id" = a."id") ` +
				`AND "patient_id" = a."id") LIMIT 1) AS "agg"`,
		},
		{
			name:    "percent",
			dialect: sqldsl.SQLite,
			table:   "patients",
			agg:     Aggregation{Table: "readings", Ref: "patient_id", Field: "normal", Aggregate: "Percent true"},
			wantCol: `(SELECT avg(CASE WHEN "normal" = TRUE THEN 100.0 ELSE 0.0 END) FROM "readings" WHERE "patient_id" = a."id") AS "agg"`,
		},
		{
			name:    "array_agg of summary field",
			dialect: sqldsl.Postgres,
			table:   "books",
			agg:     Aggregation{Table: "book_tags", Ref: "book", Field: "tag", Aggregate: "array_agg"},
			wantCol: `(SELECT array_agg(aggjoin."label") FROM "book_tags" aggto JOIN "tags" aggjoin ON aggto."tag" = aggjoin."id" WHERE aggto."book" = a."id") AS "agg"`,
		},
		{
			name:    "array_agg on sqlite with order",
			dialect: sqldsl.SQLite,
			table:   "patients",
			agg:     Aggregation{Table: "readings", Ref: "patient_id", Field: "temperature", Aggregate: "array_agg", OrderBy: "date"},
			wantCol: `(SELECT json_group_array("temperature") FROM "readings" WHERE "patient_id" = a."id") AS "agg"`,
		},
		{
			name:    "array_agg on postgres with order",
			dialect: sqldsl.Postgres,
			table:   "patients",
			agg:     Aggregation{Table: "readings", Ref: "patient_id", Field: "temperature", Aggregate: "array_agg", OrderBy: "date"},
			wantCol: `(SELECT array_agg("temperature" ORDER BY "date") FROM "readings" WHERE "patient_id" = a."id") AS "agg"`,
		},
		{
			name:    "subselect through junction",
			dialect: sqldsl.Postgres,
			table:   "tags",
			agg:     Aggregation{Table: "books", Ref: "id", Aggregate: "count", Subselect: &Subselect{Table: "book_tags", Field: "book", WhereField: "tag"}},
			wantCol: `(SELECT count(*) FROM "books" WHERE "id" IN (SELECT "book" FROM "book_tags" WHERE "tag" = a."id")) AS "agg"`,
		},
		{
			name:    "through own field",
			dialect: sqldsl.Postgres,
			table:   "patients",
			agg:     Aggregation{Table: "book_tags", Ref: "book", Aggregate: "count", Through: "favbook"},
			wantCol: `(SELECT count(*) FROM "book_tags" WHERE "book" = a."favbook") AS "agg"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := builder(tt.dialect)
			q, err := b.Build(table(t, b, tt.table), Options{Aggregations: map[string]Aggregation{"agg": tt.agg}})
			require.NoError(t, err)
			assert.Contains(t, q.SQL, ", "+tt.wantCol+" FROM")
			if tt.wantArgs == nil {
				assert.Empty(t, q.Args)
			} else {
				assert.Equal(t, tt.wantArgs, q.Args)
			}
		})
	}
}

func TestBuild_AggregationArgsPrecedeWhere(t *testing.T) {
	b := builder(sqldsl.Postgres)
	q, err := b.Build(table(t, b, "patients"), Options{
		Where: where.Fields{"name": "Kirk"},
		Aggregations: map[string]Aggregation{
			"fevers": {Table: "readings", Ref: "patient_id", Aggregate: "count", Where: where.Range{Field: "temperature", Gt: 38.0}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT a."id", a."name", a."favbook", a."owner", `+
		`(SELECT count(*) FROM "readings" WHERE ("patient_id" = a."id" AND "temperature" > $1)) AS "fevers" `+
		`FROM "patients" a WHERE a."name" = $2`, q.SQL)
	assert.Equal(t, []any{38.0, "Kirk"}, q.Args)
	assert.Empty(t, q.ArrayColumns)
}

func TestBuild_AggregationErrors(t *testing.T) {
	b := builder(sqldsl.Postgres)
	patients := table(t, b, "patients")
	for name, agg := range map[string]Aggregation{
		"missing table": {Table: "nope", Ref: "patient_id", Aggregate: "count"},
		"missing ref":   {Table: "readings", Ref: "nope", Aggregate: "count"},
		"missing field": {Table: "readings", Ref: "patient_id", Field: "nope", Aggregate: "avg"},
		"bad aggregate": {Table: "readings", Ref: "patient_id", Field: "temperature", Aggregate: "drop table"},
		"missing date":  {Table: "readings", Ref: "patient_id", Field: "temperature", Aggregate: "Latest nope"},
	} {
		_, err := b.Build(patients, Options{Aggregations: map[string]Aggregation{"x": agg}})
		assert.True(t, schema.IsConfigurationErr(err), name)
	}
}

func TestBuild_Ownership(t *testing.T) {
	b := builder(sqldsl.Postgres)
	user := &schema.Principal{ID: int64(7), Role: schema.RoleUser}

	t.Run("owner field folds into where", func(t *testing.T) {
		q, err := b.Build(table(t, b, "patients"), Options{Principal: user, Where: where.Fields{"name": "Kirk"}})
		require.NoError(t, err)
		assert.Equal(t, `SELECT a."id", a."name", a."favbook", a."owner" FROM "patients" a WHERE (a."name" = $1 AND a."owner" = $2)`, q.SQL)
		assert.Equal(t, []any{"Kirk", int64(7)}, q.Args)
	})

	t.Run("owner field also restricts aggregated reads", func(t *testing.T) {
		q, err := b.Build(table(t, b, "patients"), Options{
			Principal:    user,
			Aggregations: map[string]Aggregation{"n": {Table: "readings", Ref: "patient_id", Aggregate: "count"}},
		})
		require.NoError(t, err)
		assert.Contains(t, q.SQL, `WHERE a."owner" = $1`)
	})

	t.Run("admin is not restricted", func(t *testing.T) {
		q, err := b.Build(table(t, b, "patients"), Options{Principal: &schema.Principal{ID: 1, Role: schema.RoleAdmin}})
		require.NoError(t, err)
		assert.NotContains(t, q.SQL, "WHERE")
	})

	t.Run("public never owns", func(t *testing.T) {
		q, err := b.Build(table(t, b, "patients"), Options{Principal: schema.Public()})
		require.NoError(t, err)
		assert.True(t, q.NotAuthorized)
		assert.Empty(t, q.SQL)
	})

	t.Run("no policy short circuits", func(t *testing.T) {
		q, err := b.Build(table(t, b, "secrets"), Options{Principal: user})
		require.NoError(t, err)
		assert.True(t, q.NotAuthorized)
	})

	t.Run("users see their own row", func(t *testing.T) {
		q, err := b.Build(table(t, b, "users"), Options{Principal: user})
		require.NoError(t, err)
		assert.Equal(t, `SELECT a."id", a."email" FROM "users" a WHERE a."id" = $1`, q.SQL)
	})

	t.Run("formula adds join fields", func(t *testing.T) {
		q, err := b.Build(table(t, b, "notes"), Options{Principal: user})
		require.NoError(t, err)
		assert.False(t, q.NotAuthorized)
		assert.Equal(t, "book.author == user.id", q.OwnershipFormula)
		assert.Equal(t, `SELECT books_jt_book."author" AS "__book_author", a."id", a."body", a."book" FROM "notes" a `+
			`LEFT JOIN "books" books_jt_book ON books_jt_book."id" = a."book"`, q.SQL)
		assert.Equal(t, []string{"book", "author"}, q.JoinFields["__book_author"].RenameObject)
	})

	t.Run("formula without evaluator", func(t *testing.T) {
		nb := b
		nb.FreeVariables = nil
		_, err := nb.Build(table(t, b, "notes"), Options{Principal: user})
		assert.True(t, schema.IsConfigurationErr(err))
	})
}

func TestBuild_Order(t *testing.T) {
	b := builder(sqldsl.SQLite)
	places := table(t, b, "places")

	q, err := b.Build(places, Options{OrderBy: "name", OrderDesc: true, NoCase: true, Limit: 5, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, `SELECT a."id", a."name", a."lat", a."lng" FROM "places" a ORDER BY lower(a."name") DESC LIMIT 5 OFFSET 10`, q.SQL)

	q, err = b.Build(places, Options{Random: true})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "ORDER BY RANDOM()")

	q, err = b.Build(places, Options{Distance: &DistanceOrder{LatField: "lat", LongField: "lng", Lat: 0, Long: 0}})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `ORDER BY ((a."lat" - 0)*(a."lat" - 0)) + ((a."lng" - 0)*(a."lng" - 0)*1)`)

	q, err = b.Build(places, Options{
		OrderBy:      "n",
		Aggregations: map[string]Aggregation{"n": {Table: "readings", Aggregate: "count"}},
	})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `ORDER BY "n"`)

	_, err = b.Build(places, Options{OrderBy: "name; drop table places"})
	assert.True(t, schema.IsConfigurationErr(err))

	_, err = b.Build(places, Options{Distance: &DistanceOrder{LatField: "nope", LongField: "lng"}})
	assert.True(t, schema.IsConfigurationErr(err))
}

func TestCountAndDistinct(t *testing.T) {
	b := builder(sqldsl.Postgres)
	books := table(t, b, "books")

	sql, args, err := b.Count(books, where.Fields{"author": "Leo Tolstoy"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) FROM "books" a WHERE a."author" = $1`, sql)
	assert.Equal(t, []any{"Leo Tolstoy"}, args)

	sql, args, err = b.Distinct(books, "author", nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT DISTINCT a."author" FROM "books" a ORDER BY a."author"`, sql)
	assert.Empty(t, args)

	_, _, err = b.Distinct(books, "nope", nil)
	assert.True(t, schema.IsConfigurationErr(err))
}

func TestFreeVariableJoinFields(t *testing.T) {
	b := builder(sqldsl.Postgres)
	patients := table(t, b, "patients")

	got := FreeVariableJoinFields(patients, []string{"name", "favbook.author", "favbook.publisher.name", "name.upper", "a.b.c.d.e"})
	assert.Equal(t, map[string]JoinField{
		"__favbook_author": {Ref: "favbook", Target: "author", RenameObject: []string{"favbook", "author"}},
		"__favbook_publisher_name": {
			Ref: "favbook", Target: "name", Through: []string{"publisher"},
			RenameObject: []string{"favbook", "publisher", "name"},
		},
	}, got)
}

func TestNest(t *testing.T) {
	joinFields := map[string]JoinField{
		"favbook_author":         {RenameObject: []string{"favbook", "author"}},
		"favbook_publisher_name": {RenameObject: []string{"favbook", "publisher", "name"}},
		"plain":                  {Ref: "favbook", Target: "pages"},
	}
	row := map[string]any{
		"favbook":                int64(2),
		"favbook_author":         "Leo Tolstoy",
		"favbook_publisher_name": "Penguin",
		"plain":                  int64(728),
	}
	Nest(row, joinFields)
	assert.Equal(t, map[string]any{
		"id":        int64(2),
		"author":    "Leo Tolstoy",
		"publisher": map[string]any{"name": "Penguin"},
	}, row["favbook"])
	assert.Equal(t, int64(728), row["plain"])
}
