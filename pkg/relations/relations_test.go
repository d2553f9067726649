package relations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
)

func pk() *schema.Field { return &schema.Field{Name: "id", Type: schema.TypeInteger, PrimaryKey: true} }

func key(name, ref string) *schema.Field {
	return &schema.Field{Name: name, Type: schema.TypeKey, RefTable: ref}
}

func str(name string) *schema.Field { return &schema.Field{Name: name, Type: schema.TypeString} }

func fixture() *schema.Snapshot {
	profileUser := key("user_id", "users")
	profileUser.IsUnique = true
	return schema.NewSnapshot([]*schema.Table{
		{Name: "users", Fields: []*schema.Field{pk(), str("email")}},
		{Name: "profiles", Fields: []*schema.Field{pk(), profileUser, str("bio")}},
		{Name: "publishers", Fields: []*schema.Field{pk(), str("name")}},
		{Name: "books", Fields: []*schema.Field{pk(), str("author"), key("publisher", "publishers")}},
		{Name: "patients", Fields: []*schema.Field{pk(), str("name"), key("favbook", "books"), key("owner", "users")}},
		{Name: "readings", Fields: []*schema.Field{pk(), key("patient_id", "patients"), {Name: "temperature", Type: schema.TypeFloat}}},
		{Name: "tags", Fields: []*schema.Field{pk(), str("label")}},
		{Name: "book_tags", Fields: []*schema.Field{pk(), key("book", "books"), key("tag", "tags")}},
	})
}

func table(t *testing.T, snap *schema.Snapshot, name string) *schema.Table {
	t.Helper()
	tbl, ok := snap.Table(name)
	require.True(t, ok, name)
	return tbl
}

func TestParentRelations(t *testing.T) {
	snap := fixture()
	patients := table(t, snap, "patients")

	t.Run("single hop", func(t *testing.T) {
		got, err := ParentRelations(snap, patients, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"favbook.id", "favbook.author", "favbook.publisher",
			"owner.id", "owner.email",
		}, got.FieldList)
		require.Len(t, got.Relations, 2)
		assert.Equal(t, "books", got.Relations[0].Table.Name)
		assert.Nil(t, got.Relations[0].Through)
	})

	t.Run("double hop", func(t *testing.T) {
		got, err := ParentRelations(snap, patients, 1)
		require.NoError(t, err)
		assert.Contains(t, got.FieldList, "favbook.publisher.name")
		var through []string
		for _, r := range got.Relations {
			if r.Through != nil {
				through = append(through, r.Through.Name+"."+r.KeyField.Name)
			}
		}
		assert.Equal(t, []string{"favbook.publisher"}, through)
	})

	t.Run("one to one", func(t *testing.T) {
		got, err := ParentRelations(snap, table(t, snap, "users"), 0)
		require.NoError(t, err)
		assert.Contains(t, got.FieldList, "profiles.user_id->bio")
		require.Len(t, got.Relations, 1)
		assert.Equal(t, "profiles", got.Relations[0].OnTable.Name)
	})

	t.Run("missing table is fatal", func(t *testing.T) {
		broken := &schema.Table{Name: "orphans", Fields: []*schema.Field{pk(), key("lost", "nowhere")}}
		_, err := ParentRelations(snap, broken, 0)
		assert.True(t, schema.IsConfigurationErr(err))
		assert.ErrorContains(t, err, "nowhere")
	})

	t.Run("cycles terminate on depth", func(t *testing.T) {
		self := &schema.Table{Name: "nodes", Fields: []*schema.Field{pk(), key("parent", "nodes")}}
		cyclic := schema.NewSnapshot([]*schema.Table{self})
		got, err := ParentRelations(cyclic, self, MaxDepth)
		require.NoError(t, err)
		assert.Contains(t, got.FieldList, "parent.parent.parent.id")
		assert.NotContains(t, got.FieldList, "parent.parent.parent.parent.id")
	})
}

func TestChildRelations(t *testing.T) {
	snap := fixture()
	patients := table(t, snap, "patients")

	got, err := ChildRelations(snap, patients, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"readings.patient_id"}, got.FieldList)

	got, err = ChildRelations(snap, patients, true)
	require.NoError(t, err)
	assert.Contains(t, got.FieldList, "favbook->book_tags.book")
	assert.Contains(t, got.FieldList, "owner->profiles.user_id")
	for _, r := range got.Relations {
		if r.Table.Name == "book_tags" {
			require.NotNil(t, r.Through)
			assert.Equal(t, "favbook", r.Through.Name)
		}
	}
}

func TestJoinFieldOptions(t *testing.T) {
	snap := fixture()
	opts, err := JoinFieldOptions(snap, table(t, snap, "patients"), 1)
	require.NoError(t, err)
	require.Len(t, opts, 2)

	favbook := opts[0]
	assert.Equal(t, "favbook", favbook.FieldPath)
	assert.Equal(t, "books", favbook.Table)

	var publisher JoinFieldOption
	for _, sub := range favbook.SubFields {
		if sub.Name == "publisher" {
			publisher = sub
		}
	}
	assert.Equal(t, "publishers", publisher.Table)
	require.Len(t, publisher.SubFields, 2)
	assert.Equal(t, "favbook.publisher.name", publisher.SubFields[1].FieldPath)
	assert.Empty(t, publisher.SubFields[1].SubFields)

	shallow, err := JoinFieldOptions(snap, table(t, snap, "patients"), 0)
	require.NoError(t, err)
	for _, sub := range shallow[0].SubFields {
		assert.Empty(t, sub.SubFields)
	}
}

func TestRelationCodec(t *testing.T) {
	rel, err := ParseRelation(".books.book_tags$book.tag")
	require.NoError(t, err)
	assert.Equal(t, "books", rel.SourceTable)
	assert.Equal(t, []Hop{{Table: "book_tags", InboundKey: "book"}, {FKey: "tag"}}, rel.Path)
	assert.Equal(t, ".books.book_tags$book.tag", rel.String())

	_, err = ParseRelation("books.tag")
	assert.Error(t, err)

	pv, err := DecodePathValue(`{"srcId":3,"relation":".books.book_tags$book.tag"}`)
	require.NoError(t, err)
	assert.Equal(t, float64(3), pv.SrcID)

	pv, err = DecodePathValue(map[string]any{"srcId": "NULL", "relation": ".x"})
	require.NoError(t, err)
	assert.Equal(t, ".x", pv.Relation)
}

func TestFilter(t *testing.T) {
	snap := fixture()
	rel, err := ParseRelation(".books.book_tags$book.tag")
	require.NoError(t, err)

	pred, err := Filter(snap, table(t, snap, "tags"), rel, 3)
	require.NoError(t, err)
	assert.Equal(t, where.InSelectLevels{
		Field: "id",
		Levels: []where.Level{
			{Table: "book_tags", InboundKey: "book", PKName: "id", RefName: "id"},
			{Table: "tags", FKey: "tag", PKName: "id"},
		},
		Where: where.Eq{Field: "book", Value: 3},
	}, pred)

	pred, err = Filter(snap, table(t, snap, "readings"), Relation{SourceTable: "patients", Path: []Hop{{Table: "readings", InboundKey: "patient_id"}}}, "NULL")
	require.NoError(t, err)
	assert.Equal(t, where.Eq{Field: "patient_id", Value: nil}, pred.(where.InSelectLevels).Where)

	_, err = Filter(snap, table(t, snap, "tags"), Relation{SourceTable: "books", Path: []Hop{{FKey: "author"}}}, 1)
	assert.True(t, schema.IsConfigurationErr(err))
}

func TestManyToManyPaths(t *testing.T) {
	snap := fixture()
	paths, err := ManyToManyPaths(snap, table(t, snap, "books"))
	require.NoError(t, err)

	var rels []string
	for _, p := range paths {
		rels = append(rels, p.Relation.String())
	}
	assert.Contains(t, rels, ".books.book_tags$book.tag")
	assert.Contains(t, rels, ".books.patients$favbook.owner")
	assert.Contains(t, rels, ".books.patients$favbook.owner.profiles$user_id")
	for _, p := range paths {
		if p.Relation.String() == ".books.book_tags$book.tag" {
			assert.Equal(t, "tags", p.Target.Name)
			assert.Equal(t, "book_tags", p.Junction.Name)
		}
	}
}
