package query

import (
	"strings"

	"github.com/pthm/tabula/schema"
)

// FreeVariableJoinFields returns the join fields needed to read the dotted
// free variables of an expression over table t. Variables rooted at a key
// field of t with two to four segments become join fields named by joining
// the segments with underscores after schema.ReservedPrefix, so they never
// shadow a column; the rest are plain columns and ignored.
func FreeVariableJoinFields(t *schema.Table, vars []string) map[string]JoinField {
	out := map[string]JoinField{}
	AddFreeVariables(t, vars, out)
	return out
}

// AddFreeVariables adds the join fields for vars to joinFields.
func AddFreeVariables(t *schema.Table, vars []string, joinFields map[string]JoinField) {
	for _, v := range vars {
		path := strings.Split(v, ".")
		if len(path) < 2 || len(path) > 4 {
			continue
		}
		f, ok := t.Field(path[0])
		if !ok || !f.IsForeignKey() {
			continue
		}
		jf := JoinField{
			Ref:          path[0],
			Target:       path[len(path)-1],
			RenameObject: path,
		}
		if len(path) > 2 {
			jf.Through = path[1 : len(path)-1]
		}
		joinFields[schema.ReservedPrefix+strings.Join(path, "_")] = jf
	}
}

// Nest moves the value of every join field with a RenameObject path into a
// nested map at that path, so expressions can read favbook.author. The
// original key value is kept under "id" when it is numeric.
func Nest(row map[string]any, joinFields map[string]JoinField) {
	for _, name := range sortedKeys(joinFields) {
		path := joinFields[name].RenameObject
		if len(path) < 2 {
			continue
		}
		root := path[0]
		orig := row[root]
		obj, ok := orig.(map[string]any)
		if !ok {
			obj = map[string]any{}
			if isNumber(orig) {
				obj["id"] = orig
			}
		}
		cur := obj
		for _, seg := range path[1 : len(path)-1] {
			next, ok := cur[seg].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[seg] = next
			}
			cur = next
		}
		cur[path[len(path)-1]] = row[name]
		row[root] = obj
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float64:
		return true
	}
	return false
}
