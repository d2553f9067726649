package expr

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// toStarlark converts a row value to a Starlark value.
func toStarlark(val any) starlark.Value {
	if val == nil {
		return starlark.None
	}

	switch v := val.(type) {
	case starlark.Value:
		return v
	case bool:
		return starlark.Bool(v)
	case int:
		return starlark.MakeInt(v)
	case int32:
		return starlark.MakeInt64(int64(v))
	case int64:
		return starlark.MakeInt64(v)
	case uint32:
		return starlark.MakeUint64(uint64(v))
	case uint64:
		return starlark.MakeUint64(v)
	case float32:
		return starlark.Float(v)
	case float64:
		return starlark.Float(v)
	case string:
		return starlark.String(v)
	case []byte:
		return starlark.String(string(v))
	case time.Time:
		return starlarktime.Time(v)
	case []any:
		list := make([]starlark.Value, len(v))
		for i, item := range v {
			list[i] = toStarlark(item)
		}
		return starlark.NewList(list)
	case []string:
		list := make([]starlark.Value, len(v))
		for i, item := range v {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list)
	case []int64:
		list := make([]starlark.Value, len(v))
		for i, item := range v {
			list[i] = starlark.MakeInt64(item)
		}
		return starlark.NewList(list)
	case map[string]any:
		return newRecord(v)
	default:
		return starlark.String(fmt.Sprint(v))
	}
}

// fromStarlark converts an evaluation result back to a plain Go value.
func fromStarlark(val starlark.Value) any {
	switch v := val.(type) {
	case nil, starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		f, _ := new(big.Float).SetInt(v.BigInt()).Float64()
		return f
	case starlark.Float:
		return float64(v)
	case starlark.String:
		return v.GoString()
	case starlarktime.Time:
		return time.Time(v)
	case starlarktime.Duration:
		return time.Duration(v).String()
	case *starlark.List:
		result := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			result[i] = fromStarlark(v.Index(i))
		}
		return result
	case starlark.Tuple:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = fromStarlark(item)
		}
		return result
	case *starlark.Dict:
		result := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			if k, ok := item[0].(starlark.String); ok {
				result[k.GoString()] = fromStarlark(item[1])
			}
		}
		return result
	case *record:
		result := make(map[string]any, len(v.fields))
		for k, item := range v.fields {
			result[k] = fromStarlark(item)
		}
		return result
	case *starlarkstruct.Struct:
		result := map[string]any{}
		for _, name := range v.AttrNames() {
			item, _ := v.Attr(name)
			result[name] = fromStarlark(item)
		}
		return result
	default:
		return v.String()
	}
}

// record exposes a nested map as a value supporting both r.key and r["key"].
// Missing keys read as None rather than failing, as row data is sparse.
type record struct {
	fields map[string]starlark.Value
}

var (
	_ starlark.HasAttrs = (*record)(nil)
	_ starlark.Mapping  = (*record)(nil)
)

func newRecord(m map[string]any) *record {
	r := &record{fields: make(map[string]starlark.Value, len(m))}
	for k, v := range m {
		r.fields[k] = toStarlark(v)
	}
	return r
}

func (r *record) String() string {
	buf := "record("
	for i, k := range r.AttrNames() {
		if i > 0 {
			buf += ", "
		}
		buf += k + " = " + r.fields[k].String()
	}
	return buf + ")"
}

func (r *record) Type() string         { return "record" }
func (r *record) Freeze()              {}
func (r *record) Truth() starlark.Bool { return len(r.fields) > 0 }

func (r *record) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: record")
}

func (r *record) Attr(name string) (starlark.Value, error) {
	if v, ok := r.fields[name]; ok {
		return v, nil
	}
	return starlark.None, nil
}

func (r *record) AttrNames() []string {
	names := make([]string, 0, len(r.fields))
	for k := range r.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *record) Get(k starlark.Value) (starlark.Value, bool, error) {
	s, ok := k.(starlark.String)
	if !ok {
		return nil, false, fmt.Errorf("record key must be string, got %s", k.Type())
	}
	v, found := r.fields[string(s)]
	return v, found, nil
}
