package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
)

// TypeName is the tag of a field type in the registry.
type TypeName string

// Built-in field types.
const (
	TypeInteger TypeName = "Integer"
	TypeFloat   TypeName = "Float"
	TypeString  TypeName = "String"
	TypeBool    TypeName = "Bool"
	TypeDate    TypeName = "Date"
	TypeJSON    TypeName = "JSON"
	TypeUUID    TypeName = "UUID"
	TypeKey     TypeName = "Key"
	TypeFile    TypeName = "File"
)

// Type describes how values of one field type are stored and read.
type Type struct {
	Name TypeName
	// SQLName returns the column type for the dialect.
	SQLName func(d sqldsl.Dialect) string
	// Read converts a loosely typed input (form value, driver value) to the
	// canonical Go value. A nil result means SQL NULL.
	Read func(v any) (any, error)
}

var registry = struct {
	mu    sync.RWMutex
	types map[TypeName]*Type
}{types: map[TypeName]*Type{}}

func init() {
	for _, t := range []*Type{
		{Name: TypeInteger, SQLName: fixedSQL("integer", "integer"), Read: readInteger},
		{Name: TypeFloat, SQLName: fixedSQL("double precision", "real"), Read: readFloat},
		{Name: TypeString, SQLName: fixedSQL("text", "text"), Read: readString},
		{Name: TypeBool, SQLName: fixedSQL("boolean", "boolean"), Read: readBool},
		{Name: TypeDate, SQLName: fixedSQL("timestamp", "timestamp"), Read: readDate},
		{Name: TypeJSON, SQLName: fixedSQL("jsonb", "json"), Read: readJSON},
		{Name: TypeUUID, SQLName: fixedSQL("uuid", "text"), Read: readUUID},
		{Name: TypeKey, SQLName: fixedSQL("integer", "integer"), Read: readKey},
		{Name: TypeFile, SQLName: fixedSQL("text", "text"), Read: readString},
	} {
		RegisterType(t)
	}
}

func fixedSQL(pg, lite string) func(sqldsl.Dialect) string {
	return func(d sqldsl.Dialect) string {
		if d == sqldsl.SQLite {
			return lite
		}
		return pg
	}
}

// RegisterType adds or replaces a type in the registry.
func RegisterType(t *Type) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.types[t.Name] = t
}

// LookupType returns the registered type with the given name.
func LookupType(name TypeName) (*Type, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	t, ok := registry.types[name]
	return t, ok
}

// Read converts v to the field's canonical value.
func (f *Field) Read(v any) (any, error) {
	t, ok := LookupType(f.Type)
	if !ok {
		return v, nil
	}
	out, err := t.Read(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.Name, err)
	}
	return out, nil
}

// SQLType returns the column type for the field. Key fields take the type of
// the referenced primary key when refPK is given.
func (f *Field) SQLType(d sqldsl.Dialect, refPK *Field) string {
	if f.IsForeignKey() && refPK != nil && refPK.Type != TypeKey {
		return refPK.SQLType(d, nil)
	}
	t, ok := LookupType(f.Type)
	if !ok {
		return "text"
	}
	return t.SQLName(d)
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func readInteger(v any) (any, error) {
	if isBlank(v) {
		return nil, nil
	}
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("not an integer: %v", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case []byte:
		return readInteger(string(x))
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", x)
		}
		return n, nil
	}
	return nil, fmt.Errorf("not an integer: %T", v)
}

func readFloat(v any) (any, error) {
	if isBlank(v) {
		return nil, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case []byte:
		return readFloat(string(x))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	}
	return nil, fmt.Errorf("not a number: %T", v)
}

func readString(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	}
	return fmt.Sprint(v), nil
}

func readBool(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case []byte:
		return readBool(string(x))
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "on", "yes", "t", "1":
			return true, nil
		case "false", "off", "no", "f", "0":
			return false, nil
		case "", "?":
			return nil, nil
		}
		return nil, fmt.Errorf("not a boolean: %q", x)
	}
	return nil, fmt.Errorf("not a boolean: %T", v)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ReadDate parses v with the Date type's accepted layouts.
func ReadDate(v any) (any, error) { return readDate(v) }

func readDate(v any) (any, error) {
	if isBlank(v) {
		return nil, nil
	}
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case []byte:
		return readDate(string(x))
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("not a date: %q", x)
	}
	return nil, fmt.Errorf("not a date: %T", v)
}

func readJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		var out any
		if err := json.Unmarshal(x, &out); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return out, nil
	case string:
		var out any
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			// Plain strings are valid JSON values once quoted.
			return x, nil
		}
		return out, nil
	}
	return v, nil
}

func readUUID(v any) (any, error) {
	if isBlank(v) {
		return nil, nil
	}
	switch x := v.(type) {
	case uuid.UUID:
		return x.String(), nil
	case [16]byte:
		return uuid.UUID(x).String(), nil
	case []byte:
		if len(x) == 16 {
			u, err := uuid.FromBytes(x)
			if err != nil {
				return nil, err
			}
			return u.String(), nil
		}
		return readUUID(string(x))
	case string:
		u, err := uuid.Parse(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("not a uuid: %q", x)
		}
		return u.String(), nil
	}
	return nil, fmt.Errorf("not a uuid: %T", v)
}

// readKey accepts integer keys and falls back to uuid keys.
func readKey(v any) (any, error) {
	if n, err := readInteger(v); err == nil {
		return n, nil
	}
	return readUUID(v)
}
