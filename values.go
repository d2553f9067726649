package tabula

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pthm/tabula/pkg/query"
	"github.com/pthm/tabula/pkg/store"
	"github.com/pthm/tabula/schema"
)

// readInput converts caller values to the canonical value of each field.
// Calculated fields are dropped; they are never written by callers.
func readInput(t *schema.Table, values Row) (Row, error) {
	out := make(Row, len(values))
	for k, v := range values {
		f, ok := t.Field(k)
		if !ok {
			return nil, schema.Configf(t.Name, k, "%v", schema.ErrFieldNotFound)
		}
		if f.Calculated {
			continue
		}
		val, err := f.Read(v)
		if err != nil {
			return nil, &fieldError{msg: fmt.Sprintf("Invalid value for %s: %v", f.DisplayLabel(), err)}
		}
		out[k] = val
	}
	return out, nil
}

// storable returns row with values encoded for the driver: JSON fields are
// marshalled to text.
func storable(t *schema.Table, row Row) (Row, error) {
	out := make(Row, len(row))
	for k, v := range row {
		f, ok := t.Field(k)
		if ok && f.Type == schema.TypeJSON && v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", k, err)
			}
			v = string(b)
		}
		out[k] = v
	}
	return out, nil
}

// numericAggregates are aggregates whose Postgres result may arrive as
// numeric text.
var numericAggregates = map[string]bool{
	"avg": true, "sum": true, "count": true, "countunique": true,
	"percent true": true, "percent false": true,
}

// normalize converts driver values in rows read by q to canonical field
// values. Values a field cannot read are kept as returned.
func (e *Engine) normalize(t *schema.Table, q *query.Query, aggs map[string]query.Aggregation, rows []Row) {
	arrays := make(map[string]bool, len(q.ArrayColumns))
	for _, c := range q.ArrayColumns {
		arrays[c] = true
	}
	for _, row := range rows {
		for _, f := range t.StoredColumns() {
			if v, ok := row[f.Name]; ok {
				row[f.Name] = readOr(f, v)
			}
		}
		for name, f := range q.Columns {
			if v, ok := row[name]; ok && f != nil {
				row[name] = readOr(f, v)
			}
		}
		for name, agg := range aggs {
			name = schema.Sanitize(name)
			v, ok := row[name]
			if !ok {
				continue
			}
			switch {
			case arrays[name]:
				if list, err := store.DecodeArray(e.db.Dialect, v); err == nil {
					row[name] = list
				}
			case numericAggregates[strings.ToLower(agg.Aggregate)]:
				row[name] = numeric(v)
			}
		}
	}
}

func readOr(f *schema.Field, v any) any {
	out, err := f.Read(v)
	if err != nil {
		return v
	}
	return out
}

func numeric(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return v
}

// sameID reports whether two primary key values name the same row, across
// the integer and string forms drivers and callers use.
func sameID(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
