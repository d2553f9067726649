// Package state translates loosely typed filter state, as it arrives from a
// search form or a query string, into a where.Pred over one table.
//
// Keys are interpreted against the table's fields:
//
//	name                 equality, or case-insensitive partial match for text
//	_gt_f _gte_f         lower bounds; _lt_f and _lte_f are upper bounds
//	_fromdate_f          inclusive date bounds; _todate_f, _fromneqdate_f
//	                     and _toneqdate_f complete the set
//	_not_f               inequality
//	_fts                 full-text search over the table
//	_or_field            moves the named field's test into a disjunction
//	fk.table->label      fk references a row whose label matches
//	table.fk.label       the row is referenced by a table row whose label matches
//	.src.hop.hop         rows reachable from a source row along a relation path
//
// Translation fails open: a key that names no field or relation, or a value
// that cannot be read as the field's type, is dropped and reported instead of
// producing a predicate.
package state

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pthm/tabula/pkg/query"
	"github.com/pthm/tabula/pkg/relations"
	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
)

// Translator converts filter state over one schema snapshot.
type Translator struct {
	Schema *schema.Snapshot
	// Exact disables partial matching of text fields.
	Exact       bool
	FTSLanguage string
	Websearch   bool
}

type bound struct {
	prefix string
	lower  bool
	equal  bool
	date   bool
}

var bounds = []bound{
	{"_fromdate_", true, true, true},
	{"_todate_", false, true, true},
	{"_fromneqdate_", true, false, true},
	{"_toneqdate_", false, false, true},
	{"_gte_", true, true, false},
	{"_lte_", false, true, false},
	{"_gt_", true, false, false},
	{"_lt_", false, false, false},
}

var bareDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// translation accumulates the predicates of one Where call.
type translation struct {
	tr       Translator
	table    *schema.Table
	fields   map[string][]where.Pred
	extra    []where.Pred
	orFields []string
	dropped  []string
}

// Where translates state into a predicate on t. The second result lists
// the keys that were dropped, sorted.
func (tr Translator) Where(t *schema.Table, state map[string]any) (where.Pred, []string) {
	x := &translation{tr: tr, table: t, fields: map[string][]where.Pred{}}
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !x.key(k, state[k]) {
			x.dropped = append(x.dropped, k)
		}
	}
	return x.result(), x.dropped
}

func (x *translation) add(field string, p where.Pred) {
	x.fields[field] = append(x.fields[field], p)
}

// key translates one entry and reports whether it was understood.
func (x *translation) key(k string, v any) bool {
	switch {
	case isControlKey(k):
		return true
	case k == "_fts" || k == "_fts_"+schema.Sanitize(x.table.Name):
		s, ok := v.(string)
		if !ok {
			return false
		}
		x.extra = append(x.extra, where.FTS{
			Fields:    x.table.StoredColumns(),
			Term:      strings.ReplaceAll(s, "\x00", ""),
			Language:  x.tr.FTSLanguage,
			Websearch: x.tr.Websearch,
		})
		return true
	case k == "or":
		p, ok := x.or(v)
		if ok {
			x.extra = append(x.extra, p)
		}
		return ok
	case k == "_or_field":
		switch names := v.(type) {
		case string:
			x.orFields = append(x.orFields, names)
		case []string:
			x.orFields = append(x.orFields, names...)
		case []any:
			for _, n := range names {
				x.orFields = append(x.orFields, fmt.Sprint(n))
			}
		default:
			return false
		}
		return true
	case k == "_relation_path_" || k == "_inbound_relation_path_":
		pv, err := relations.DecodePathValue(v)
		if err != nil {
			return false
		}
		return x.relation(pv.Relation, pv.SrcID)
	case strings.HasPrefix(k, "."):
		return x.relation(k, v)
	case strings.HasPrefix(k, "_not_"):
		f, ok := x.table.Field(strings.TrimPrefix(k, "_not_"))
		if !ok {
			return false
		}
		val, err := f.Read(v)
		if err != nil {
			return false
		}
		x.add(f.Name, where.Not{Pred: where.Eq{Field: f.Name, Value: val}})
		return true
	}
	for _, b := range bounds {
		if name, ok := strings.CutPrefix(k, b.prefix); ok {
			return x.bound(b, name, v)
		}
	}
	if f, ok := x.table.Field(k); ok {
		return x.field(f, v)
	}
	switch {
	case strings.Count(k, "->") == 2:
		return x.throughLabel(k, v)
	case strings.Contains(k, "->"):
		return x.label(k, v)
	case strings.Contains(k, "."):
		return x.inbound(k, v)
	}
	return false
}

func isControlKey(k string) bool {
	switch k {
	case "_orderBy", "_orderDesc", "_page", "_pagesize":
		return true
	}
	return strings.HasPrefix(k, "_near_lat_") || strings.HasPrefix(k, "_near_long_")
}

func (x *translation) bound(b bound, name string, v any) bool {
	f, ok := x.table.Field(name)
	if !ok {
		return false
	}
	r := where.Range{Field: f.Name, Equal: b.equal}
	var val any
	if b.date {
		d, ok := dateValue(f, v, !b.lower && b.equal)
		if !ok {
			return false
		}
		val = d
		r.DayOnly = f.Attributes.DayOnly
	} else {
		read, err := f.Read(v)
		if err != nil || read == nil {
			return false
		}
		val = read
	}
	if b.lower {
		r.Gt = val
	} else {
		r.Lt = val
	}
	x.add(f.Name, r)
	return true
}

// dateValue reads a date bound. Day-only fields compare calendar dates, so
// the bound is the date string. An inclusive upper bound given as a bare
// date on a timestamp field extends to the end of that day.
func dateValue(f *schema.Field, v any, inclusiveUpper bool) (any, bool) {
	d, err := schema.ReadDate(v)
	if err != nil {
		return nil, false
	}
	t, ok := d.(time.Time)
	if !ok {
		return nil, false
	}
	if f.Attributes.DayOnly {
		return t.Format("2006-01-02"), true
	}
	if s, ok := v.(string); ok && inclusiveUpper && bareDate.MatchString(strings.TrimSpace(s)) {
		t = t.AddDate(0, 0, 1)
	}
	return t, true
}

func (x *translation) field(f *schema.Field, v any) bool {
	switch val := v.(type) {
	case where.Pred:
		x.add(f.Name, val)
		return true
	case []any:
		return x.anyOf(f, val)
	case []string:
		vals := make([]any, len(val))
		for i, s := range val {
			vals[i] = s
		}
		return x.anyOf(f, vals)
	case map[string]any:
		if f.Type == schema.TypeJSON {
			return x.json(f, val)
		}
		return x.operators(f, val)
	}
	if f.Type == schema.TypeBool && v == "?" {
		return true
	}
	if s, ok := v.(string); ok && f.IsText() && x.approximate(f) {
		x.add(f.Name, where.ILike{Field: f.Name, Value: s})
		return true
	}
	read, err := f.Read(v)
	if err != nil {
		return false
	}
	x.add(f.Name, where.Eq{Field: f.Name, Value: read})
	return true
}

func (x *translation) approximate(f *schema.Field) bool {
	return !x.tr.Exact && !f.Attributes.ExactSearchOnly && len(f.Attributes.Options) == 0
}

func (x *translation) anyOf(f *schema.Field, vals []any) bool {
	var or where.Or
	for _, v := range vals {
		read, err := f.Read(v)
		if err != nil {
			return false
		}
		or = append(or, where.Eq{Field: f.Name, Value: read})
	}
	x.add(f.Name, or)
	return true
}

// operators translates an explicit operator object such as
// {"gte": 3, "lt": 10} or {"ilike": "tol"}.
func (x *translation) operators(f *schema.Field, ops map[string]any) bool {
	var preds []where.Pred
	for _, op := range sortedKeys(ops) {
		v := ops[op]
		switch op {
		case "ilike":
			s, ok := v.(string)
			if !ok {
				return false
			}
			preds = append(preds, where.ILike{Field: f.Name, Value: s})
		case "slugify":
			s, ok := v.(string)
			if !ok {
				return false
			}
			preds = append(preds, where.Slug{Field: f.Name, Value: s})
		case "gt", "gte", "lt", "lte":
			read, err := f.Read(v)
			if err != nil || read == nil {
				return false
			}
			r := where.Range{Field: f.Name, Equal: strings.HasSuffix(op, "e"), DayOnly: f.Attributes.DayOnly}
			if strings.HasPrefix(op, "g") {
				r.Gt = read
			} else {
				r.Lt = read
			}
			preds = append(preds, r)
		case "in", "not_in":
			list, ok := v.([]any)
			if !ok {
				return false
			}
			vals := make([]any, 0, len(list))
			for _, item := range list {
				read, err := f.Read(item)
				if err != nil {
					return false
				}
				vals = append(vals, read)
			}
			preds = append(preds, where.In{Field: f.Name, Values: vals, Not: op == "not_in"})
		case "is_null":
			preds = append(preds, where.IsNull{Field: f.Name, Not: v == false})
		default:
			return false
		}
	}
	for _, p := range preds {
		x.add(f.Name, p)
	}
	return len(preds) > 0
}

// json translates a JSON field filter. Sub-keys are paths into the
// document; a __gte or __lte suffix makes the match a numeric bound.
func (x *translation) json(f *schema.Field, m map[string]any) bool {
	byPath := map[string]*where.JSON{}
	for _, k := range sortedKeys(m) {
		v := m[k]
		if v == "" {
			continue
		}
		path, op := k, ""
		if p, ok := strings.CutSuffix(k, "__gte"); ok {
			path, op = p, "gte"
		} else if p, ok := strings.CutSuffix(k, "__lte"); ok {
			path, op = p, "lte"
		}
		j, ok := byPath[path]
		if !ok {
			j = &where.JSON{Field: f.Name, Path: strings.Split(path, ".")}
			byPath[path] = j
		}
		switch op {
		case "gte", "lte":
			n, ok := number(v)
			if !ok {
				return false
			}
			if op == "gte" {
				j.Gte = n
			} else {
				j.Lte = n
			}
		default:
			j.Value = v
		}
	}
	for _, path := range sortedKeys(byPath) {
		x.add(f.Name, *byPath[path])
	}
	return true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// or translates a disjunction given as a predicate or a list of states.
func (x *translation) or(v any) (where.Pred, bool) {
	var states []map[string]any
	switch o := v.(type) {
	case where.Pred:
		return o, true
	case []map[string]any:
		states = o
	case []any:
		for _, item := range o {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			states = append(states, m)
		}
	default:
		return nil, false
	}
	var or where.Or
	for _, s := range states {
		p, dropped := x.tr.Where(x.table, s)
		if len(dropped) > 0 {
			return nil, false
		}
		or = append(or, p)
	}
	return or, true
}

// relation filters to rows reachable from srcID along a relation path.
func (x *translation) relation(path string, srcID any) bool {
	rel, err := relations.ParseRelation(path)
	if err != nil {
		return false
	}
	p, err := relations.Filter(x.tr.Schema, x.table, rel, srcID)
	if err != nil || p == nil {
		return false
	}
	x.add(x.table.PKName(), p)
	return true
}

// label handles fk.table->label: the key fk references a row of table
// whose label matches.
func (x *translation) label(k string, v any) bool {
	fkName, rest, ok := strings.Cut(k, ".")
	if !ok {
		return false
	}
	jtName, lblName, ok := strings.Cut(rest, "->")
	if !ok {
		return false
	}
	fk, ok := x.table.Field(fkName)
	if !ok || !fk.IsForeignKey() {
		return false
	}
	jt, ok := x.tr.Schema.Table(jtName)
	if !ok {
		return false
	}
	lbl, ok := jt.Field(lblName)
	if !ok {
		return false
	}
	x.add(fk.Name, where.InSelect{
		Field:  fk.Name,
		Table:  jt.Name,
		Select: jt.PKName(),
		Where:  x.match(lbl, v),
	})
	return true
}

// throughLabel handles fk.through->field.table->label: fk references a row
// of through whose key field references a row of table whose label
// matches.
func (x *translation) throughLabel(k string, v any) bool {
	parts := strings.Split(k, ".")
	if len(parts) != 3 {
		return false
	}
	throughName, throughField, ok1 := strings.Cut(parts[1], "->")
	jtName, lblName, ok2 := strings.Cut(parts[2], "->")
	if !ok1 || !ok2 {
		return false
	}
	fk, ok := x.table.Field(parts[0])
	if !ok || !fk.IsForeignKey() {
		return false
	}
	through, ok := x.tr.Schema.Table(throughName)
	if !ok {
		return false
	}
	tf, ok := through.Field(throughField)
	if !ok || !tf.IsForeignKey() {
		return false
	}
	jt, ok := x.tr.Schema.Table(jtName)
	if !ok {
		return false
	}
	if _, ok := jt.Field(lblName); !ok {
		return false
	}
	x.add(fk.Name, where.InSelect{
		Field:     fk.Name,
		Table:     through.Name,
		Select:    tf.Name,
		ValField:  through.PKName(),
		Through:   jt.Name,
		ThroughPK: jt.PKName(),
		Where:     where.Eq{Field: lblName, Value: v},
	})
	return true
}

// inbound handles table.fk.label, rows referenced through table.fk by a
// row whose label matches, and table.fk.table2.label, where table is a
// junction whose fk references a table2 row whose label matches.
func (x *translation) inbound(k string, v any) bool {
	parts := strings.Split(k, ".")
	if len(parts) != 3 && len(parts) != 4 {
		return false
	}
	jt, ok := x.tr.Schema.Table(parts[0])
	if !ok {
		return false
	}
	fk, ok := jt.Field(parts[1])
	if !ok {
		return false
	}
	pk := x.table.PKName()
	if len(parts) == 3 {
		lbl, ok := jt.Field(parts[2])
		if !ok {
			return false
		}
		x.add(pk, where.InSelect{Field: pk, Table: jt.Name, Select: fk.Name, Where: x.match(lbl, v)})
		return true
	}
	target, ok := x.tr.Schema.Table(parts[2])
	if !ok || !fk.IsForeignKey() || fk.RefTable != target.Name {
		return false
	}
	if _, ok := target.Field(parts[3]); !ok {
		return false
	}
	back := backReference(jt, x.table.Name, fk.Name)
	if back == nil {
		return false
	}
	x.add(pk, where.InSelect{
		Field:     pk,
		Table:     jt.Name,
		Select:    fk.Name,
		ValField:  back.Name,
		Through:   target.Name,
		ThroughPK: target.PKName(),
		Where:     where.Eq{Field: parts[3], Value: v},
	})
	return true
}

// backReference returns the first key field of jt, other than skip, that
// references table.
func backReference(jt *schema.Table, table, skip string) *schema.Field {
	for _, f := range jt.ForeignKeys() {
		if f.Name != skip && f.RefTable == table {
			return f
		}
	}
	return nil
}

// match is the label test of a lookup: partial for free text fields.
func (x *translation) match(lbl *schema.Field, v any) where.Pred {
	if s, ok := v.(string); ok && lbl.IsText() && x.approximate(lbl) {
		return where.ILike{Field: lbl.Name, Value: s}
	}
	return where.Eq{Field: lbl.Name, Value: v}
}

func (x *translation) result() where.Pred {
	switch len(x.orFields) {
	case 0:
	case 1:
		name := x.orFields[0]
		if preds, ok := x.fields[name]; ok {
			delete(x.fields, name)
			return where.Or{where.All(preds...), x.conjunction()}
		}
	default:
		var or where.Or
		for _, name := range x.orFields {
			preds, ok := x.fields[name]
			if !ok {
				continue
			}
			delete(x.fields, name)
			or = append(or, where.All(preds...))
		}
		if len(or) > 0 {
			x.extra = append(x.extra, or)
		}
	}
	return x.conjunction()
}

func (x *translation) conjunction() where.Pred {
	var all []where.Pred
	for _, name := range sortedKeys(x.fields) {
		all = append(all, x.fields[name]...)
	}
	all = append(all, x.extra...)
	return where.All(all...)
}

// SelectOptions reads ordering, paging and proximity keys from state:
// _orderBy, _orderDesc, _pagesize, _page and a _near_lat_<field> plus
// _near_long_<field> pair. Ordering or proximity keys naming no column of t
// are dropped and returned, sorted.
func (tr Translator) SelectOptions(t *schema.Table, state map[string]any) (query.Options, []string) {
	var (
		opts    query.Options
		dropped []string
	)
	if s, ok := state["_orderBy"].(string); ok && s != "" {
		switch name := schema.Sanitize(s); {
		case strings.EqualFold(s, "random()"):
			opts.Random = true
		case isColumn(t, name):
			opts.OrderBy = name
			opts.OrderDesc = truthy(state["_orderDesc"])
		default:
			dropped = append(dropped, "_orderBy")
		}
	}
	if size, ok := integer(state["_pagesize"]); ok && size > 0 {
		opts.Limit = size
		if page, ok := integer(state["_page"]); ok && page > 1 {
			opts.Offset = (page - 1) * size
		}
	}
	var (
		d                 query.DistanceOrder
		haveLat, haveLong bool
		nearKeys          []string
	)
	for _, k := range sortedKeys(state) {
		if name, ok := strings.CutPrefix(k, "_near_lat_"); ok {
			d.LatField = schema.Sanitize(name)
			d.Lat, haveLat = number(state[k])
			nearKeys = append(nearKeys, k)
		}
		if name, ok := strings.CutPrefix(k, "_near_long_"); ok {
			d.LongField = schema.Sanitize(name)
			d.Long, haveLong = number(state[k])
			nearKeys = append(nearKeys, k)
		}
	}
	if haveLat && haveLong {
		if isColumn(t, d.LatField) && isColumn(t, d.LongField) {
			opts.Distance = &d
		} else {
			dropped = append(dropped, nearKeys...)
		}
	}
	sort.Strings(dropped)
	return opts, dropped
}

func isColumn(t *schema.Table, name string) bool {
	f, ok := t.Field(name)
	return ok && f.IsColumn()
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "on" || b == "1"
	case int:
		return b != 0
	}
	return false
}

func integer(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
