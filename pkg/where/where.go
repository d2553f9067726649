// Package where defines the structured WHERE predicate tree shared by the
// query builder, the state translator and the mutation pipeline.
//
// A predicate names fields, never SQL. Values are always bound as
// parameters when the tree is compiled, so a Pred built from caller input
// can be compiled without further escaping.
package where

import (
	"sort"

	"github.com/pthm/tabula/schema"
)

// Pred is one node of a predicate tree.
type Pred interface {
	pred()
}

// Fields is a conjunction of equality tests, the common "column = value"
// filter. A nil value tests for NULL.
type Fields map[string]any

// Eq tests Field = Value. A nil Value tests for NULL.
type Eq struct {
	Field string
	Value any
}

// IsNull tests Field IS NULL, or IS NOT NULL when Not is set.
type IsNull struct {
	Field string
	Not   bool
}

// ILike is a case-insensitive substring match.
type ILike struct {
	Field string
	Value string
}

// Range bounds Field from below (Gt) and/or above (Lt). A nil bound is
// absent. Equal makes both bounds inclusive; DayOnly compares dates as
// calendar days.
type Range struct {
	Field   string
	Gt      any
	Lt      any
	Equal   bool
	DayOnly bool
}

// In tests membership of Field in Values.
type In struct {
	Field  string
	Values []any
	Not    bool
}

// InSelect tests Field IN (SELECT Select FROM Table WHERE Where). With
// Through set, Table is joined to Through on Through.ThroughPK = Table.Select
// and ValField is returned instead; Where then applies to Through.
type InSelect struct {
	Field     string
	Table     string
	Select    string
	Where     Pred
	Through   string
	ThroughPK string
	ValField  string
}

// Level is one hop of a relation path subselect. Exactly one of FKey and
// InboundKey is set: FKey follows a foreign key held by the previous level,
// InboundKey follows a key on Table pointing back at the previous level.
type Level struct {
	Table      string
	FKey       string
	InboundKey string
	PKName     string
	RefName    string
}

// InSelectLevels tests Field IN a subselect built by chaining Levels. Where
// applies to the first level.
type InSelectLevels struct {
	Field  string
	Levels []Level
	Where  Pred
}

// FTS is a full-text search over the text fields of a table. Key fields
// contribute the summary field of the referenced row.
type FTS struct {
	Fields    []*schema.Field
	Term      string
	Language  string
	Websearch bool
}

// JSON matches a value inside a JSON column at Path. With ILike set Value is
// a substring; with Gte or Lte set the match is a range.
type JSON struct {
	Field string
	Path  []string
	Value any
	ILike bool
	Gte   any
	Lte   any
}

// Slug matches Field after lower-casing and replacing spaces with dashes.
type Slug struct {
	Field string
	Value string
}

// And is a conjunction. An empty And is TRUE.
type And []Pred

// Or is a disjunction. An empty Or is FALSE.
type Or []Pred

// Not negates its predicate.
type Not struct {
	Pred Pred
}

// False matches no rows.
type False struct{}

func (Fields) pred()         {}
func (Eq) pred()             {}
func (IsNull) pred()         {}
func (ILike) pred()          {}
func (Range) pred()          {}
func (In) pred()             {}
func (InSelect) pred()       {}
func (InSelectLevels) pred() {}
func (FTS) pred()            {}
func (JSON) pred()           {}
func (Slug) pred()           {}
func (And) pred()            {}
func (Or) pred()             {}
func (Not) pred()            {}
func (False) pred()          {}

// Keys returns the field names of f in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All combines predicates into one conjunction, dropping nils and empty
// conjunctions and flattening nested Ands.
func All(preds ...Pred) Pred {
	var out And
	for _, p := range preds {
		switch x := p.(type) {
		case nil:
		case And:
			for _, inner := range x {
				if inner != nil {
					out = append(out, inner)
				}
			}
		case Fields:
			if len(x) > 0 {
				out = append(out, x)
			}
		default:
			out = append(out, p)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// IsEmpty reports whether p matches every row.
func IsEmpty(p Pred) bool {
	switch x := p.(type) {
	case nil:
		return true
	case And:
		for _, inner := range x {
			if !IsEmpty(inner) {
				return false
			}
		}
		return true
	case Fields:
		return len(x) == 0
	}
	return false
}

// FieldValue returns the value an equality predicate pins field to, looking
// through Fields, Eq and top-level Ands.
func FieldValue(p Pred, field string) (any, bool) {
	switch x := p.(type) {
	case Fields:
		v, ok := x[field]
		return v, ok
	case Eq:
		if x.Field == field {
			return x.Value, true
		}
	case And:
		for _, inner := range x {
			if v, ok := FieldValue(inner, field); ok {
				return v, true
			}
		}
	}
	return nil, false
}
