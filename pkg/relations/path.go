package relations

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
)

// Hop is one step of a relation path. An inbound hop moves to Table through
// its InboundKey, which points back at the previous table; an outbound hop
// follows the previous table's FKey.
type Hop struct {
	Table      string `json:"table,omitempty"`
	InboundKey string `json:"inboundKey,omitempty"`
	FKey       string `json:"fkey,omitempty"`
}

// Inbound reports whether the hop follows a key pointing back.
func (h Hop) Inbound() bool { return h.InboundKey != "" }

// Relation is a route from SourceTable through Path. Its string form is
// .source.hop.hop where an inbound hop is written table$key and an outbound
// hop is the key name.
type Relation struct {
	SourceTable string
	Path        []Hop
}

// ParseRelation decodes the string form of a relation.
func ParseRelation(s string) (Relation, error) {
	if !strings.HasPrefix(s, ".") {
		return Relation{}, schema.Configf("", "", "relation path %q must start with a dot", s)
	}
	tokens := strings.Split(s, ".")
	if len(tokens) < 2 || tokens[1] == "" {
		return Relation{}, schema.Configf("", "", "relation path %q has no source table", s)
	}
	rel := Relation{SourceTable: tokens[1]}
	for _, tok := range tokens[2:] {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if i := strings.Index(tok, "$"); i > 0 {
			rel.Path = append(rel.Path, Hop{Table: tok[:i], InboundKey: tok[i+1:]})
			continue
		}
		rel.Path = append(rel.Path, Hop{FKey: tok})
	}
	return rel, nil
}

// String encodes the relation.
func (r Relation) String() string {
	var b strings.Builder
	b.WriteString("." + r.SourceTable)
	for _, h := range r.Path {
		if h.Inbound() {
			b.WriteString("." + h.Table + "$" + h.InboundKey)
		} else {
			b.WriteString("." + h.FKey)
		}
	}
	return b.String()
}

// PathValue is a relation together with the primary key of the row the
// route starts from. SrcID "NULL" selects rows with no related source.
type PathValue struct {
	SrcID    any    `json:"srcId"`
	Relation string `json:"relation"`
}

// DecodePathValue accepts a PathValue, its JSON form, or a decoded JSON map.
func DecodePathValue(v any) (PathValue, error) {
	switch x := v.(type) {
	case PathValue:
		return x, nil
	case *PathValue:
		return *x, nil
	case string:
		var pv PathValue
		if err := json.Unmarshal([]byte(x), &pv); err != nil {
			return PathValue{}, schema.Configf("", "", "invalid relation path value: %v", err)
		}
		return pv, nil
	case map[string]any:
		rel, _ := x["relation"].(string)
		return PathValue{SrcID: x["srcId"], Relation: rel}, nil
	}
	return PathValue{}, schema.Configf("", "", "unsupported relation path value %T", v)
}

// Encode returns the JSON form of the value.
func (pv PathValue) Encode() (string, error) {
	b, err := json.Marshal(pv)
	if err != nil {
		return "", fmt.Errorf("encoding relation path: %w", err)
	}
	return string(b), nil
}

// Filter turns a relation and a source id into a predicate on target's
// primary key: the target rows reachable from the source row along the
// path. An empty path yields nil.
func Filter(snap *schema.Snapshot, target *schema.Table, rel Relation, srcID any) (where.Pred, error) {
	if len(rel.Path) == 0 {
		return nil, nil
	}
	if s, ok := srcID.(string); ok && s == "NULL" {
		srcID = nil
	}
	var (
		levels []where.Level
		seed   where.Pred
	)
	lastTable := rel.SourceTable
	for _, h := range rel.Path {
		if h.Inbound() {
			t, err := snap.MustTable(h.Table)
			if err != nil {
				return nil, err
			}
			key, ok := t.Field(h.InboundKey)
			if !ok {
				return nil, schema.Configf(t.Name, h.InboundKey, "inbound key of relation %s not found", rel)
			}
			levels = append(levels, where.Level{Table: t.Name, InboundKey: key.Name, PKName: t.PKName(), RefName: key.RefColumn()})
			lastTable = t.Name
			if seed == nil {
				seed = where.Eq{Field: key.Name, Value: srcID}
			}
			continue
		}
		from, err := snap.MustTable(lastTable)
		if err != nil {
			return nil, err
		}
		fk, ok := from.Field(h.FKey)
		if !ok || !fk.IsForeignKey() {
			return nil, schema.Configf(from.Name, h.FKey, "relation %s follows a field that is not a key", rel)
		}
		ref, err := refTable(snap, from, fk)
		if err != nil {
			return nil, err
		}
		levels = append(levels, where.Level{Table: ref.Name, FKey: fk.Name, PKName: fk.RefColumn()})
		lastTable = ref.Name
		if seed == nil {
			seed = where.Eq{Field: ref.PKName(), Value: srcID}
		}
	}
	return where.InSelectLevels{Field: target.PKName(), Levels: levels, Where: seed}, nil
}
