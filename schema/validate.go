package schema

import (
	"fmt"
	"strings"
)

// Validate checks the structural invariants of a table definition. lookup
// resolves referenced tables; a nil lookup skips reference checks. A key to
// a table lookup does not know is a ConfigurationError, reported only once
// the definition itself is sound.
func (t *Table) Validate(lookup func(name string) (*Table, bool)) error {
	var (
		problems []string
		missing  *ConfigurationError
	)
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if t.Name == "" {
		add("name is empty")
	} else if Sanitize(t.Name) != t.Name {
		add("name %q contains characters outside letters, digits and underscore", t.Name)
	}

	pks := 0
	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if f.PrimaryKey {
			pks++
		}
		if seen[f.Name] {
			add("field %s is declared twice", f.Name)
		}
		seen[f.Name] = true
		if Sanitize(f.Name) != f.Name || f.Name == "" {
			add("field name %q is not a valid identifier", f.Name)
		} else if strings.HasPrefix(f.Name, ReservedPrefix) {
			add("field name %q starts with the reserved prefix %s", f.Name, ReservedPrefix)
		}
		if _, ok := LookupType(f.Type); !ok {
			add("field %s has unknown type %q", f.Name, f.Type)
		}
		if f.Stored && !f.Calculated {
			add("field %s is stored but not calculated", f.Name)
		}
		if !f.Calculated && f.Expression != "" {
			add("field %s has an expression but is not calculated", f.Name)
		}
		if f.Calculated && f.Expression == "" {
			add("field %s is calculated without an expression", f.Name)
		}
		if f.IsForeignKey() {
			if f.RefTable == "" {
				add("key field %s has no referenced table", f.Name)
			} else if lookup != nil && f.RefTable != t.Name {
				if _, ok := lookup(f.RefTable); !ok && missing == nil {
					missing = Configf(t.Name, f.Name, "references unknown table %s", f.RefTable)
				}
			}
		}
	}
	if pks != 1 {
		add("expected exactly one primary key field, found %d", pks)
	}

	if t.OwnershipFieldID != 0 {
		of := t.OwnershipField()
		switch {
		case of == nil:
			add("ownership field %d is not a field of the table", t.OwnershipFieldID)
		case !of.IsForeignKey() || of.RefTable != UsersTable:
			add("ownership field %s must be a key to %s", of.Name, UsersTable)
		}
	}

	for _, c := range t.Constraints {
		switch c.Type {
		case ConstraintUnique:
			if len(c.Fields) == 0 {
				add("unique constraint without fields")
			}
			for _, name := range c.Fields {
				if !seen[name] {
					add("unique constraint names unknown field %s", name)
				}
			}
		case ConstraintFormula:
			if c.Formula == "" {
				add("formula constraint without a formula")
			}
		default:
			add("unknown constraint type %q", c.Type)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Table: t.Name, Problems: problems}
	}
	if missing != nil {
		return missing
	}
	return nil
}
