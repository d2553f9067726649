package migrator

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/pthm/tabula/schema"
)

// Definitions is the content of one table definition file:
//
//	tables:
//	  - name: books
//	    min_role_read: 100
//	    versioned: true
//	    fields:
//	      - {name: author, label: Author, type: String, required: true}
//	      - {name: publisher, type: Key, ref_table: publisher}
//	    constraints:
//	      - {type: Unique, fields: [author, title]}
type Definitions struct {
	Tables []TableDef `json:"tables"`
}

// TableDef declares a table. Unset roles default to admin only. The
// ownership field is named rather than referenced by id.
type TableDef struct {
	Name             string               `json:"name"`
	Description      string               `json:"description,omitempty"`
	MinRoleRead      int                  `json:"min_role_read,omitempty"`
	MinRoleWrite     int                  `json:"min_role_write,omitempty"`
	OwnershipField   string               `json:"ownership_field,omitempty"`
	OwnershipFormula string               `json:"ownership_formula,omitempty"`
	Versioned        bool                 `json:"versioned,omitempty"`
	Fields           []FieldDef           `json:"fields"`
	Constraints      []*schema.Constraint `json:"constraints,omitempty"`
}

// FieldDef declares a field of a table.
type FieldDef struct {
	Name       string            `json:"name"`
	Label      string            `json:"label,omitempty"`
	Type       schema.TypeName   `json:"type"`
	RefTable   string            `json:"ref_table,omitempty"`
	RefName    string            `json:"ref_name,omitempty"`
	Required   bool              `json:"required,omitempty"`
	Unique     bool              `json:"unique,omitempty"`
	PrimaryKey bool              `json:"primary_key,omitempty"`
	Calculated bool              `json:"calculated,omitempty"`
	Stored     bool              `json:"stored,omitempty"`
	Expression string            `json:"expression,omitempty"`
	Attributes schema.Attributes `json:"attributes,omitempty"`
}

// Field converts the definition to a schema field.
func (d FieldDef) Field() *schema.Field {
	return &schema.Field{
		Name:       d.Name,
		Label:      d.Label,
		Type:       d.Type,
		RefTable:   d.RefTable,
		RefName:    d.RefName,
		Required:   d.Required,
		IsUnique:   d.Unique,
		PrimaryKey: d.PrimaryKey,
		Calculated: d.Calculated,
		Stored:     d.Stored,
		Expression: d.Expression,
		Attributes: d.Attributes,
	}
}

// Table converts the definition to a schema table without its ownership
// field, which only has an id once the table exists.
func (d TableDef) Table() *schema.Table {
	t := &schema.Table{
		Name:             d.Name,
		Description:      d.Description,
		MinRoleRead:      orAdmin(d.MinRoleRead),
		MinRoleWrite:     orAdmin(d.MinRoleWrite),
		OwnershipFormula: d.OwnershipFormula,
		Versioned:        d.Versioned,
	}
	for _, f := range d.Fields {
		t.Fields = append(t.Fields, f.Field())
	}
	for _, c := range d.Constraints {
		cc := *c
		t.Constraints = append(t.Constraints, &cc)
	}
	return t
}

func orAdmin(role int) int {
	if role == 0 {
		return schema.RoleAdmin
	}
	return role
}

// ParseDefinitions parses YAML (or JSON) table definitions.
func ParseDefinitions(content []byte) ([]TableDef, error) {
	var defs Definitions
	if err := yaml.UnmarshalStrict(content, &defs); err != nil {
		return nil, fmt.Errorf("parsing table definitions: %w", err)
	}
	seen := map[string]bool{}
	for _, t := range defs.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("parsing table definitions: table without a name")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("parsing table definitions: table %s defined twice", t.Name)
		}
		seen[t.Name] = true
	}
	return defs.Tables, nil
}

// DefinitionFiles returns the .yaml and .yml files of dir in name order.
func DefinitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadDefinitions reads every definition file of dir. It returns the
// concatenated content, from which the migration checksum is computed.
func LoadDefinitions(dir string) ([]TableDef, string, error) {
	files, err := DefinitionFiles(dir)
	if err != nil {
		return nil, "", fmt.Errorf("reading definitions: %w", err)
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("no table definitions found in %s", dir)
	}
	var all bytes.Buffer
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, "", fmt.Errorf("reading definitions: %w", err)
		}
		all.Write(b)
		all.WriteString("\n---\n")
	}
	defs, err := parseDocuments(all.Bytes())
	if err != nil {
		return nil, "", err
	}
	return defs, all.String(), nil
}

// parseDocuments parses "---"-separated definition documents.
func parseDocuments(content []byte) ([]TableDef, error) {
	var defs []TableDef
	seen := map[string]bool{}
	for _, doc := range bytes.Split(content, []byte("\n---\n")) {
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		tables, err := ParseDefinitions(doc)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			if seen[t.Name] {
				return nil, fmt.Errorf("parsing table definitions: table %s defined twice", t.Name)
			}
			seen[t.Name] = true
			defs = append(defs, t)
		}
	}
	return defs, nil
}
