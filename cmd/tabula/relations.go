package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/pthm/tabula/internal/cli"
	"github.com/pthm/tabula/pkg/relations"
)

var (
	relationsDepth        int
	relationsAggregations bool
	relationsYAML         bool
)

// relationsView is the printable summary of a table's relations.
type relationsView struct {
	Table      string   `json:"table"`
	Parents    []string `json:"parents"`
	Children   []string `json:"children"`
	ManyToMany []string `json:"many_to_many,omitempty"`
}

var relationsCmd = &cobra.Command{
	Use:   "relations <table>",
	Short: "Show the tables a table joins to",
	Long: `List the parent field paths reachable through Key fields, the child
tables referencing the table, and the junction-table paths leading out of it.`,
	Example: `  # Parent paths up to two hops away
  tabula relations books

  # Include children reached through a parent, as YAML
  tabula relations books --aggregations --yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeEngine()

		table := args[0]
		parents, err := eng.GetParentRelations(table, relationsDepth)
		if err != nil {
			return cli.GeneralError("reading parent relations", err)
		}
		children, err := eng.GetChildRelations(table, relationsAggregations)
		if err != nil {
			return cli.GeneralError("reading child relations", err)
		}
		paths, err := eng.GetManyToManyPaths(table)
		if err != nil {
			return cli.GeneralError("reading many-to-many paths", err)
		}

		view := relationsView{
			Table:    table,
			Parents:  parents.FieldList,
			Children: children.FieldList,
		}
		for _, p := range paths {
			view.ManyToMany = append(view.ManyToMany, describePath(p))
		}

		out := cmd.OutOrStdout()
		if relationsYAML {
			b, err := yaml.Marshal(view)
			if err != nil {
				return err
			}
			_, err = out.Write(b)
			return err
		}
		printRelations(out, view)
		return nil
	},
}

func init() {
	f := relationsCmd.Flags()
	f.IntVar(&relationsDepth, "depth", relations.MaxDepth, "parent hops to follow")
	f.BoolVar(&relationsAggregations, "aggregations", false, "include children reached through a parent")
	f.BoolVar(&relationsYAML, "yaml", false, "print as YAML")
}

func describePath(p relations.ManyToManyPath) string {
	s := fmt.Sprintf("%s via %s.%s", p.Target.Name, p.Junction.Name, p.SourceKey.Name)
	if p.Layer != nil {
		s += fmt.Sprintf(" then %s.%s", p.Layer.Table.Name, p.Layer.Field.Name)
	}
	return s
}

func printRelations(w io.Writer, v relationsView) {
	_, _ = fmt.Fprintf(w, "%s\n", v.Table)
	section := func(title string, items []string) {
		_, _ = fmt.Fprintf(w, "\n%s (%d)\n", title, len(items))
		for _, it := range items {
			_, _ = fmt.Fprintf(w, "  %s\n", it)
		}
	}
	section("Parents", v.Parents)
	section("Children", v.Children)
	section("Many to many", v.ManyToMany)
}
