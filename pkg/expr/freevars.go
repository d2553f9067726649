package expr

import (
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

type freeSet struct {
	// paths are the dotted references, sorted and unique.
	paths []string
	// roots are the first segments of paths.
	roots []string
}

// freeNames collects the free references of e. Names bound inside the
// expression by comprehensions or lambdas, builtins, modules and user are
// not free.
func freeNames(e syntax.Expr) freeSet {
	bound := map[string]bool{"user": true}
	for name := range modules {
		bound[name] = true
	}
	syntax.Walk(e, func(n syntax.Node) bool {
		switch x := n.(type) {
		case *syntax.ForClause:
			bindTargets(x.Vars, bound)
		case *syntax.LambdaExpr:
			for _, p := range x.Params {
				bindTargets(p, bound)
			}
		}
		return true
	})

	paths := map[string]bool{}
	roots := map[string]bool{}
	var visit func(n syntax.Node) bool
	visit = func(n syntax.Node) bool {
		switch x := n.(type) {
		case *syntax.DotExpr:
			if parts, ok := dotted(x); ok {
				if !bound[parts[0]] && !starlark.Universe.Has(parts[0]) {
					paths[strings.Join(parts, ".")] = true
					roots[parts[0]] = true
				}
				return false
			}
			syntax.Walk(x.X, visit)
			return false
		case *syntax.Ident:
			if !bound[x.Name] && !starlark.Universe.Has(x.Name) {
				paths[x.Name] = true
				roots[x.Name] = true
			}
		case *syntax.CallExpr:
			switch fn := x.Fn.(type) {
			case *syntax.DotExpr:
				// name.method() references the field, not a path through it.
				syntax.Walk(fn.X, visit)
			default:
				syntax.Walk(fn, visit)
			}
			for _, a := range x.Args {
				if kw, ok := a.(*syntax.BinaryExpr); ok && kw.Op == syntax.EQ {
					syntax.Walk(kw.Y, visit)
					continue
				}
				syntax.Walk(a, visit)
			}
			return false
		}
		return true
	}
	syntax.Walk(e, visit)
	return freeSet{paths: sortedKeys(paths), roots: sortedKeys(roots)}
}

// dotted flattens a chain of attribute accesses on an identifier.
func dotted(d *syntax.DotExpr) ([]string, bool) {
	switch x := d.X.(type) {
	case *syntax.Ident:
		return []string{x.Name, d.Name.Name}, true
	case *syntax.DotExpr:
		parts, ok := dotted(x)
		if !ok {
			return nil, false
		}
		return append(parts, d.Name.Name), true
	}
	return nil, false
}

func bindTargets(e syntax.Expr, bound map[string]bool) {
	switch x := e.(type) {
	case *syntax.Ident:
		bound[x.Name] = true
	case *syntax.TupleExpr:
		for _, el := range x.List {
			bindTargets(el, bound)
		}
	case *syntax.ParenExpr:
		bindTargets(x.X, bound)
	case *syntax.ListExpr:
		for _, el := range x.List {
			bindTargets(el, bound)
		}
	case *syntax.BinaryExpr:
		// default parameter: name=value
		bindTargets(x.X, bound)
	case *syntax.UnaryExpr:
		// *args, **kwargs
		if x.X != nil {
			bindTargets(x.X, bound)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
