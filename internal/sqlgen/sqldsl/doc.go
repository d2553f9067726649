// Package sqldsl provides a small typed DSL for rendering the SQL statements
// issued by the tabula query and mutation layers.
//
// # Overview
//
// Rather than concatenating caller-supplied strings, statements are composed
// from typed building blocks. Identifiers pass through Quote (which applies the
// same allow-list sanitizer as the schema package) and values are never
// rendered inline: they are appended to an Args stack which hands back a
// dialect-specific placeholder.
//
// # Core Interfaces
//
//   - Expr: SQL expressions (columns, placeholders, operators, function calls)
//   - TableExpr: sources usable in FROM and JOIN clauses
//
// # Expression Types
//
//	Col{Table: "a", Column: "author"}    // a."author"
//	Ident("books")                       // "books"
//	args.Bind("Leo Tolstoy")             // $1 (postgres) or ?1 (sqlite)
//	Int(42)                              // 42
//	Raw("RANDOM()")                      // escape hatch for fixed SQL
//
// Operators:
//
//	Eq{Left: col, Right: ph}             // col = $1
//	InList{Expr: col, Values: phs}       // col IN ($1, $2)
//	And(e1, e2)                          // (e1 AND e2)
//	Or(e1, e2)                           // (e1 OR e2)
//	Not(e)                               // NOT (e)
//
// # Statement Types
//
//	SelectStmt{
//	    ColumnExprs: []Expr{Col{Table: "a", Column: "*"}},
//	    FromExpr:    TableAs("books", "a"),
//	    Where:       And(cond1, cond2),
//	    OrderBy:     []OrderTerm{{Expr: Col{Table: "a", Column: "id"}}},
//	    Limit:       10,
//	}
//
// # Dialects
//
// Postgres renders placeholders as $n. SQLite renders them as ?NNN so that
// a placeholder keeps its index regardless of where it lands in the statement.
package sqldsl
