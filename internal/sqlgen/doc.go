// Package sqlgen compiles predicate trees and ordering options into the
// typed SQL expressions of the sqldsl subpackage.
//
// # Overview
//
// The query builder and the mutation pipeline describe filters as
// where.Pred values. WhereCompiler walks a predicate and produces a
// sqldsl.Expr, binding every caller-supplied value through a shared
// sqldsl.Args stack so the rendered SQL only ever contains placeholders,
// sanitized identifiers and fixed keywords.
//
// # Dialects
//
// Postgres and SQLite differ in a handful of places that the compiler
// handles explicitly:
//
//   - IN over a parameter list: Postgres binds one array and renders
//     x = ANY($n); SQLite expands one placeholder per value.
//   - Case-insensitive matching: ILIKE versus LIKE.
//   - Full-text search: to_tsvector/to_tsquery versus a LIKE scan.
//   - JSON paths: jsonb_path_query_first versus json_extract.
//   - Calendar-day comparison: x::date versus date(x).
//
// # Aliases
//
// Compile takes the alias of the relation the predicate applies to. Field
// names are qualified with it; names that already contain a dot are taken
// as qualified references and only sanitized.
package sqlgen
