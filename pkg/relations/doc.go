// Package relations walks the foreign-key graph of a schema snapshot.
//
// It answers three questions about a table: which parent rows can be reached
// by following its Key fields (ParentRelations, JoinFieldOptions), which
// child tables hold a Key back to it (ChildRelations), and which tables are
// reachable through junction tables (ManyToManyPaths). It also encodes and
// decodes relation paths, the compact string form of a route through the
// graph used by filter state.
//
// Every function is a pure read over a snapshot. Cyclic foreign keys are
// allowed; recursion is bounded by the depth the caller asks for rather
// than by cycle detection. A Key field that names a table missing from the
// snapshot is a *schema.ConfigurationError.
package relations
