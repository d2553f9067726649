// Package main provides the tabula CLI.
//
// The CLI supports:
//   - migrate: Apply YAML table definitions to the database
//   - status: Show the tables and the pending migration steps
//   - doctor: Run health checks on metadata and relations
//   - relations: Show how a table joins to its parents and children
//   - history compress: Squash bursts of edits in a versioned table
//   - config show: Print the effective configuration
//
// Usage:
//
//	tabula [flags] <command>
//
// Every command except config and version needs a database, configured in
// tabula.yaml, through TABULA_* variables, or with --db.
package main

func main() {
	Execute()
}
