package schema

import "github.com/pthm/tabula/internal/sqlgen/sqldsl"

// Sanitize reduces a user-supplied identifier to letters, digits and
// underscores. A leading digit gets an underscore prefix.
func Sanitize(name string) string { return sqldsl.Sanitize(name) }

// SanitizeAllowDots is Sanitize that also keeps dots and double quotes, for
// qualified references such as a."col".
func SanitizeAllowDots(name string) string { return sqldsl.SanitizeAllowDots(name) }
