package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for metadata lookups.
var (
	// ErrTableNotFound is returned when a table name or id is not in the snapshot.
	ErrTableNotFound = errors.New("tabula: table not found")

	// ErrFieldNotFound is returned when a field is not declared on a table.
	ErrFieldNotFound = errors.New("tabula: field not found")

	// ErrNoPrimaryKey is returned when a table declares no primary key field.
	ErrNoPrimaryKey = errors.New("tabula: table has no primary key")
)

// ConfigurationError reports metadata that cannot be interpreted: a dangling
// reference, an unparsable relation path or a join through a non-Key field.
type ConfigurationError struct {
	Table  string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("tabula: configuration error")
	if e.Table != "" {
		b.WriteString(" in table " + e.Table)
	}
	if e.Field != "" {
		b.WriteString(" field " + e.Field)
	}
	b.WriteString(": " + e.Reason)
	return b.String()
}

// Configf builds a ConfigurationError.
func Configf(table, field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Table: table, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationErr reports whether err is a ConfigurationError.
func IsConfigurationErr(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ValidationError collects invariant violations found in a table definition.
type ValidationError struct {
	Table    string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tabula: invalid table %s: %s", e.Table, strings.Join(e.Problems, "; "))
}

// IsValidationErr reports whether err is a ValidationError.
func IsValidationErr(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
