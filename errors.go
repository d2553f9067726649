package tabula

import (
	"errors"

	"github.com/pthm/tabula/pkg/store"
	"github.com/pthm/tabula/schema"
)

// Sentinel errors for the failure modes of reads and writes.
//
// Reads a principal may not make come back empty. Writes it may not make
// write nothing and return ErrNotAuthorized, which the Try* variants turn
// into a Result message.
//
// Use the Is*Err helper functions to check for specific errors.
var (
	// ErrNotAuthorized is returned when the principal's role and ownership
	// do not permit the operation.
	ErrNotAuthorized = errors.New("tabula: not authorized")

	// ErrMissingMetadata is returned when the metadata relations don't exist.
	// Run `tabula migrate` to create them.
	ErrMissingMetadata = schema.ErrMissingMetadata

	// ErrNoPrimaryKey is returned when a table declares no primary key field.
	ErrNoPrimaryKey = schema.ErrNoPrimaryKey

	// ErrMissingPrimaryKeyValue is returned when an update, restore or toggle
	// is called without the id of the row.
	ErrMissingPrimaryKeyValue = errors.New("tabula: primary key value missing")

	// ErrRowNotFound is returned when the row, or the history version, a
	// write names does not exist.
	ErrRowNotFound = errors.New("tabula: row not found")

	// ErrInvalidImport is returned when an import batch is malformed as a
	// whole, such as a primary key repeated across rows. Nothing is imported.
	ErrInvalidImport = errors.New("tabula: invalid import")
)

// ConstraintViolation is a write rejected by an integrity constraint. The
// engine rewrites its message to name the field.
type ConstraintViolation = store.ConstraintViolation

// TransientStoreError is a store failure that may succeed on retry. The
// engine never retries writes itself.
type TransientStoreError = store.TransientStoreError

// ConfigurationError reports metadata that cannot be interpreted.
type ConfigurationError = schema.ConfigurationError

// IsNotAuthorizedErr returns true if err is or wraps ErrNotAuthorized.
func IsNotAuthorizedErr(err error) bool {
	return errors.Is(err, ErrNotAuthorized)
}

// IsMissingMetadataErr returns true if err is or wraps ErrMissingMetadata.
func IsMissingMetadataErr(err error) bool {
	return errors.Is(err, ErrMissingMetadata)
}

// IsNoPrimaryKeyErr returns true if err is or wraps ErrNoPrimaryKey.
func IsNoPrimaryKeyErr(err error) bool {
	return errors.Is(err, ErrNoPrimaryKey)
}

// IsMissingPrimaryKeyValueErr returns true if err is or wraps
// ErrMissingPrimaryKeyValue.
func IsMissingPrimaryKeyValueErr(err error) bool {
	return errors.Is(err, ErrMissingPrimaryKeyValue)
}

// IsRowNotFoundErr returns true if err is or wraps ErrRowNotFound.
func IsRowNotFoundErr(err error) bool {
	return errors.Is(err, ErrRowNotFound)
}

// IsInvalidImportErr returns true if err is or wraps ErrInvalidImport.
func IsInvalidImportErr(err error) bool {
	return errors.Is(err, ErrInvalidImport)
}

// IsConfigurationErr returns true if err is or wraps a ConfigurationError.
func IsConfigurationErr(err error) bool {
	return schema.IsConfigurationErr(err)
}

// IsConstraintViolationErr returns true if err is or wraps a
// ConstraintViolation.
func IsConstraintViolationErr(err error) bool {
	return store.IsConstraintViolation(err)
}

// IsTransientErr returns true if err is or wraps a TransientStoreError.
func IsTransientErr(err error) bool {
	return store.IsTransient(err)
}

// fieldError is a write rejected with a message meant for the user, such as
// a constraint formula's error text or a validator's refusal.
type fieldError struct {
	msg string
}

func (e *fieldError) Error() string { return e.msg }
