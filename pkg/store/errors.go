package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// SQLSTATE codes the engine reacts to.
const (
	StateUniqueViolation     = "23505"
	StateNotNullViolation    = "23502"
	StateForeignKeyViolation = "23503"
	StateCheckViolation      = "23514"
	StateAdminShutdown       = "57P01"
	StateSerialization       = "40001"
	StateDeadlock            = "40P01"
	StateTooManyConnections  = "53300"
)

// ConstraintViolation is a store rejection of a write by an integrity
// constraint, attributed to a field when the store says which.
type ConstraintViolation struct {
	Table      string
	Field      string
	Constraint string
	// Columns lists every column of a multi-column violation when the
	// store reports columns rather than a constraint name.
	Columns  []string
	SQLState string
	// Message, when set, replaces the generated text.
	Message string
	Err     error
}

func (e *ConstraintViolation) Error() string {
	if e.Message != "" {
		return e.Message
	}
	kind := "constraint violation"
	switch e.SQLState {
	case StateUniqueViolation:
		kind = "duplicate value"
	case StateNotNullViolation:
		kind = "missing value"
	case StateForeignKeyViolation:
		kind = "invalid reference"
	}
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s for %s.%s", kind, e.Table, e.Field)
	case e.Constraint != "":
		return fmt.Sprintf("%s on %s (%s)", kind, e.Table, e.Constraint)
	}
	return fmt.Sprintf("%s on %s: %v", kind, e.Table, e.Err)
}

func (e *ConstraintViolation) Unwrap() error { return e.Err }

// IsUnique reports whether the violation is a duplicate key.
func (e *ConstraintViolation) IsUnique() bool { return e.SQLState == StateUniqueViolation }

// TransientStoreError wraps a failure that may succeed on retry: lost
// connections, shutdowns, serialization failures and timeouts.
type TransientStoreError struct {
	SQLState string
	Err      error
}

func (e *TransientStoreError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("transient store error (SQLSTATE %s): %v", e.SQLState, e.Err)
	}
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// IsConstraintViolation reports whether err is or wraps a ConstraintViolation.
func IsConstraintViolation(err error) bool {
	var cv *ConstraintViolation
	return errors.As(err, &cv)
}

// IsTransient reports whether err is or wraps a TransientStoreError.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}

var sqlStateText = regexp.MustCompile(`SQLSTATE ([0-9A-Z]{5})`)

// SQLState extracts the SQLSTATE code of a driver error. SQLite extended
// result codes are mapped onto the matching class 23 codes.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return StateUniqueViolation
		case sqlite3.ErrConstraintNotNull:
			return StateNotNullViolation
		case sqlite3.ErrConstraintForeignKey:
			return StateForeignKeyViolation
		case sqlite3.ErrConstraintCheck:
			return StateCheckViolation
		}
		return ""
	}
	if m := sqlStateText.FindStringSubmatch(err.Error()); m != nil {
		return m[1]
	}
	return ""
}

// Classify converts a driver error from a statement on table into a
// ConstraintViolation or TransientStoreError. Other errors are returned
// unchanged.
func Classify(err error, table string) error {
	if err == nil {
		return nil
	}
	if IsConstraintViolation(err) || IsTransient(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return &TransientStoreError{Err: err}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && (liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked) {
		return &TransientStoreError{Err: err}
	}

	state := SQLState(err)
	switch {
	case state == "":
		return err
	case strings.HasPrefix(state, "23"):
		cv := &ConstraintViolation{Table: table, SQLState: state, Err: err}
		attribute(cv, err)
		return cv
	case strings.HasPrefix(state, "08"), state == StateAdminShutdown, state == StateSerialization,
		state == StateDeadlock, state == StateTooManyConnections:
		return &TransientStoreError{SQLState: state, Err: err}
	}
	return err
}

// attribute fills in the table, field and constraint names the driver
// reports. Constraint names of the form <table>_<field>_unique or
// <table>_<field>_key name their field.
func attribute(cv *ConstraintViolation, err error) {
	var pgErr *pgconn.PgError
	var pqErr *pq.Error
	var liteErr sqlite3.Error
	switch {
	case errors.As(err, &pgErr):
		cv.Constraint, cv.Field = pgErr.ConstraintName, pgErr.ColumnName
		if pgErr.TableName != "" {
			cv.Table = pgErr.TableName
		}
	case errors.As(err, &pqErr):
		cv.Constraint, cv.Field = pqErr.Constraint, pqErr.Column
		if pqErr.Table != "" {
			cv.Table = pqErr.Table
		}
	case errors.As(err, &liteErr):
		// "UNIQUE constraint failed: books.author, books.title"
		if _, cols, ok := strings.Cut(liteErr.Error(), "failed: "); ok {
			for _, col := range strings.Split(cols, ",") {
				if table, field, ok := strings.Cut(strings.TrimSpace(col), "."); ok {
					cv.Table = table
					cv.Columns = append(cv.Columns, field)
				}
			}
			if len(cv.Columns) == 1 {
				cv.Field = cv.Columns[0]
			}
		}
	}
	if cv.Field == "" && cv.Constraint != "" && cv.Table != "" {
		name := strings.TrimPrefix(cv.Constraint, cv.Table+"_")
		for _, suffix := range []string{"_unique", "_key", "_fkey", "_not_null"} {
			if f, ok := strings.CutSuffix(name, suffix); ok && name != cv.Constraint {
				cv.Field = f
				break
			}
		}
	}
}
