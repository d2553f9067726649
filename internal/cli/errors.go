// Package cli provides shared configuration and utilities for the tabula CLI.
package cli

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes of the tabula commands.
const (
	ExitSuccess = 0
	// ExitGeneral covers failures after the database was reached: a failed
	// migration step, unreadable history or failing doctor checks.
	ExitGeneral = 1
	// ExitConfig means tabula.yaml, the environment or the flags could not
	// be turned into a driver and DSN.
	ExitConfig = 2
	// ExitDefinitions means the YAML table definitions are missing or
	// inconsistent; nothing was migrated.
	ExitDefinitions = 3
	// ExitDBConnect means the database could not be opened or pinged.
	ExitDBConnect = 4
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitWithError prints the error and exits with the appropriate code.
func ExitWithError(err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(ExitGeneral)
}

// ConfigError creates an ExitError with ExitConfig code.
func ConfigError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Err: err}
}

// DefinitionsError creates an ExitError with ExitDefinitions code. Used
// for unreadable or inconsistent table definitions.
func DefinitionsError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitDefinitions, Message: msg, Err: err}
}

// DBConnectError creates an ExitError with ExitDBConnect code.
func DBConnectError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitDBConnect, Message: msg, Err: err}
}

// GeneralError creates an ExitError with ExitGeneral code.
func GeneralError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitGeneral, Message: msg, Err: err}
}
