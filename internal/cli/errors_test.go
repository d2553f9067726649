package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitError(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name string
		err  *ExitError
		code int
		msg  string
	}{
		{"general", GeneralError("migration failed", cause), ExitGeneral, "migration failed: connection refused"},
		{"config", ConfigError("database configuration", cause), ExitConfig, "database configuration: connection refused"},
		{"definitions", DefinitionsError("no table definitions found in schemas", nil), ExitDefinitions, "no table definitions found in schemas"},
		{"connect", DBConnectError("connecting to database", cause), ExitDBConnect, "connecting to database: connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.msg, tt.err.Error())

			var exitErr *ExitError
			wrapped := fmt.Errorf("tabula: %w", tt.err)
			assert.True(t, errors.As(wrapped, &exitErr))
			assert.Equal(t, tt.code, exitErr.Code)
			if tt.err.Err != nil {
				assert.ErrorIs(t, wrapped, cause)
			}
		})
	}
}
