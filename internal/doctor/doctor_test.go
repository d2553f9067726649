package doctor_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tabula"
	"github.com/pthm/tabula/internal/doctor"
	"github.com/pthm/tabula/pkg/migrator"
	"github.com/pthm/tabula/test/testutil"
)

const tables = `
tables:
  - name: authors
    fields:
      - {name: name, type: String}
  - name: books
    versioned: true
    fields:
      - {name: title, type: String}
      - {name: author, type: Key, ref_table: authors}
`

func setup(t *testing.T) (*tabula.Engine, string) {
	t.Helper()
	eng, err := tabula.New(t.Context(), testutil.SQLite(t), tabula.WithSyncTriggers())
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tables.yaml"), []byte(tables), 0o600))
	return eng, dir
}

func status(t *testing.T, r *doctor.Report, name string) doctor.Status {
	t.Helper()
	c, ok := r.Check(name)
	require.True(t, ok, "check %s ran", name)
	return c.Status
}

func TestDoctor_Healthy(t *testing.T) {
	eng, dir := setup(t)
	ctx := t.Context()
	require.NoError(t, migrator.Migrate(ctx, eng, dir))

	report, err := doctor.New(eng, dir).Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.HasErrors())
	assert.Zero(t, report.Warnings)
	assert.Equal(t, doctor.StatusPass, status(t, report, "definitions_sync"))
	assert.Equal(t, doctor.StatusPass, status(t, report, "history_exists"))

	var buf bytes.Buffer
	report.Print(&buf, true)
	assert.Contains(t, buf.String(), "books: 0 rows")
	assert.Contains(t, buf.String(), "Summary:")
}

func TestDoctor_Unmigrated(t *testing.T) {
	eng, dir := setup(t)

	report, err := doctor.New(eng, dir).Run(t.Context())
	require.NoError(t, err)
	assert.True(t, report.HasErrors())
	assert.Equal(t, doctor.StatusFail, status(t, report, "metadata_exists"))
	assert.Equal(t, doctor.StatusWarn, status(t, report, "table_exists"))
	_, ok := report.Check("relations_exist")
	assert.False(t, ok, "table checks need metadata")
}

func TestDoctor_Drift(t *testing.T) {
	eng, dir := setup(t)
	ctx := t.Context()
	require.NoError(t, migrator.Migrate(ctx, eng, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tables.yaml"), []byte(tables+`
      - {name: isbn, type: String}
`), 0o600))
	_, err := eng.DB().ExecContext(ctx, `DROP TABLE "books__history"`)
	require.NoError(t, err)

	report, err := doctor.New(eng, dir).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, doctor.StatusWarn, status(t, report, "definitions_sync"))
	assert.Equal(t, doctor.StatusFail, status(t, report, "history_exists"))
	assert.Equal(t, doctor.StatusPass, status(t, report, "columns_exist"))
}

func TestDoctor_BadDefinitions(t *testing.T) {
	eng, _ := setup(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("tables:\n  - name: a\n    colour: red\n"), 0o600))

	report, err := doctor.New(eng, dir).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, doctor.StatusFail, status(t, report, "definitions_valid"))

	report, err = doctor.New(eng, t.TempDir()).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, doctor.StatusWarn, status(t, report, "definitions_exist"))
}
