package tabula

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pthm/tabula/schema"
)

// ImportResult summarizes an ImportRows call.
type ImportResult struct {
	Inserted int
	Rejected int
	// Errors holds one entry per rejected row.
	Errors []ImportError
}

// ImportError is the reason one row of an import was rejected.
type ImportError struct {
	Row     int // zero-based index into the imported rows
	Message string
}

// ImportRows inserts rows into table in one transaction. A row refused for
// its own content (a constraint, an invalid value, a validator or the
// principal's ownership) is rejected and reported while the rest are
// imported. Columns the table does not have and primary keys repeated
// within rows abort the whole import, as does any store failure.
//
// Batches of at least the bulk copy threshold on tables with no history,
// stored expressions, formula constraints or validator are streamed with
// COPY and are all-or-nothing.
func (e *Engine) ImportRows(ctx context.Context, table string, rows []Row, p *schema.Principal) (ImportResult, error) {
	m, err := e.begin(ctx, table, OpInsert, p)
	if err != nil {
		return ImportResult{}, err
	}
	if err := m.checkBatch(rows); err != nil {
		return ImportResult{}, err
	}
	if m.copyable(len(rows)) {
		return m.copyRows(ctx, rows)
	}

	var res ImportResult
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		for i, row := range rows {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT tabula_import_row"); err != nil {
				return err
			}
			if _, err := m.insert(ctx, tx, row); err != nil {
				msg, ok := userMessage(m.describe(err))
				if !ok {
					return fmt.Errorf("import %s row %d: %w", m.t.Name, i, err)
				}
				if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT tabula_import_row"); err != nil {
					return err
				}
				res.Rejected++
				res.Errors = append(res.Errors, ImportError{Row: i, Message: msg})
				continue
			}
			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT tabula_import_row"); err != nil {
				return err
			}
			res.Inserted++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	m.log.Info("imported rows", slog.Int("inserted", res.Inserted), slog.Int("rejected", res.Rejected))
	e.notify(ctx, m.events)
	return res, nil
}

// checkBatch finds the structural errors that abort an import.
func (m *mutation) checkBatch(rows []Row) error {
	pk := m.t.PKName()
	seen := map[string]int{}
	for i, row := range rows {
		for k := range row {
			if _, ok := m.t.Field(k); !ok {
				return schema.Configf(m.t.Name, k, "import row %d: %v", i, schema.ErrFieldNotFound)
			}
		}
		id, ok := row[pk]
		if !ok || id == nil || id == "" {
			continue
		}
		key := fmt.Sprint(id)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s %s %v in rows %d and %d", ErrInvalidImport, m.t.Name, pk, id, prev, i)
		}
		seen[key] = i
	}
	return nil
}

// copyable reports whether n rows may skip the per-row pipeline.
func (m *mutation) copyable(n int) bool {
	threshold := m.e.bulkCopyThreshold
	if threshold <= 0 || n < threshold {
		return false
	}
	if m.restricted() || m.t.Versioned || len(m.t.StoredExpressionFields()) > 0 {
		return false
	}
	if _, ok := m.e.triggers.(Validator); ok {
		return false
	}
	for _, c := range m.t.Constraints {
		if c.Type == schema.ConstraintFormula {
			return false
		}
	}
	if m.p != nil {
		for _, f := range m.t.Fields {
			if f.Attributes.MinRoleWrite > 0 && m.p.Role > f.Attributes.MinRoleWrite {
				return false
			}
		}
	}
	return true
}

func (m *mutation) copyRows(ctx context.Context, rows []Row) (ImportResult, error) {
	colSet := map[string]bool{}
	encoded := make([]Row, len(rows))
	for i, row := range rows {
		in, err := readInput(m.t, row)
		if err != nil {
			if msg, ok := userMessage(err); ok {
				return ImportResult{}, fmt.Errorf("%w: row %d: %s", ErrInvalidImport, i, msg)
			}
			return ImportResult{}, err
		}
		enc, err := storable(m.t, in)
		if err != nil {
			return ImportResult{}, err
		}
		for k := range enc {
			colSet[k] = true
		}
		encoded[i] = enc
	}
	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	values := make([][]any, len(encoded))
	for i, row := range encoded {
		vals := make([]any, len(cols))
		for j, c := range cols {
			vals[j] = row[c]
		}
		values[i] = vals
	}
	n, err := m.e.db.CopyFrom(ctx, m.t.Name, cols, values)
	if err != nil {
		return ImportResult{}, m.describe(err)
	}
	m.log.Info("copied rows", slog.Int64("inserted", n))
	return ImportResult{Inserted: int(n)}, nil
}
