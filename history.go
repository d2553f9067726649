package tabula

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pthm/tabula/pkg/store"
	"github.com/pthm/tabula/schema"
)

// MinCompressInterval is the smallest window CompressHistory accepts.
const MinCompressInterval = 200 * time.Millisecond

// HistoryVersion is one recorded version of a row.
type HistoryVersion struct {
	Version   int64
	Time      time.Time
	UserID    any
	RestoreOf *int64
	Row       Row
}

func (e *Engine) versionedTable(table string) (*schema.Table, error) {
	t, err := e.Table(table)
	if err != nil {
		return nil, err
	}
	if !t.Versioned {
		return nil, schema.Configf(t.Name, "", "table is not versioned")
	}
	return t, nil
}

// GetHistory returns every version of row id, oldest first.
func (e *Engine) GetHistory(ctx context.Context, table string, id any) ([]HistoryVersion, error) {
	t, err := e.versionedTable(table)
	if err != nil {
		return nil, err
	}
	rows, err := store.History(ctx, e.db, e.db.Dialect, t, id)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryVersion, 0, len(rows))
	for _, r := range rows {
		out = append(out, historyVersion(t, r))
	}
	return out, nil
}

func historyVersion(t *schema.Table, r Row) HistoryVersion {
	v := HistoryVersion{
		Version: toInt64(r[schema.HistoryVersionColumn]),
		UserID:  r[schema.HistoryUserColumn],
		Row:     Row{},
	}
	if ts, err := schema.ReadDate(r[schema.HistoryTimeColumn]); err == nil && ts != nil {
		v.Time, _ = ts.(time.Time)
	}
	if ro := r[schema.HistoryRestoreOfColumn]; ro != nil {
		n := toInt64(ro)
		v.RestoreOf = &n
	}
	for _, f := range t.StoredColumns() {
		v.Row[f.Name] = readOr(f, r[f.Name])
	}
	return v
}

func toInt64(v any) int64 {
	switch n := numeric(v).(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// RestoreRowVersion writes version of row id back as the current row. The
// restore is itself recorded as a new version pointing at the one restored.
func (e *Engine) RestoreRowVersion(ctx context.Context, table string, id any, version int64, p *schema.Principal) error {
	t, err := e.versionedTable(table)
	if err != nil {
		return err
	}
	versions, err := e.GetHistory(ctx, t.Name, id)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.Version != version {
			continue
		}
		values := Row{}
		for _, f := range t.StoredColumns() {
			if !f.Calculated && !f.PrimaryKey {
				values[f.Name] = v.Row[f.Name]
			}
		}
		return e.update(ctx, t.Name, values, id, p, version)
	}
	return fmt.Errorf("%s %v version %d: %w", t.Name, id, version, ErrRowNotFound)
}

// UndoRowChanges restores the version before the current one. Undoing a
// restore steps back from the version that was restored. It reports false
// when there is nothing to undo.
func (e *Engine) UndoRowChanges(ctx context.Context, table string, id any, p *schema.Principal) (bool, error) {
	versions, err := e.GetHistory(ctx, table, id)
	if err != nil || len(versions) == 0 {
		return false, err
	}
	current := versions[len(versions)-1]
	below := current.Version
	if current.RestoreOf != nil {
		below = *current.RestoreOf
	}
	var target *HistoryVersion
	for i := range versions {
		if versions[i].Version < below {
			target = &versions[i]
		}
	}
	if target == nil {
		return false, nil
	}
	return true, e.RestoreRowVersion(ctx, table, id, target.Version, p)
}

// RedoRowChanges reverses an undo by restoring the version after the one
// the current version restored. It reports false when the current version
// is not a restore or nothing follows it.
func (e *Engine) RedoRowChanges(ctx context.Context, table string, id any, p *schema.Principal) (bool, error) {
	versions, err := e.GetHistory(ctx, table, id)
	if err != nil || len(versions) == 0 {
		return false, err
	}
	current := versions[len(versions)-1]
	if current.RestoreOf == nil {
		return false, nil
	}
	for _, v := range versions {
		if v.Version > *current.RestoreOf {
			return true, e.RestoreRowVersion(ctx, table, id, v.Version, p)
		}
	}
	return false, nil
}

// CompressHistory removes every version that a later version of the same
// row superseded within interval, keeping the last of each burst of edits.
// It returns the number of versions removed.
func (e *Engine) CompressHistory(ctx context.Context, table string, interval time.Duration) (int, error) {
	t, err := e.versionedTable(table)
	if err != nil {
		return 0, err
	}
	if interval < MinCompressInterval {
		interval = MinCompressInterval
	}
	removed := 0
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := store.AllHistory(ctx, tx, t)
		if err != nil {
			return err
		}
		pk := t.PKName()
		for i, r := range rows {
			cur := historyVersion(t, r)
			for _, later := range rows[i+1:] {
				if fmt.Sprint(later[pk]) != fmt.Sprint(r[pk]) {
					break
				}
				next := historyVersion(t, later)
				if next.Version > cur.Version && next.Time.After(cur.Time) && next.Time.Sub(cur.Time) <= interval {
					if err := store.DeleteHistoryVersion(ctx, tx, e.db.Dialect, t, r[pk], cur.Version); err != nil {
						return err
					}
					removed++
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("compressed history", slog.String("table", t.Name), slog.Int("removed", removed), slog.Duration("interval", interval))
	return removed, nil
}
