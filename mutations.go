package tabula

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pthm/tabula/internal/sqlgen"
	"github.com/pthm/tabula/pkg/query"
	"github.com/pthm/tabula/pkg/store"
	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
)

// Result is the outcome of a Try* write: the id written, or a message
// fit to show the user.
type Result struct {
	ID    any
	Error string
}

// OK reports whether the write succeeded.
func (r Result) OK() bool { return r.Error == "" }

// mutation carries one write, or one import, through the pipeline:
// Authorize, ResolveDependencies, Write, Version, then Notify after commit.
type mutation struct {
	e    *Engine
	snap *schema.Snapshot
	t    *schema.Table
	op   Operation
	// p is the principal checks run against; nil when trusted or when a
	// decision allows everything. actor is the caller as given.
	p     *schema.Principal
	actor *schema.Principal
	log   *slog.Logger

	resolved   bool
	joinFields map[string]query.JoinField
	selfRef    bool

	events []event
}

func (e *Engine) begin(ctx context.Context, table string, op Operation, p *schema.Principal) (*mutation, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return nil, err
	}
	eff, denied := e.principalFor(ctx, p)
	m := &mutation{e: e, snap: snap, t: t, op: op, p: eff, actor: p, log: e.tableLogger(t, op)}
	if denied {
		return nil, m.deny("decision")
	}
	return m, nil
}

func (m *mutation) deny(reason string) error {
	attrs := []any{slog.String("reason", reason)}
	if m.p != nil {
		attrs = append(attrs, slog.Int("role", m.p.Role), slog.Any("user", m.p.ID))
	}
	m.log.Debug("not authorized", attrs...)
	return fmt.Errorf("%s %s: %w", strings.ToLower(string(m.op)), m.t.Name, ErrNotAuthorized)
}

func (m *mutation) actorID() any {
	if m.actor == nil {
		return nil
	}
	return m.actor.ID
}

// restricted reports whether the principal needs ownership of the rows it
// writes. Updates are also restricted by the read role, since they read
// the existing row.
func (m *mutation) restricted() bool {
	if m.p == nil {
		return false
	}
	if m.op == OpUpdate {
		return m.p.Role > m.t.MinRoleWrite || m.p.Role > m.t.MinRoleRead
	}
	return m.p.Role > m.t.MinRoleWrite
}

func (m *mutation) ownerField() (*schema.Field, error) {
	f := m.t.OwnershipField()
	if f == nil {
		return nil, schema.Configf(m.t.Name, "", "owner field %d not found", m.t.OwnershipFieldID)
	}
	return f, nil
}

// checkFieldRoles refuses writes to fields whose own write role the
// principal lacks.
func (m *mutation) checkFieldRoles(row Row) error {
	if m.p == nil {
		return nil
	}
	for k := range row {
		f, ok := m.t.Field(k)
		if ok && f.Attributes.MinRoleWrite > 0 && m.p.Role > f.Attributes.MinRoleWrite {
			return m.deny("field " + k)
		}
	}
	return nil
}

// checkConstraints evaluates the table's formula constraints against row.
func (m *mutation) checkConstraints(row Row) error {
	for _, c := range m.t.Constraints {
		if c.Type != schema.ConstraintFormula {
			continue
		}
		if !m.e.holds(m.log, c.Formula, row, nil) {
			msg := c.ErrorMsg
			if msg == "" {
				msg = "Constraint violated: " + c.Formula
			}
			return &fieldError{msg: msg}
		}
	}
	return nil
}

// resolveDependencies collects the join fields needed by stored
// expressions and the ownership formula. It runs once per mutation.
func (m *mutation) resolveDependencies() error {
	if m.resolved {
		return nil
	}
	m.joinFields = map[string]query.JoinField{}
	add := func(field, src string) error {
		vars, err := m.e.eval.FreeVariables(src)
		if err != nil {
			return schema.Configf(m.t.Name, field, "expression: %v", err)
		}
		query.AddFreeVariables(m.t, vars, m.joinFields)
		for _, v := range vars {
			if v == m.t.PKName() {
				m.selfRef = true
			}
		}
		return nil
	}
	for _, f := range m.t.StoredExpressionFields() {
		if err := add(f.Name, f.Expression); err != nil {
			return err
		}
	}
	if m.t.OwnershipFormula != "" {
		if err := add("", m.t.OwnershipFormula); err != nil {
			return err
		}
	}
	m.resolved = true
	return nil
}

// joinedRow reads row id with the dependency join fields nested in place,
// the environment expressions are evaluated in.
func (m *mutation) joinedRow(ctx context.Context, db store.Execer, id any) (Row, error) {
	rows, err := m.e.read(ctx, db, m.snap, m.t, query.Options{
		Where:      where.Eq{Field: m.t.PKName(), Value: id},
		JoinFields: m.joinFields,
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// storedRow reads the stored columns of row id.
func (m *mutation) storedRow(ctx context.Context, db store.Execer, id any) (Row, error) {
	rows, err := m.e.read(ctx, db, m.snap, m.t, query.Options{Where: where.Eq{Field: m.t.PKName(), Value: id}})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// computeStored evaluates the stored calculated fields over env. A failing
// expression stores NULL.
func (m *mutation) computeStored(env Row) Row {
	out := Row{}
	for _, f := range m.t.StoredExpressionFields() {
		v, err := m.e.eval.Evaluate(f.Expression, env, m.actor)
		if err != nil {
			m.log.Warn("stored expression failed", slog.String("field", f.Name), slog.Any("error", err))
			v = nil
		}
		out[f.Name] = readOr(f, v)
		env[f.Name] = out[f.Name]
	}
	return out
}

func (m *mutation) write(ctx context.Context, tx store.Execer, row Row, id any) error {
	enc, err := storable(m.t, row)
	if err != nil {
		return err
	}
	n, err := store.Update(ctx, tx, m.e.db.Dialect, m.t.Name, enc, m.t.PKName(), id)
	if err != nil {
		return err
	}
	if n == 0 && len(row) > 0 {
		return fmt.Errorf("%s %v: %w", m.t.Name, id, ErrRowNotFound)
	}
	return nil
}

// version records row as the next history version of a versioned table.
func (m *mutation) version(ctx context.Context, tx store.Execer, row Row, restoreOf any) error {
	if !m.t.Versioned {
		return nil
	}
	_, err := store.InsertHistory(ctx, tx, m.e.db.Dialect, m.t, row, store.HistoryEntry{
		UserID:    m.actorID(),
		RestoreOf: restoreOf,
		Time:      m.e.now().UTC(),
	})
	return err
}

// Insert writes a new row and returns its primary key. A principal who may
// not write gets ErrNotAuthorized and nothing is written.
func (e *Engine) Insert(ctx context.Context, table string, values Row, p *schema.Principal) (any, error) {
	m, err := e.begin(ctx, table, OpInsert, p)
	if err != nil {
		return nil, err
	}
	var id any
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = m.insert(ctx, tx, values)
		return err
	})
	if err != nil {
		return nil, m.describe(err)
	}
	e.notify(ctx, m.events)
	return id, nil
}

func (m *mutation) insert(ctx context.Context, tx store.Execer, values Row) (any, error) {
	t := m.t
	row, err := readInput(t, values)
	if err != nil {
		return nil, err
	}

	// Authorize
	formulaCheck := false
	if m.restricted() {
		switch {
		case m.p.IsPublic():
			return nil, m.deny("public")
		case t.OwnershipFieldID != 0:
			owner, err := m.ownerField()
			if err != nil {
				return nil, err
			}
			if !sameID(row[owner.Name], m.p.ID) {
				return nil, m.deny("owner field")
			}
		case t.OwnershipFormula != "":
			formulaCheck = true
		default:
			return nil, m.deny("no ownership")
		}
	}
	if err := m.checkConstraints(row); err != nil {
		return nil, err
	}
	if err := m.checkFieldRoles(row); err != nil {
		return nil, err
	}
	if err := m.e.validate(ctx, t, OpInsert, row, m.actor); err != nil {
		return nil, err
	}

	// ResolveDependencies
	if err := m.resolveDependencies(); err != nil {
		return nil, err
	}
	stored := t.StoredExpressionFields()
	twoPhase := len(stored) > 0 && (len(m.joinFields) > 0 || m.selfRef)
	if len(stored) > 0 && !twoPhase {
		for k, v := range m.computeStored(copyRow(row)) {
			row[k] = v
		}
	}

	// Write
	enc, err := storable(t, row)
	if err != nil {
		return nil, err
	}
	id, err := store.Insert(ctx, tx, m.e.db.Dialect, t.Name, enc, t.PKName())
	if err != nil {
		return nil, err
	}
	if twoPhase {
		env, err := m.joinedRow(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if env == nil {
			return nil, fmt.Errorf("%s %v: inserted row not retrieved: %w", t.Name, id, ErrRowNotFound)
		}
		if err := m.write(ctx, tx, m.computeStored(env), id); err != nil {
			return nil, err
		}
	}
	if formulaCheck {
		env, err := m.joinedRow(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if env == nil || !m.e.holds(m.log, t.OwnershipFormula, env, m.p) {
			return nil, m.deny("ownership formula")
		}
	}

	// Version
	final, err := m.storedRow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := m.version(ctx, tx, final, nil); err != nil {
		return nil, err
	}
	m.events = append(m.events, event{table: t.Name, op: OpInsert, row: final})
	return id, nil
}

// Update changes the row of table with primary key id. Fields not in
// values keep their value.
func (e *Engine) Update(ctx context.Context, table string, values Row, id any, p *schema.Principal) error {
	return e.update(ctx, table, values, id, p, nil)
}

func (e *Engine) update(ctx context.Context, table string, values Row, id any, p *schema.Principal, restoreOf any) error {
	m, err := e.begin(ctx, table, OpUpdate, p)
	if err != nil {
		return err
	}
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		return m.update(ctx, tx, values, id, restoreOf)
	})
	if err != nil {
		return m.describe(err)
	}
	e.notify(ctx, m.events)
	return nil
}

func (m *mutation) update(ctx context.Context, tx store.Execer, values Row, id any, restoreOf any) error {
	t := m.t
	if id == nil {
		return fmt.Errorf("update %s: %w", t.Name, ErrMissingPrimaryKeyValue)
	}
	row, err := readInput(t, values)
	if err != nil {
		return err
	}
	delete(row, t.PKName())
	if err := m.resolveDependencies(); err != nil {
		return err
	}

	var existing Row
	load := func() (Row, error) {
		if existing != nil {
			return existing, nil
		}
		r, err := m.joinedRow(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, fmt.Errorf("%s %v: %w", t.Name, id, ErrRowNotFound)
		}
		existing = r
		return r, nil
	}

	// Authorize
	formulaCheck := false
	if m.restricted() {
		switch {
		case m.p.IsPublic():
			return m.deny("public")
		case t.OwnershipFieldID != 0:
			owner, err := m.ownerField()
			if err != nil {
				return err
			}
			if v, ok := row[owner.Name]; ok && v != nil && !sameID(v, m.p.ID) {
				return m.deny("owner field in updates")
			}
			// Expressions rooted at the owner key nest it in the joined
			// row, so the stored column is compared instead.
			cur, err := m.storedRow(ctx, tx, id)
			if err != nil {
				return err
			}
			if cur == nil {
				return fmt.Errorf("%s %v: %w", t.Name, id, ErrRowNotFound)
			}
			if !sameID(cur[owner.Name], m.p.ID) {
				return m.deny("owner field in existing row")
			}
		case t.OwnershipFormula != "":
			cur, err := load()
			if err != nil {
				return err
			}
			if !m.e.holds(m.log, t.OwnershipFormula, cur, m.p) {
				return m.deny("ownership formula")
			}
			formulaCheck = true
		default:
			return m.deny("no ownership")
		}
	}

	hasFormulas := false
	for _, c := range t.Constraints {
		hasFormulas = hasFormulas || c.Type == schema.ConstraintFormula
	}
	if hasFormulas {
		cur, err := load()
		if err != nil {
			return err
		}
		if err := m.checkConstraints(merge(cur, row)); err != nil {
			return err
		}
	}
	if err := m.checkFieldRoles(row); err != nil {
		return err
	}
	if _, ok := m.e.triggers.(Validator); ok {
		cur, err := load()
		if err != nil {
			return err
		}
		candidate := merge(cur, row)
		if err := m.e.validate(ctx, t, OpUpdate, candidate, m.actor); err != nil {
			return err
		}
		for k, v := range candidate {
			if _, isCol := t.Field(k); isCol && !sameValue(v, cur[k]) {
				row[k] = v
			}
		}
	}

	// ResolveDependencies and Write
	if len(t.StoredExpressionFields()) > 0 {
		refs := map[string]bool{}
		for _, jf := range m.joinFields {
			refs[jf.Ref] = true
		}
		writeFirst := false
		for k := range row {
			writeFirst = writeFirst || refs[k]
		}
		var env Row
		if writeFirst {
			if err := m.write(ctx, tx, row, id); err != nil {
				return err
			}
			if env, err = m.joinedRow(ctx, tx, id); err != nil {
				return err
			}
		} else {
			cur, err := load()
			if err != nil {
				return err
			}
			env = merge(cur, row)
		}
		for k, v := range m.computeStored(env) {
			row[k] = v
		}
	}
	if err := m.write(ctx, tx, row, id); err != nil {
		return err
	}
	if formulaCheck {
		after, err := m.joinedRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if after == nil || !m.e.holds(m.log, t.OwnershipFormula, after, m.p) {
			return m.deny("ownership formula after update")
		}
	}

	// Version
	final, err := m.storedRow(ctx, tx, id)
	if err != nil {
		return err
	}
	if final == nil {
		return fmt.Errorf("%s %v: %w", t.Name, id, ErrRowNotFound)
	}
	if err := m.version(ctx, tx, final, restoreOf); err != nil {
		return err
	}
	m.events = append(m.events, event{table: t.Name, op: OpUpdate, row: final})
	return nil
}

// Delete removes the rows of table matching pred that p may write and
// returns how many were removed.
func (e *Engine) Delete(ctx context.Context, table string, pred where.Pred, p *schema.Principal) (int64, error) {
	m, err := e.begin(ctx, table, OpDelete, p)
	if err != nil {
		return 0, err
	}
	t := m.t

	formulaCheck := false
	if m.restricted() {
		switch {
		case m.p.IsPublic():
			return 0, m.deny("public")
		case t.OwnershipFieldID != 0:
			owner, err := m.ownerField()
			if err != nil {
				return 0, err
			}
			pred = where.All(pred, where.Eq{Field: owner.Name, Value: m.p.ID})
		case t.OwnershipFormula != "":
			formulaCheck = true
		case t.Name == schema.UsersTable:
			pred = where.All(pred, where.Eq{Field: t.PKName(), Value: m.p.ID})
		default:
			return 0, m.deny("no ownership")
		}
	}
	files := t.CascadingFileFields()
	preload := formulaCheck || len(files) > 0 || e.hasTriggers(t.Name, OpDelete)

	var (
		n    int64
		rows []Row
	)
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if !preload {
			var err error
			n, err = m.deleteWhere(ctx, tx, pred)
			return err
		}
		var err error
		if rows, err = e.read(ctx, tx, m.snap, t, query.Options{Where: pred}); err != nil {
			return err
		}
		if formulaCheck {
			if rows, err = m.ownedRows(ctx, tx, pred, rows); err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]any, len(rows))
		for i, r := range rows {
			ids[i] = r[t.PKName()]
		}
		n, err = m.deleteWhere(ctx, tx, where.In{Field: t.PKName(), Values: ids})
		return err
	})
	if err != nil {
		return 0, m.describe(err)
	}

	for _, f := range files {
		for _, r := range rows {
			path, _ := r[f.Name].(string)
			if path == "" {
				continue
			}
			if e.files == nil {
				m.log.Debug("no file store, keeping file", slog.String("path", path))
				continue
			}
			if err := e.files.Remove(ctx, path); err != nil {
				m.log.Warn("removing file failed", slog.String("path", path), slog.Any("error", err))
			}
		}
	}
	if e.hasTriggers(t.Name, OpDelete) {
		for _, r := range rows {
			m.events = append(m.events, event{table: t.Name, op: OpDelete, row: r})
		}
		e.notify(ctx, m.events)
	}
	return n, nil
}

func (m *mutation) deleteWhere(ctx context.Context, tx store.Execer, pred where.Pred) (int64, error) {
	wc := sqlgen.NewWhereCompiler(m.e.db.Dialect)
	wc.FTSLanguage = m.e.ftsLanguage
	w, err := wc.Compile(pred, "")
	if err != nil {
		return 0, err
	}
	return store.Delete(ctx, tx, m.t.Name, w, wc.Args.Values)
}

// ownedRows keeps the rows whose joined form satisfies the ownership
// formula.
func (m *mutation) ownedRows(ctx context.Context, tx store.Execer, pred where.Pred, rows []Row) ([]Row, error) {
	if err := m.resolveDependencies(); err != nil {
		return nil, err
	}
	envs, err := m.e.read(ctx, tx, m.snap, m.t, query.Options{Where: pred, JoinFields: m.joinFields})
	if err != nil {
		return nil, err
	}
	owned := map[string]bool{}
	for _, env := range envs {
		if m.e.holds(m.log, m.t.OwnershipFormula, env, m.p) {
			owned[fmt.Sprint(env[m.t.PKName()])] = true
		}
	}
	out := rows[:0]
	for _, r := range rows {
		if owned[fmt.Sprint(r[m.t.PKName()])] {
			out = append(out, r)
		}
	}
	return out, nil
}

// ToggleBool flips a Bool field of row id.
func (e *Engine) ToggleBool(ctx context.Context, table string, id any, field string, p *schema.Principal) error {
	t, err := e.Table(table)
	if err != nil {
		return err
	}
	f, ok := t.Field(field)
	if !ok || f.Type != schema.TypeBool {
		return schema.Configf(t.Name, field, "not a Bool field")
	}
	if id == nil {
		return fmt.Errorf("toggle %s.%s: %w", t.Name, field, ErrMissingPrimaryKeyValue)
	}
	row, err := e.GetRow(ctx, table, where.Eq{Field: t.PKName(), Value: id}, nil)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("%s %v: %w", t.Name, id, ErrRowNotFound)
	}
	cur, _ := row[field].(bool)
	return e.Update(ctx, table, Row{field: !cur}, id, p)
}

// TryInsert is Insert with refusals reported in the Result: authorization
// failures, constraint violations, invalid values and validator errors.
// Other errors, such as transient store failures, are returned.
func (e *Engine) TryInsert(ctx context.Context, table string, values Row, p *schema.Principal) (Result, error) {
	id, err := e.Insert(ctx, table, values, p)
	if err == nil {
		return Result{ID: id}, nil
	}
	if msg, ok := userMessage(err); ok {
		return Result{Error: msg}, nil
	}
	return Result{}, err
}

// TryUpdate is Update with refusals reported in the Result.
func (e *Engine) TryUpdate(ctx context.Context, table string, values Row, id any, p *schema.Principal) (Result, error) {
	err := e.Update(ctx, table, values, id, p)
	if err == nil {
		return Result{ID: id}, nil
	}
	if msg, ok := userMessage(err); ok {
		return Result{Error: msg}, nil
	}
	return Result{}, err
}

// userMessage returns the message of an error meant for the user.
func userMessage(err error) (string, bool) {
	var cv *store.ConstraintViolation
	var fe *fieldError
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return "Not authorized", true
	case errors.As(err, &cv):
		return cv.Error(), true
	case errors.As(err, &fe):
		return fe.msg, true
	}
	return "", false
}

// describe rewrites a constraint violation into a message naming the
// field, or the unique constraint's own message.
func (m *mutation) describe(err error) error {
	var cv *store.ConstraintViolation
	if !errors.As(err, &cv) || cv.Message != "" {
		return err
	}
	t := m.t
	switch cv.SQLState {
	case store.StateUniqueViolation:
		for _, c := range t.Constraints {
			if c.Type != schema.ConstraintUnique {
				continue
			}
			if cv.Constraint == c.Name(t.Name) || sameFields(cv.Columns, c.Fields) {
				cv.Message = c.ErrorMsg
				if cv.Message == "" {
					cv.Message = "Duplicate value for unique fields: " + labels(t, c.Fields)
				}
				return err
			}
		}
		if f, ok := t.Field(cv.Field); ok {
			cv.Message = f.Attributes.UniqueErrorMsg
			if cv.Message == "" {
				cv.Message = "Duplicate value for unique field: " + f.DisplayLabel()
			}
		}
	case store.StateNotNullViolation:
		if f, ok := t.Field(cv.Field); ok {
			cv.Message = "Missing value for required field: " + f.DisplayLabel()
		}
	case store.StateForeignKeyViolation:
		if f, ok := t.Field(cv.Field); ok {
			cv.Message = "Invalid reference in field: " + f.DisplayLabel()
		}
	}
	return err
}

func sameFields(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

func labels(t *schema.Table, names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n
		if f, ok := t.Field(n); ok {
			out[i] = f.DisplayLabel()
		}
	}
	return strings.Join(out, ", ")
}

func merge(base, over Row) Row {
	out := copyRow(base)
	for k, v := range over {
		out[k] = v
	}
	return out
}

func sameValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
