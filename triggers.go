package tabula

import (
	"context"
	"log/slog"

	"github.com/pthm/tabula/schema"
)

// Operation is the kind of a read or write.
type Operation string

// Operations passed to triggers and recorded in log lines.
const (
	OpRead   Operation = "Read"
	OpInsert Operation = "Insert"
	OpUpdate Operation = "Update"
	OpDelete Operation = "Delete"
)

// TriggerRunner runs the triggers registered for a table after a committed
// write. Failures are logged, never surfaced to the writer.
type TriggerRunner interface {
	Run(ctx context.Context, table string, op Operation, row Row) error
}

// TriggerFunc adapts a function to TriggerRunner.
type TriggerFunc func(ctx context.Context, table string, op Operation, row Row) error

// Run implements TriggerRunner.
func (f TriggerFunc) Run(ctx context.Context, table string, op Operation, row Row) error {
	return f(ctx, table, op, row)
}

// TriggerRegistry is implemented by runners that know which triggers exist.
// Deletes only load rows ahead of time when a delete trigger is registered.
// Runners without it are assumed to have triggers for every table.
type TriggerRegistry interface {
	Registered(table string, op Operation) bool
}

// Validation is a validator's verdict on a row about to be written.
type Validation struct {
	// Error refuses the write with this message.
	Error string
	// SetFields are merged into the row before it is written.
	SetFields Row
}

// Validator is implemented by trigger runners that vet rows before insert
// and update.
type Validator interface {
	Validate(ctx context.Context, table string, op Operation, row Row, p *schema.Principal) (Validation, error)
}

// FileStore removes the files referenced by cascading File fields.
type FileStore interface {
	Remove(ctx context.Context, path string) error
}

// event is one trigger notification queued until commit.
type event struct {
	table string
	op    Operation
	row   Row
}

func (e *Engine) hasTriggers(table string, op Operation) bool {
	if e.triggers == nil {
		return false
	}
	if reg, ok := e.triggers.(TriggerRegistry); ok {
		return reg.Registered(table, op)
	}
	return true
}

// notify runs the triggers for events, inline with WithSyncTriggers and in
// the background otherwise. Background runs outlive ctx's cancellation.
func (e *Engine) notify(ctx context.Context, events []event) {
	if e.triggers == nil || len(events) == 0 {
		return
	}
	if e.syncTriggers {
		e.runTriggers(ctx, events)
		return
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		e.runTriggers(context.WithoutCancel(ctx), events)
	}()
}

func (e *Engine) runTriggers(ctx context.Context, events []event) {
	for _, ev := range events {
		if err := e.triggers.Run(ctx, ev.table, ev.op, ev.row); err != nil {
			e.logger.Warn("trigger failed",
				slog.String("table", ev.table), slog.String("op", string(ev.op)), slog.Any("error", err))
		}
	}
}

// validate consults a Validator runner, merging its field updates into row.
func (e *Engine) validate(ctx context.Context, t *schema.Table, op Operation, row Row, p *schema.Principal) error {
	v, ok := e.triggers.(Validator)
	if !ok {
		return nil
	}
	res, err := v.Validate(ctx, t.Name, op, row, p)
	if err != nil {
		return err
	}
	if res.Error != "" {
		return &fieldError{msg: res.Error}
	}
	for k, val := range res.SetFields {
		f, ok := t.Field(k)
		if !ok || !f.IsColumn() {
			continue
		}
		row[k] = val
	}
	return nil
}
