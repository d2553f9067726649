// Package tabula is a metadata-driven relational data layer. Tables and
// fields are declared as data, and the Engine interprets them at runtime to
// build SQL, enforce row-level security, maintain stored calculated fields
// and record row history.
//
// # Usage
//
//	db, _ := store.Open(ctx, store.DriverPgx, dsn)
//	eng, _ := tabula.New(ctx, db)
//	rows, _ := eng.GetJoinedRows(ctx, "patients", query.Options{
//	    JoinFields: map[string]query.JoinField{
//	        "author": {Ref: "favbook", Target: "author"},
//	    },
//	    Principal: &tabula.Principal{ID: 7, Role: schema.RoleUser},
//	})
//
// # Principals
//
// Every read and write takes a *Principal. A nil principal is a trusted
// internal caller and skips authorization. Roles are integers where lower
// is more privileged; a principal whose role number exceeds a table's
// minimum read or write role is restricted to the rows it owns.
//
// # Writes
//
// Insert, Update and Delete run the same pipeline: authorize, resolve the
// inputs of stored calculated fields, write, append a history version for
// versioned tables, and notify triggers after commit. Every multi-statement
// write runs in one transaction.
package tabula

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pthm/tabula/pkg/expr"
	"github.com/pthm/tabula/pkg/query"
	"github.com/pthm/tabula/pkg/store"
	"github.com/pthm/tabula/schema"
)

// Row is one record keyed by field name.
type Row = store.Row

// Principal is the caller a request acts for.
type Principal = schema.Principal

// DefaultBulkCopyThreshold is the import size from which ImportRows streams
// rows with COPY instead of inserting them one by one.
const DefaultBulkCopyThreshold = 5000

// metadataCheck holds the process-wide state of the missing metadata warning.
var metadataCheck struct {
	once sync.Once
}

// warnMissingMetadata logs once per process that the metadata relations
// are missing. It does not fail: an engine over an empty schema can still
// be used to create the first tables.
func warnMissingMetadata(logger *slog.Logger) {
	metadataCheck.once.Do(func() {
		logger.Warn("metadata relations not found, run 'tabula migrate' to create them")
	})
}

// Engine interprets the schema held in its cache. It is safe for concurrent
// use; structural changes swap the cached schema wholesale.
type Engine struct {
	db       *store.DB
	cache    *schema.Cache
	loader   schema.Loader
	eval     expr.Evaluator
	triggers TriggerRunner
	files    FileStore
	logger   *slog.Logger

	syncTriggers       bool
	ftsLanguage        string
	bulkCopyThreshold  int
	fixedDecision      Decision
	useContextDecision bool
	now                func() time.Time

	pending sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. The default discards everything
// below Warn.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithTriggers sets the runner notified after committed writes. A runner
// that also implements Validator is consulted before each insert and update.
func WithTriggers(r TriggerRunner) Option {
	return func(e *Engine) {
		e.triggers = r
	}
}

// WithSyncTriggers makes writes wait for their triggers before returning.
// By default triggers run in the background.
func WithSyncTriggers() Option {
	return func(e *Engine) {
		e.syncTriggers = true
	}
}

// WithEvaluator replaces the Starlark expression evaluator.
func WithEvaluator(ev expr.Evaluator) Option {
	return func(e *Engine) {
		e.eval = ev
	}
}

// WithFileStore sets where the files of cascading File fields are removed.
func WithFileStore(fs FileStore) Option {
	return func(e *Engine) {
		e.files = fs
	}
}

// WithFTSLanguage sets the Postgres text search configuration.
func WithFTSLanguage(lang string) Option {
	return func(e *Engine) {
		e.ftsLanguage = lang
	}
}

// WithBulkCopyThreshold sets the import size from which rows are streamed
// with COPY. Zero disables the fast path.
func WithBulkCopyThreshold(n int) Option {
	return func(e *Engine) {
		e.bulkCopyThreshold = n
	}
}

// WithLoader replaces the metadata loader. The default reads the metadata
// relations of the engine's database.
func WithLoader(l schema.Loader) Option {
	return func(e *Engine) {
		e.loader = l
	}
}

// WithDecision sets an authorization override for every call.
// Use DecisionAllow for admin tools or testing authorized paths.
// Use DecisionDeny for testing unauthorized paths.
func WithDecision(d Decision) Option {
	return func(e *Engine) {
		e.fixedDecision = d
	}
}

// WithContextDecision enables context-based decision overrides.
//
// Decision precedence when enabled:
//  1. Context decision (via WithDecisionContext)
//  2. Engine decision (via WithDecision)
//  3. Role and ownership checks
func WithContextDecision() Option {
	return func(e *Engine) {
		e.useContextDecision = true
	}
}

// WithClock fixes the time recorded in history versions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine over db and loads the schema. Missing metadata
// relations are logged once and leave the schema empty; any other load
// failure is returned.
func New(ctx context.Context, db *store.DB, opts ...Option) (*Engine, error) {
	e := &Engine{
		db:                db,
		logger:            slog.New(slog.DiscardHandler),
		bulkCopyThreshold: DefaultBulkCopyThreshold,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eval == nil {
		e.eval = expr.New()
	}
	if e.loader == nil {
		e.loader = schema.SQLLoader{DB: db, Dialect: db.Dialect}
	}
	e.cache = schema.NewCache(e.loader, schema.WithCacheLogger(e.logger))

	if err := e.cache.Refresh(ctx); err != nil {
		if !errors.Is(err, schema.ErrMissingMetadata) {
			return nil, err
		}
		warnMissingMetadata(e.logger)
	}
	return e, nil
}

// DB returns the engine's database handle.
func (e *Engine) DB() *store.DB { return e.db }

// Schema returns the current schema snapshot.
func (e *Engine) Schema() *schema.Snapshot { return e.cache.Current() }

// Table returns the named table of the current schema or a
// ConfigurationError.
func (e *Engine) Table(name string) (*schema.Table, error) {
	return e.cache.Current().MustTable(name)
}

// Refresh reloads the schema from the metadata relations and drops compiled
// expressions. Structural operations call it before returning.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := e.cache.Refresh(ctx); err != nil {
		return err
	}
	if r, ok := e.eval.(interface{ Reset() }); ok {
		r.Reset()
	}
	return nil
}

// Migrate creates the metadata relations if needed and reloads the schema.
func (e *Engine) Migrate(ctx context.Context) error {
	if err := store.Exec(ctx, e.db, schema.MetadataDDL(e.db.Dialect)...); err != nil {
		return err
	}
	return e.Refresh(ctx)
}

// Wait blocks until every background trigger has finished.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// builder returns a query builder over snap.
func (e *Engine) builder(snap *schema.Snapshot) query.Builder {
	return query.Builder{
		Dialect:       e.db.Dialect,
		Schema:        snap,
		FreeVariables: e.eval.FreeVariables,
		FTSLanguage:   e.ftsLanguage,
	}
}

func (e *Engine) tableLogger(t *schema.Table, op Operation) *slog.Logger {
	return e.logger.With("table", t.Name, "op", string(op))
}
