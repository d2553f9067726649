package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// FieldRef is a field together with the table that owns it.
type FieldRef struct {
	Table *Table
	Field *Field
}

// Snapshot is an immutable view of every table definition. Callers must not
// mutate the tables reachable from a snapshot; build a new one instead.
type Snapshot struct {
	version uint64
	byName  map[string]*Table
	byID    map[int]*Table
	inbound map[string][]FieldRef
	ordered []*Table
}

// NewSnapshot indexes tables. The slice and the tables it points to become
// owned by the snapshot.
func NewSnapshot(tables []*Table) *Snapshot {
	s := &Snapshot{
		byName:  make(map[string]*Table, len(tables)),
		byID:    make(map[int]*Table, len(tables)),
		inbound: make(map[string][]FieldRef),
	}
	for _, t := range tables {
		s.byName[t.Name] = t
		if t.ID != 0 {
			s.byID[t.ID] = t
		}
		s.ordered = append(s.ordered, t)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].Name < s.ordered[j].Name })
	for _, t := range s.ordered {
		for _, f := range t.Fields {
			if f.IsForeignKey() && f.RefTable != "" {
				s.inbound[f.RefTable] = append(s.inbound[f.RefTable], FieldRef{Table: t, Field: f})
			}
		}
	}
	return s
}

// Version increases by one with every snapshot a Cache installs.
func (s *Snapshot) Version() uint64 { return s.version }

// Table returns the table with the given name.
func (s *Snapshot) Table(name string) (*Table, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// MustTable returns the named table or a ConfigurationError.
func (s *Snapshot) MustTable(name string) (*Table, error) {
	t, ok := s.byName[name]
	if !ok {
		return nil, Configf(name, "", "%v", ErrTableNotFound)
	}
	return t, nil
}

// TableByID returns the table with the given id.
func (s *Snapshot) TableByID(id int) (*Table, bool) {
	t, ok := s.byID[id]
	return t, ok
}

// Tables returns every table sorted by name.
func (s *Snapshot) Tables() []*Table {
	return append([]*Table(nil), s.ordered...)
}

// ReferencingFields returns the Key fields, in any table, that point at the
// named table. Order is by owning table name, then field declaration order.
func (s *Snapshot) ReferencingFields(table string) []FieldRef {
	return s.inbound[table]
}

// Validate checks every table and returns the first failure.
func (s *Snapshot) Validate() error {
	for _, t := range s.ordered {
		if err := t.Validate(s.Table); err != nil {
			return err
		}
	}
	return nil
}

// Loader reads table definitions from a metadata source.
type Loader interface {
	LoadTables(ctx context.Context) ([]*Table, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) ([]*Table, error)

// LoadTables implements Loader.
func (f LoaderFunc) LoadTables(ctx context.Context) ([]*Table, error) { return f(ctx) }

// StaticLoader returns a Loader that always yields the given tables.
func StaticLoader(tables ...*Table) Loader {
	return LoaderFunc(func(context.Context) ([]*Table, error) { return tables, nil })
}

// Cache holds the current Snapshot. Readers call Current and never block;
// Refresh and Replace serialize against each other and swap the whole
// snapshot in one atomic store.
type Cache struct {
	cur    atomic.Pointer[Snapshot]
	mu     sync.Mutex
	loader Loader
	logger *slog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger used for refresh diagnostics.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates a cache backed by loader. The cache starts with an empty
// snapshot until the first Refresh.
func NewCache(loader Loader, opts ...CacheOption) *Cache {
	c := &Cache{loader: loader, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(c)
	}
	c.cur.Store(NewSnapshot(nil))
	return c
}

// Current returns the installed snapshot.
func (c *Cache) Current() *Snapshot {
	return c.cur.Load()
}

// Refresh reloads every table from the loader and installs the result.
// On error the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tables, err := c.loader.LoadTables(ctx)
	if err != nil {
		return fmt.Errorf("loading table metadata: %w", err)
	}
	next := NewSnapshot(tables)
	c.install(next)
	c.logger.Debug("schema cache refreshed", "tables", len(tables), "version", next.version)
	return nil
}

// Replace installs s without consulting the loader.
func (c *Cache) Replace(s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.install(s)
}

func (c *Cache) install(next *Snapshot) {
	next.version = c.cur.Load().version + 1
	c.cur.Store(next)
}
