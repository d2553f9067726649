// Package expr evaluates calculated-field expressions, ownership formulas
// and table constraint formulas.
//
// Expressions are single Starlark expressions evaluated in a sandbox. The
// row's fields are predeclared as globals, the acting principal is
// available as user (with id and role_id attributes, or None for internal
// callers), and the json, math and time modules are available. Nested maps
// in the row, such as renamed join fields, are exposed as records that
// support both attribute and index access:
//
//	x + y
//	user.id == author_id
//	favbook.author.upper()
//	len(tags) > 0 and published
package expr

import (
	"errors"
	"fmt"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/pthm/tabula/schema"
)

// Evaluator is what the engine needs from an expression language.
type Evaluator interface {
	// Evaluate computes src against row on behalf of user. A nil user is a
	// trusted internal caller.
	Evaluate(src string, row map[string]any, user *schema.Principal) (any, error)
	// FreeVariables returns the row references in src in sorted order.
	// Attribute chains rooted at a row field are returned dotted, so
	// favbook.author yields "favbook.author".
	FreeVariables(src string) ([]string, error)
}

// ErrSyntax is returned when an expression cannot be parsed.
var ErrSyntax = errors.New("expr: syntax error")

// DefaultMaxSteps bounds the work one evaluation may do.
const DefaultMaxSteps = 1_000_000

const resultName = "__value__"

// Option configures a Starlark evaluator.
type Option func(*Starlark)

// WithCacheTTL expires compiled programs after ttl. Zero keeps them for the
// lifetime of the evaluator.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Starlark) {
		s.cacheTTL = ttl
	}
}

// WithMaxSteps bounds the number of execution steps per evaluation.
func WithMaxSteps(n uint64) Option {
	return func(s *Starlark) {
		s.maxSteps = n
	}
}

// WithNow fixes the clock seen by time.now(). Tests use it for
// deterministic date expressions.
func WithNow(now func() time.Time) Option {
	return func(s *Starlark) {
		s.now = now
	}
}

// Starlark is the default Evaluator. It is safe for concurrent use.
type Starlark struct {
	cache    *programCache
	cacheTTL time.Duration
	maxSteps uint64
	now      func() time.Time
}

var _ Evaluator = (*Starlark)(nil)

// New returns a Starlark evaluator.
func New(opts ...Option) *Starlark {
	s := &Starlark{maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = newProgramCache(s.cacheTTL)
	return s
}

// modules are the predeclared library modules. Row fields with the same
// names shadow them.
var modules = starlark.StringDict{
	"json": json.Module,
	"math": math.Module,
	"time": starlarktime.Module,
}

// isPredeclared reports every name that is not a Starlark builtin. Row
// fields are only known at evaluation time; unknown names evaluate to None.
func isPredeclared(name string) bool {
	return !starlark.Universe.Has(name)
}

// compile returns the cached program for src, compiling it on a miss.
func (s *Starlark) compile(src string) (*compiled, error) {
	if c, ok := s.cache.Get(src); ok {
		return c, nil
	}
	opts := syntax.LegacyFileOptions()
	e, err := opts.ParseExpr("expr", src, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	free := freeNames(e)

	_, prog, err := starlark.SourceProgramOptions(opts, "expr", resultName+" = (\n"+src+"\n)", isPredeclared)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	c := &compiled{prog: prog, paths: free.paths, roots: free.roots}
	s.cache.Set(src, c)
	return c, nil
}

// Evaluate implements Evaluator.
func (s *Starlark) Evaluate(src string, row map[string]any, user *schema.Principal) (any, error) {
	c, err := s.compile(src)
	if err != nil {
		return nil, err
	}

	env := make(starlark.StringDict, len(row)+len(modules)+1)
	for k, v := range modules {
		env[k] = v
	}
	for k, v := range row {
		env[k] = toStarlark(v)
	}
	env["user"] = principalValue(user)
	for _, name := range c.roots {
		if _, ok := env[name]; !ok {
			env[name] = starlark.None
		}
	}

	thread := &starlark.Thread{Name: "tabula-expr"}
	if s.maxSteps > 0 {
		thread.SetMaxExecutionSteps(s.maxSteps)
	}
	if s.now != nil {
		now := s.now
		starlarktime.SetNow(thread, func() (time.Time, error) { return now(), nil })
	}

	globals, err := c.prog.Init(thread, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", src, err)
	}
	return fromStarlark(globals[resultName]), nil
}

// FreeVariables implements Evaluator.
func (s *Starlark) FreeVariables(src string) ([]string, error) {
	c, err := s.compile(src)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(c.paths))
	copy(out, c.paths)
	return out, nil
}

// Reset drops every compiled program.
func (s *Starlark) Reset() {
	s.cache.Clear()
}

func principalValue(p *schema.Principal) starlark.Value {
	if p == nil {
		return starlark.None
	}
	return starlarkstruct.FromStringDict(starlark.String("user"), starlark.StringDict{
		"id":      toStarlark(p.ID),
		"role_id": starlark.MakeInt(p.Role),
	})
}

// Truthy reports whether an evaluated value counts as true, following
// Starlark truth rules for the converted Go value.
func Truthy(v any) bool {
	return bool(toStarlark(v).Truth())
}
