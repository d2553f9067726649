package expr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tabula/schema"
)

func TestEvaluate(t *testing.T) {
	ev := New()

	tests := []struct {
		name string
		src  string
		row  map[string]any
		user *schema.Principal
		want any
	}{
		{name: "sum", src: "x + y", row: map[string]any{"x": int64(5), "y": int64(8)}, want: int64(13)},
		{name: "float", src: "x * 2.5", row: map[string]any{"x": 2}, want: float64(5)},
		{name: "string", src: `first + " " + last`, row: map[string]any{"first": "Leo", "last": "Tolstoy"}, want: "Leo Tolstoy"},
		{name: "missing field is None", src: "x == None", row: map[string]any{}, want: true},
		{name: "owner match", src: "user.id == author_id", row: map[string]any{"author_id": int64(3)}, user: &schema.Principal{ID: int64(3), Role: schema.RoleUser}, want: true},
		{name: "owner mismatch", src: "user.id == author_id", row: map[string]any{"author_id": int64(4)}, user: &schema.Principal{ID: int64(3), Role: schema.RoleUser}, want: false},
		{name: "no user", src: "user == None", row: nil, want: true},
		{name: "role", src: "user.role_id <= 40", user: &schema.Principal{ID: 1, Role: schema.RoleStaff}, want: true},
		{name: "nested attr", src: "favbook.author", row: map[string]any{"favbook": map[string]any{"id": int64(2), "author": "Leo Tolstoy"}}, want: "Leo Tolstoy"},
		{name: "nested index", src: `data["k"]`, row: map[string]any{"data": map[string]any{"k": "v"}}, want: "v"},
		{name: "nested missing attr", src: "data.nope == None", row: map[string]any{"data": map[string]any{}}, want: true},
		{name: "list", src: "[t.upper() for t in tags]", row: map[string]any{"tags": []any{"a", "b"}}, want: []any{"A", "B"}},
		{name: "conditional", src: `"big" if pages > 500 else "small"`, row: map[string]any{"pages": int64(856)}, want: "big"},
		{name: "math module", src: "math.floor(x)", row: map[string]any{"x": 2.7}, want: int64(2)},
		{name: "dict result", src: `{"a": x}`, row: map[string]any{"x": "b"}, want: map[string]any{"a": "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Evaluate(tt.src, tt.row, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Time(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := New(WithNow(func() time.Time { return fixed }))

	got, err := ev.Evaluate("time.now() > due", map[string]any{"due": fixed.Add(-time.Hour)}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = ev.Evaluate("due", map[string]any{"due": fixed}, nil)
	require.NoError(t, err)
	assert.Equal(t, fixed, got)
}

func TestEvaluate_Errors(t *testing.T) {
	ev := New(WithMaxSteps(1000))

	_, err := ev.Evaluate("x +", nil, nil)
	require.ErrorIs(t, err, ErrSyntax)

	_, err = ev.Evaluate("x = 1", nil, nil)
	require.ErrorIs(t, err, ErrSyntax)

	_, err = ev.Evaluate(`x + "a"`, map[string]any{"x": 1}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSyntax)

	_, err = ev.Evaluate("[i for i in range(100000)]", nil, nil)
	require.Error(t, err)
}

func TestFreeVariables(t *testing.T) {
	ev := New()

	tests := []struct {
		src  string
		want []string
	}{
		{src: "x + y", want: []string{"x", "y"}},
		{src: "user.id == author_id", want: []string{"author_id"}},
		{src: "favbook.author", want: []string{"favbook.author"}},
		{src: "favbook.publisher.name.upper()", want: []string{"favbook.publisher.name"}},
		{src: "name.upper()", want: []string{"name"}},
		{src: "[t for t in tags if t != skip]", want: []string{"skip", "tags"}},
		{src: "len(items) > 0", want: []string{"items"}},
		{src: "(lambda a: a + b)(c)", want: []string{"b", "c"}},
		{src: "json.encode(data)", want: []string{"data"}},
		{src: `sorted(xs, key=lambda v: v)`, want: []string{"xs"}},
		{src: "str(n).upper()", want: []string{"n"}},
		{src: "1 + 2", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := ev.FreeVariables(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProgramCache(t *testing.T) {
	ev := New(WithCacheTTL(time.Millisecond))

	_, err := ev.FreeVariables("x + 1")
	require.NoError(t, err)
	assert.Equal(t, 1, ev.cache.Size())

	time.Sleep(5 * time.Millisecond)
	_, ok := ev.cache.Get("x + 1")
	assert.False(t, ok, "entry should expire")

	_, err = ev.FreeVariables("y + 1")
	require.NoError(t, err)
	ev.Reset()
	assert.Equal(t, 0, ev.cache.Size())
}

func TestEvaluate_Concurrent(t *testing.T) {
	ev := New()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := ev.Evaluate("x * 2", map[string]any{"x": int64(i)}, nil)
			assert.NoError(t, err)
			assert.Equal(t, int64(i*2), got)
		}(i)
	}
	wg.Wait()
}

func TestTruthy(t *testing.T) {
	assert.True(t, Truthy(true))
	assert.True(t, Truthy(int64(1)))
	assert.True(t, Truthy("x"))
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(int64(0)))
	assert.False(t, Truthy([]any{}))
}
