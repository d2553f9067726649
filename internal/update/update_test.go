package update

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want int
	}{
		// Basic comparisons
		{name: "1.0.0 < 1.0.1", a: "1.0.0", b: "1.0.1", want: -1},
		{name: "1.0.1 > 1.0.0", a: "1.0.1", b: "1.0.0", want: 1},
		{name: "1.0.0 == 1.0.0", a: "1.0.0", b: "1.0.0", want: 0},

		// With v prefix
		{name: "v1.0.0 < 1.0.1", a: "v1.0.0", b: "1.0.1", want: -1},
		{name: "v1.0.0 == v1.0.0", a: "v1.0.0", b: "v1.0.0", want: 0},

		// dev version handling
		{name: "dev > 1.0.0", a: "dev", b: "1.0.0", want: 1},
		{name: "1.0.0 < dev", a: "1.0.0", b: "dev", want: -1},

		// Pre-release versions compare by base version
		{name: "1.0.0-beta == 1.0.0", a: "1.0.0-beta", b: "1.0.0", want: 0},

		{name: "0.10.0 > 0.9.0", a: "0.10.0", b: "0.9.0", want: 1},
		{name: "1.2 < 1.2.1", a: "1.2", b: "1.2.1", want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compareVersions(tt.a, tt.b))
		})
	}
}

func TestCheck(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.True(t, strings.HasPrefix(r.UserAgent(), "tabula/"))
		_, _ = w.Write([]byte(`{"tag_name": "v0.3.0", "html_url": "https://example.test/r/v0.3.0"}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Checker{
		URL:      srv.URL,
		CacheDir: t.TempDir(),
		Client:   srv.Client(),
		Current:  "0.2.1",
		Now:      func() time.Time { return now },
	}

	info, err := c.Check(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "0.3.0", info.LatestVersion)
	assert.True(t, info.UpdateAvailable)

	// Answered from the cache
	c.Current = "0.3.0"
	info, err = c.Check(t.Context())
	require.NoError(t, err)
	assert.False(t, info.UpdateAvailable)
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(25 * time.Hour)
	_, err = c.Check(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCheck_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := &Checker{URL: srv.URL, Client: srv.Client(), Current: "0.1.0", Now: time.Now}
	_, err := c.Check(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/cache-home")
	dir, err := cacheDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cache-home/tabula", dir)
}
