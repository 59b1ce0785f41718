package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netcapture/internal/domain"
)

func capture(id, method, url string, status int, ct, body string) domain.CapturedRequest {
	r := domain.NewCapturedRequest(id, method, url, "example.com", "/", "http", map[string]string{}, nil)
	if status > 0 {
		r.Complete(domain.NewCapturedResponse(status, map[string]string{"content-type": ct}, []byte(body), nil), 5*time.Millisecond)
	}
	return r
}

func TestStoreEvictsLeastRecentlyTouched(t *testing.T) {
	ctx := context.Background()
	var evicted []string
	s, err := NewStore(3, func(id string) { evicted = append(evicted, id) })
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(ctx, capture(id, "GET", "http://x/"+id, 200, "text/plain", "")))
	}
	// touching "a" makes "b" the least recently used
	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Add(ctx, capture("d", "GET", "http://x/d", 200, "text/plain", "")))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"b"}, evicted)
	_, ok, _ = s.Get(ctx, "b")
	assert.False(t, ok)
	for _, id := range []string{"a", "c", "d"} {
		_, ok, _ := s.Get(ctx, id)
		assert.True(t, ok, id)
	}
}

func TestStoreCapacityPlusOne(t *testing.T) {
	ctx := context.Background()
	const n = 50
	s, err := NewStore(n, nil)
	require.NoError(t, err)
	for i := 0; i <= n; i++ {
		require.NoError(t, s.Add(ctx, capture(fmt.Sprint(i), "GET", "http://x/", 0, "", "")))
	}
	assert.Equal(t, n, s.Len())
	_, ok, _ := s.Get(ctx, "0")
	assert.False(t, ok, "oldest entry must be evicted")
}

func TestStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s, _ := NewStore(10, nil)
	require.NoError(t, s.Add(ctx, capture("a", "GET", "http://x/", 200, "application/json", `{"k":1}`)))
	got, ok, _ := s.Get(ctx, "a")
	require.True(t, ok)
	got.Response.StatusCode = 500
	got.Headers["x"] = "y"
	again, _, _ := s.Get(ctx, "a")
	assert.Equal(t, 200, again.Response.StatusCode)
	assert.NotContains(t, again.Headers, "x")
}

func TestStoreFilterCombinesPredicates(t *testing.T) {
	ctx := context.Background()
	s, _ := NewStore(100, nil)
	entries := []domain.CapturedRequest{
		capture("1", "GET", "https://api.example.com/users", 200, "application/json", `{"name":"alice"}`),
		capture("2", "POST", "https://api.example.com/users", 201, "application/json", `{"id":7}`),
		capture("3", "GET", "https://cdn.example.com/app.js", 200, "application/javascript", "var x"),
		capture("4", "GET", "https://api.example.com/pending", 0, "", ""),
		capture("5", "GET", "https://api.example.com/missing", 404, "text/html", "<h1>nope</h1>"),
	}
	for _, e := range entries {
		require.NoError(t, s.Add(ctx, e))
	}

	ids := func(rs []domain.CapturedRequest) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	got, err := s.GetFiltered(ctx, domain.FilterCriteria{URLPattern: "API.EXAMPLE", Methods: []string{"get"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "4", "5"}, ids(got))

	got, _ = s.GetFiltered(ctx, domain.FilterCriteria{URLPattern: "api", StatusCodes: []int{200, 201, 404}})
	assert.ElementsMatch(t, []string{"1", "2", "5"}, ids(got), "pending entry must never match a status filter")

	got, _ = s.GetFiltered(ctx, domain.FilterCriteria{ContentType: "json", Methods: []string{"POST"}})
	assert.Equal(t, []string{"2"}, ids(got))

	got, _ = s.GetFiltered(ctx, domain.FilterCriteria{SearchText: "ALICE"})
	assert.Equal(t, []string{"1"}, ids(got))

	got, _ = s.GetFiltered(ctx, domain.FilterCriteria{})
	assert.Len(t, got, 5)
}

func TestStoreClearDoesNotReportEvictions(t *testing.T) {
	ctx := context.Background()
	evictions := 0
	s, _ := NewStore(10, func(string) { evictions++ })
	require.NoError(t, s.Add(ctx, capture("a", "GET", "http://x/", 200, "text/plain", "")))
	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, evictions)
}

func TestNewStoreRejectsZeroCapacity(t *testing.T) {
	_, err := NewStore(0, nil)
	require.ErrorIs(t, err, domain.ErrStore)
}
