package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netcapture/internal/domain"
)

func completed(id string, at time.Time, status int) domain.CapturedRequest {
	r := domain.NewCapturedRequest(id, "POST", "https://api.example.com/"+id, "api.example.com", "/"+id, "https",
		map[string]string{"content-type": "application/json"}, []byte(`{"n":1}`))
	r.Timestamp = at
	r.Complete(domain.NewCapturedResponse(status, map[string]string{"content-type": "application/json"}, []byte(`{"ok":true}`), nil), 15*time.Millisecond)
	return r
}

func TestArchiveSaveAndList(t *testing.T) {
	a, err := NewInMemory()
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, a.Save(ctx, completed("first", base, 200)))
	require.NoError(t, a.Save(ctx, completed("second", base.Add(time.Second), 404)))
	require.NoError(t, a.Save(ctx, completed("third", base.Add(2*time.Second), 500)))

	page, total, err := a.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "third", page[0].ID)
	assert.Equal(t, "second", page[1].ID)

	page, _, err = a.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	got := page[0]
	assert.Equal(t, "first", got.ID)
	assert.True(t, base.Equal(got.Timestamp))
	assert.Equal(t, []byte(`{"n":1}`), got.Body)
	require.NotNil(t, got.Response)
	assert.Equal(t, 200, got.Response.StatusCode)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(15), *got.DurationMs)
}

func TestArchiveSaveReplacesSameID(t *testing.T) {
	a, err := NewInMemory()
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	r := domain.NewCapturedRequest("x", "GET", "http://example.com/", "example.com", "/", "http", map[string]string{}, nil)
	require.NoError(t, a.Save(ctx, r))
	require.NoError(t, a.Save(ctx, completed("x", r.Timestamp, 201)))

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	page, _, err := a.List(ctx, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, page[0].Response)
	assert.Equal(t, 201, page[0].Response.StatusCode)
}

func TestArchivePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "archive.db")
	ctx := context.Background()

	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, completed("kept", time.Now().UTC(), 200)))
	require.NoError(t, a.Close())

	b, err := New(path)
	require.NoError(t, err)
	defer b.Close()
	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArchiveClosed(t *testing.T) {
	a, err := NewInMemory()
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Save(context.Background(), completed("late", time.Now(), 200)), ErrArchiveClosed)
	_, _, err = a.List(context.Background(), 10, 0)
	assert.ErrorIs(t, err, ErrArchiveClosed)
}
