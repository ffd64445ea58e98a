package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBoltStore(dir, "http://api.example.com/")
	require.NoError(t, err)

	_, ok, err := s.GetItem(ctx, "auth")
	require.NoError(t, err)
	assert.False(t, ok, "missing entity must report absence")

	value := map[string]any{
		"data":          map[string]any{"token": "abc"},
		"loadingStatus": map[string]any{"isLoading": false, "isLoaded": true, "error": nil},
	}
	require.NoError(t, s.SetItem(ctx, "auth", value))
	require.NoError(t, s.Close())

	// Reopen with the same URL in a different form to hit the same database.
	s, err = NewBoltStore(dir, "HTTP://API.EXAMPLE.COM")
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.GetItem(ctx, "auth")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value, got)
}

func TestEmptyValueIsPresent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SetItem(ctx, "blank", map[string]any{}))

	got, ok, err := s.GetItem(ctx, "blank")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestServersAreIsolated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := NewBoltStore(dir, "https://a.example.com")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewBoltStore(dir, "https://b.example.com")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SetItem(ctx, "auth", map[string]any{"token": "a"}))

	_, ok, err := b.GetItem(ctx, "auth")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeysFindDeleteClear(t *testing.T) {
	ctx := context.Background()
	s, err := NewBoltStore(t.TempDir(), "")
	require.NoError(t, err)
	defer s.Close()

	for _, name := range []string{"auth", "profile", "profileSettings", "feed"} {
		require.NoError(t, s.SetItem(ctx, name, map[string]any{"name": name}))
	}

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "feed", "profile", "profileSettings"}, keys)

	found, err := s.Find("prof")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"profile", "profileSettings"}, found)

	require.NoError(t, s.Delete("feed"))
	_, ok, err := s.GetItem(ctx, "feed")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Clear())
	keys, err = s.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()

	assert.ErrorIs(t, s.SetItem(ctx, "auth", map[string]any{}), context.Canceled)
	_, _, err := s.GetItem(ctx, "auth")
	assert.ErrorIs(t, err, context.Canceled)
}
