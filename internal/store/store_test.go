package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.EnsureEntry(ctx, "dQw4w9WgXcQ", "Never Gonna Give You Up"))
	e, err := s.GetEntry(ctx, "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, "Never Gonna Give You Up", e.Title)
	assert.False(t, e.CreatedAt.IsZero())

	// A second ensure keeps the status and the title.
	require.NoError(t, s.SetStatus(ctx, "dQw4w9WgXcQ", StatusPartial))
	require.NoError(t, s.EnsureEntry(ctx, "dQw4w9WgXcQ", "other"))
	e, err = s.GetEntry(ctx, "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, e.Status)
	assert.Equal(t, "Never Gonna Give You Up", e.Title)

	require.NoError(t, s.PutEntry(ctx, Entry{
		ID: "dQw4w9WgXcQ", Title: "Rick Astley - Never Gonna Give You Up",
		Artist: "Rick Astley", Track: "Never Gonna Give You Up",
		Path: "/cache/dQ/w4/w9/audio.webm", Status: StatusComplete,
	}))
	e, err = s.GetEntry(ctx, "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, e.Status)
	assert.Equal(t, "Rick Astley", e.Artist)

	list, err := s.ListEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAliasesFollowEntryDeletion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.EnsureEntry(ctx, "abc123", "Song"))
	require.NoError(t, s.PutAliases(ctx, "abc123", "song", "artist song", "", "abc123"))

	id, ok, err := s.LookupAlias(ctx, "artist song")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", id)

	keys, err := s.AliasesFor(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123", "artist song", "song"}, keys)

	require.NoError(t, s.DeleteEntry(ctx, "abc123"))
	_, ok, err = s.LookupAlias(ctx, "song")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.GetEntry(ctx, "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAliasRepoint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutAliases(ctx, "one", "shared"))
	require.NoError(t, s.PutAliases(ctx, "two", "shared"))

	id, ok, err := s.LookupAlias(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", id)
}

func TestReopenRunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s1, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}
