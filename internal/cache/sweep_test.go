package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/store"
)

type fakeIndex struct {
	*fakeCatalog
	mu   sync.Mutex
	list []store.Entry
}

func (f *fakeIndex) ListEntries(context.Context) ([]store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Entry(nil), f.list...), nil
}

// place writes data as the cached file for id and backdates it by age.
func place(t *testing.T, layout Layout, id string, data []byte, age time.Duration) {
	t.Helper()
	path := layout.Path(id)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func complete(ids ...string) []store.Entry {
	out := make([]store.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.Entry{ID: id, Status: store.StatusComplete})
	}
	return out
}

func TestSweepSkipsPlayingAndFresh(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	place(t, layout, "goodid", container(t, 2048), time.Hour)
	place(t, layout, "badbad", make([]byte, 2048), time.Hour)
	place(t, layout, "played", make([]byte, 2048), time.Hour)
	place(t, layout, "freshy", make([]byte, 2048), 0)

	idx := &fakeIndex{fakeCatalog: newFakeCatalog(), list: complete("goodid", "badbad", "played", "freshy")}
	sw := NewSweeper(idx, layout, SweepConfig{
		BatchSize: 10,
		Grace:     time.Minute,
		Fix:       true,
		Playing:   func(id string) bool { return id == "played" },
	}, logger.Discard())

	rep, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 1, rep.Broken)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, 1, rep.Fixed)

	assert.Equal(t, []string{"badbad"}, idx.deleted)
	assert.False(t, layout.Exists("badbad"))
	assert.True(t, layout.Exists("played"))
	assert.True(t, layout.Exists("freshy"))
}

func TestSweepMarksCorruptWithoutFix(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	place(t, layout, "badbad", make([]byte, 100), time.Hour)

	idx := &fakeIndex{fakeCatalog: newFakeCatalog(), list: complete("badbad", "gone00")}
	sw := NewSweeper(idx, layout, SweepConfig{BatchSize: 10}, logger.Discard())

	rep, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Broken)
	assert.Zero(t, rep.Fixed)
	assert.Equal(t, store.StatusCorrupt, idx.status("badbad"))
	assert.Equal(t, store.StatusCorrupt, idx.status("gone00"))
	assert.True(t, layout.Exists("badbad"))
	assert.Empty(t, idx.deleted)
}

func TestSweepSkipsUnfinishedEntries(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	idx := &fakeIndex{fakeCatalog: newFakeCatalog(), list: []store.Entry{
		{ID: "pend00", Status: store.StatusPending},
		{ID: "part00", Status: store.StatusPartial},
	}}
	sw := NewSweeper(idx, layout, SweepConfig{BatchSize: 10, Fix: true}, logger.Discard())

	rep, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Skipped)
	assert.Zero(t, rep.Broken)
}

func TestSweepCursorWraps(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	for _, id := range []string{"aaaaaa", "bbbbbb", "cccccc"} {
		place(t, layout, id, container(t, 1024), time.Hour)
	}
	idx := &fakeIndex{fakeCatalog: newFakeCatalog(), list: complete("aaaaaa", "bbbbbb", "cccccc")}
	sw := NewSweeper(idx, layout, SweepConfig{BatchSize: 2}, logger.Discard())

	var spans [][2]int
	for range 3 {
		rep, err := sw.Tick(context.Background())
		require.NoError(t, err)
		spans = append(spans, [2]int{rep.From, rep.To})
	}
	assert.Equal(t, [][2]int{{0, 2}, {2, 3}, {0, 2}}, spans)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	idx := &fakeIndex{fakeCatalog: newFakeCatalog()}
	sw := NewSweeper(idx, Layout{Root: t.TempDir()}, SweepConfig{InitialDelay: time.Millisecond, Interval: time.Millisecond}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
