package cache

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/leeineian/cadenza/internal/failure"
	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// container returns n bytes that start with an EBML signature.
func container(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	copy(b, Signatures[1])
	return b
}

type fakeCatalog struct {
	mu       sync.Mutex
	statuses map[string]store.Status
	entries  map[string]store.Entry
	aliases  map[string]string
	deleted  []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		statuses: make(map[string]store.Status),
		entries:  make(map[string]store.Entry),
		aliases:  make(map[string]string),
	}
}

func (c *fakeCatalog) SetStatus(_ context.Context, id string, st store.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = st
	return nil
}

func (c *fakeCatalog) PutEntry(_ context.Context, e store.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.ID] = e
	c.statuses[e.ID] = e.Status
	return nil
}

func (c *fakeCatalog) PutAliases(_ context.Context, id string, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.aliases[k] = id
	}
	return nil
}

func (c *fakeCatalog) DeleteEntry(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
	delete(c.entries, id)
	return nil
}

func (c *fakeCatalog) status(id string) store.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[id]
}

// failingReader yields data and then err.
type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestLayoutPath(t *testing.T) {
	l := Layout{Root: "/cache"}
	assert.Equal(t, filepath.Join("/cache", "dQ", "w4", "w9", FileName), l.Path("dQw4w9WgXcQ"))
	assert.Equal(t, filepath.Join("/cache", "ab", "__", "__", FileName), l.Path("ab"))
	assert.Equal(t, filepath.Join("/cache", "__", "__", "__", FileName), l.Path("../../x"))
	assert.Equal(t, l.Path("abcdef")+PartSuffix, l.PartPath("abcdef"))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.webm")
	require.NoError(t, os.WriteFile(good, container(t, 4096), 0644))
	assert.NoError(t, Validate(good))
	assert.True(t, IsValid(good))

	short := filepath.Join(dir, "short.webm")
	require.NoError(t, os.WriteFile(short, container(t, 4096)[:MinFileSize-1], 0644))
	assert.ErrorIs(t, Validate(short), failure.ErrIntegrity)

	shifted := make([]byte, 2048)
	copy(shifted[100:], "OggS")
	ogg := filepath.Join(dir, "shifted.ogg")
	require.NoError(t, os.WriteFile(ogg, shifted, 0644))
	assert.NoError(t, Validate(ogg))

	noise := make([]byte, 8192)
	copy(noise[5000:], "OggS")
	late := filepath.Join(dir, "late.ogg")
	require.NoError(t, os.WriteFile(late, noise, 0644))
	assert.ErrorIs(t, Validate(late), failure.ErrIntegrity)

	assert.ErrorIs(t, Validate(filepath.Join(dir, "missing")), failure.ErrIntegrity)
}

func TestWriterPromotesAndRegisters(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	cat := newFakeCatalog()
	w := NewWriter(layout, cat, nil, logger.Discard())

	data := container(t, 8192)
	require.NoError(t, w.Write(context.Background(), "abcdefgh", "Artist - Track", bytes.NewReader(data)))

	got, err := os.ReadFile(layout.Path("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(-1), layout.PartSize("abcdefgh"))

	assert.Equal(t, store.StatusComplete, cat.status("abcdefgh"))
	e := cat.entries["abcdefgh"]
	assert.Equal(t, "Artist", e.Artist)
	assert.Equal(t, "Track", e.Track)
	for _, key := range []string{"artist track", "track artist", "abcdefgh"} {
		assert.Equal(t, "abcdefgh", cat.aliases[key], key)
	}
}

func TestWriterShortCircuitsOnExistingFile(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	path := layout.Path("abcdef")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, container(t, 1024), 0644))

	w := NewWriter(layout, newFakeCatalog(), nil, logger.Discard())
	r := &failingReader{err: errors.New("must not be read")}
	assert.NoError(t, w.Write(context.Background(), "abcdef", "t", r))
}

func TestWriterRejectsInvalidStream(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	cat := newFakeCatalog()
	w := NewWriter(layout, cat, nil, logger.Discard())

	err := w.Write(context.Background(), "abcdef", "t", bytes.NewReader(make([]byte, 2048)))
	assert.ErrorIs(t, err, failure.ErrIntegrity)
	assert.False(t, layout.Exists("abcdef"))
	assert.Equal(t, int64(-1), layout.PartSize("abcdef"))
	assert.Equal(t, store.StatusCorrupt, cat.status("abcdef"))
}

func TestWriterAbortDefersWhilePinned(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	pins := NewPins()
	w := NewWriter(layout, newFakeCatalog(), pins, logger.Discard())

	part := layout.PartPath("abcdef")
	pin := pins.Pin(part)

	r := &failingReader{data: container(t, 1024), err: errors.New("connection reset")}
	err := w.Write(context.Background(), "abcdef", "t", r)
	assert.ErrorIs(t, err, failure.ErrTransfer)

	assert.True(t, pin.Aborted())
	_, statErr := os.Stat(part)
	assert.NoError(t, statErr, "pinned part must survive the abort")

	pin.Release()
	_, statErr = os.Stat(part)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriterCancelRemovesPart(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	w := NewWriter(layout, newFakeCatalog(), nil, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Write(ctx, "abcdef", "t", bytes.NewReader(container(t, 2048)))
	assert.ErrorIs(t, err, failure.ErrTransfer)
	assert.Equal(t, int64(-1), layout.PartSize("abcdef"))
}

func TestRemoveDeletesFileShardsAndEntry(t *testing.T) {
	root := t.TempDir()
	layout := Layout{Root: root}
	cat := newFakeCatalog()
	w := NewWriter(layout, cat, nil, logger.Discard())
	require.NoError(t, w.Write(context.Background(), "abcdef", "t", bytes.NewReader(container(t, 1024))))

	require.NoError(t, Remove(context.Background(), cat, layout, "abcdef"))
	assert.False(t, layout.Exists("abcdef"))
	_, err := os.Stat(filepath.Join(root, "ab"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{"abcdef"}, cat.deleted)

	_, err = os.Stat(root)
	assert.NoError(t, err, "root itself stays")
}
