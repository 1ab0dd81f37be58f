package download

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/leeineian/cadenza/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gatedSource hands out readers that block until their id is released.
type gatedSource struct {
	mu     sync.Mutex
	gates  map[string]chan struct{}
	opened []string
	opens  map[string]int
}

func newGatedSource() *gatedSource {
	return &gatedSource{gates: make(map[string]chan struct{}), opens: make(map[string]int)}
}

func (g *gatedSource) gate(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[id]
	if !ok {
		ch = make(chan struct{})
		g.gates[id] = ch
	}
	return ch
}

func (g *gatedSource) release(id string) { close(g.gate(id)) }

func (g *gatedSource) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	ch := g.gate(id)
	g.mu.Lock()
	g.opened = append(g.opened, id)
	g.opens[id]++
	g.mu.Unlock()
	select {
	case <-ch:
		return io.NopCloser(strings.NewReader("bytes of " + id)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedSource) order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.opened...)
}

func (g *gatedSource) count(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opens[id]
}

type memSink struct {
	mu      sync.Mutex
	data    map[string]string
	cur     atomic.Int32
	peak    atomic.Int32
	holdFor time.Duration
}

func newMemSink() *memSink { return &memSink{data: make(map[string]string)} }

func (m *memSink) Write(_ context.Context, id, _ string, r io.Reader) error {
	n := m.cur.Add(1)
	defer m.cur.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(m.holdFor)
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[id] = string(b)
	m.mu.Unlock()
	return nil
}

func (m *memSink) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[id]
	return ok
}

func (m *memSink) cached(id string) bool { return m.has(id) }

// results collects OnResult calls.
type results struct {
	mu  sync.Mutex
	got []Result
	ch  chan Result
}

func newResults() *results { return &results{ch: make(chan Result, 64)} }

func (r *results) add(res Result) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.mu.Unlock()
	r.ch <- res
}

func (r *results) next(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no download result")
		return Result{}
	}
}

const (
	alice snowflake.ID = 1
	bob   snowflake.ID = 2
	carol snowflake.ID = 3
)

func TestConcurrentEnqueuesShareOneDownload(t *testing.T) {
	src := newGatedSource()
	sink := newMemSink()
	res := newResults()
	s := New(src, sink, Config{MaxConcurrency: 4, Cached: sink.cached, OnResult: res.add}, logger.Discard())
	defer s.Close()

	var wg sync.WaitGroup
	for _, owner := range []snowflake.ID{alice, bob, carol} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Enqueue(owner, Item{ID: "song", Title: "Song"})
		}()
	}
	wg.Wait()
	assert.True(t, s.InFlight("song"))

	src.release("song")
	r := res.next(t)
	require.NoError(t, r.Err)
	assert.Equal(t, "song", r.ID)
	assert.Equal(t, []snowflake.ID{alice, bob, carol}, r.Owners)
	assert.Equal(t, 1, src.count("song"))
	assert.True(t, sink.has("song"))

	// Cached now, so asking again is a no-op.
	s.Enqueue(alice, Item{ID: "song"})
	assert.False(t, s.InFlight("song"))
	assert.False(t, s.Queued(alice, "song"))
}

func TestSingleSlotRunsSequentially(t *testing.T) {
	src := newGatedSource()
	sink := newMemSink()
	sink.holdFor = 5 * time.Millisecond
	res := newResults()
	s := New(src, sink, Config{MaxConcurrency: 1, Cached: sink.cached, OnResult: res.add}, logger.Discard())
	defer s.Close()

	ids := []string{"one", "two", "three"}
	for _, id := range ids {
		src.release(id)
		s.Enqueue(alice, Item{ID: id})
	}
	for range ids {
		require.NoError(t, res.next(t).Err)
	}
	assert.Equal(t, ids, src.order())
	assert.Equal(t, int32(1), sink.peak.Load())
	assert.Zero(t, s.Active())
}

func TestOwnersTakeTurns(t *testing.T) {
	src := newGatedSource()
	sink := newMemSink()
	res := newResults()
	s := New(src, sink, Config{MaxConcurrency: 1, Cached: sink.cached, OnResult: res.add}, logger.Discard())
	defer s.Close()

	s.Enqueue(alice, Item{ID: "a1"})
	s.Enqueue(alice, Item{ID: "a2"})
	s.Enqueue(bob, Item{ID: "b1"})
	assert.True(t, s.Queued(alice, "a2"))
	assert.True(t, s.Queued(bob, "b1"))

	for _, id := range []string{"a1", "b1", "a2"} {
		src.release(id)
		r := res.next(t)
		require.NoError(t, r.Err)
		assert.Equal(t, id, r.ID)
	}
	assert.Equal(t, []string{"a1", "b1", "a2"}, src.order())
}

func TestCancelOwnerFreesSlot(t *testing.T) {
	src := newGatedSource()
	sink := newMemSink()
	res := newResults()
	s := New(src, sink, Config{MaxConcurrency: 1, Cached: sink.cached, OnResult: res.add}, logger.Discard())
	defer s.Close()

	s.Enqueue(alice, Item{ID: "stuck"})
	s.Enqueue(alice, Item{ID: "later"})
	s.Enqueue(bob, Item{ID: "wanted"})
	require.True(t, s.InFlight("stuck"))

	s.CancelOwner(alice)
	assert.False(t, s.InFlight("stuck"))
	assert.False(t, s.Queued(alice, "later"))

	// The freed slot goes to bob without waiting for the old worker.
	require.Eventually(t, func() bool { return s.InFlight("wanted") }, time.Second, 5*time.Millisecond)

	cancelled := res.next(t)
	assert.Equal(t, "stuck", cancelled.ID)
	assert.True(t, errors.Is(cancelled.Err, context.Canceled))

	src.release("wanted")
	r := res.next(t)
	require.NoError(t, r.Err)
	assert.Equal(t, "wanted", r.ID)
	assert.Zero(t, src.count("later"))
}

func TestCancelOwnerKeepsSharedDownload(t *testing.T) {
	src := newGatedSource()
	sink := newMemSink()
	res := newResults()
	s := New(src, sink, Config{MaxConcurrency: 2, Cached: sink.cached, OnResult: res.add}, logger.Discard())
	defer s.Close()

	s.Enqueue(alice, Item{ID: "shared"})
	s.Enqueue(bob, Item{ID: "shared"})
	s.CancelOwner(alice)
	assert.True(t, s.InFlight("shared"))

	src.release("shared")
	r := res.next(t)
	require.NoError(t, r.Err)
	assert.Equal(t, []snowflake.ID{bob}, r.Owners)
	assert.True(t, sink.has("shared"))
}

func TestCloseCancelsWorkers(t *testing.T) {
	src := newGatedSource()
	sink := newMemSink()
	s := New(src, sink, Config{MaxConcurrency: 2}, logger.Discard())

	s.Enqueue(alice, Item{ID: "x"})
	s.Enqueue(bob, Item{ID: "y"})
	s.Close()

	assert.Zero(t, s.Active())
	s.Enqueue(carol, Item{ID: "z"})
	assert.False(t, s.InFlight("z"))
}
