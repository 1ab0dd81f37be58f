package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/cadenza/internal/cache"
	"github.com/leeineian/cadenza/internal/download"
	"github.com/leeineian/cadenza/internal/failure"
	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/metrics"
	"github.com/leeineian/cadenza/internal/resolver"
	"github.com/leeineian/cadenza/internal/source"
)

const (
	DefaultStrikes        = 3
	DefaultPartialWait    = 800 * time.Millisecond
	MaxPartialWait        = time.Second
	DefaultPartialPoll    = 100 * time.Millisecond
	DefaultConnectWait    = 3 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultReadyTimeout   = 15 * time.Second
	DefaultReadyPoll      = 500 * time.Millisecond
	DefaultRecommendCount = 2

	// ReadyPartSize is how much of a .part must exist before a skip to it
	// is considered safe.
	ReadyPartSize = 64 << 10
)

// Resolver turns a query into an identifier.
type Resolver interface {
	Resolve(ctx context.Context, query string) (resolver.Result, error)
}

// Downloader fills the cache in the background.
type Downloader interface {
	Enqueue(owner snowflake.ID, item download.Item)
	CancelOwner(owner snowflake.ID)
}

// Streamer opens a live byte stream for an identifier or URL.
type Streamer interface {
	Stream(ctx context.Context, target string) (io.ReadCloser, error)
}

// Output is an external playback sink.
type Output interface {
	// Ready is closed once the sink can accept audio.
	Ready() <-chan struct{}
	// Play consumes r until EOF, an error, or ctx is done.
	Play(ctx context.Context, r io.Reader) error
	Close() error
}

// Connector opens the output for a session.
type Connector interface {
	Connect(ctx context.Context, id snowflake.ID) (Output, error)
}

// MetadataProvider is consulted after an item starts. It is never needed
// to begin playback.
type MetadataProvider interface {
	Metadata(ctx context.Context, target string) (source.Info, error)
}

// Recommender proposes follow-up items when the queue runs dry.
type Recommender interface {
	Related(ctx context.Context, id string, limit int) ([]source.Info, error)
}

// Deps are the collaborators of a Coordinator. Metadata and Recommender
// are optional.
type Deps struct {
	Resolver    Resolver
	Downloads   Downloader
	Live        Streamer
	Connector   Connector
	Metadata    MetadataProvider
	Recommender Recommender
	Pins        *cache.Pins
}

// Config holds the timing knobs. Zero values take the defaults.
type Config struct {
	Layout         cache.Layout
	Strikes        int
	PartialWait    time.Duration
	PartialPoll    time.Duration
	TailStall      time.Duration
	ConnectWait    time.Duration
	IdleTimeout    time.Duration
	ReadyTimeout   time.Duration
	ReadyPoll      time.Duration
	RecommendCount int
}

func (c *Config) defaults() {
	if c.Strikes <= 0 {
		c.Strikes = DefaultStrikes
	}
	if c.PartialWait <= 0 {
		c.PartialWait = DefaultPartialWait
	}
	c.PartialWait = min(c.PartialWait, MaxPartialWait)
	if c.PartialPoll <= 0 {
		c.PartialPoll = DefaultPartialPoll
	}
	if c.TailStall <= 0 {
		c.TailStall = cache.DefaultStallTimeout
	}
	if c.ConnectWait <= 0 {
		c.ConnectWait = DefaultConnectWait
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = DefaultReadyPoll
	}
	if c.RecommendCount <= 0 {
		c.RecommendCount = DefaultRecommendCount
	}
}

// Readiness is the answer of EnsureNextReady.
type Readiness string

const (
	NextNone    Readiness = "none"
	NextReady   Readiness = "ready"
	NextTimeout Readiness = "timeout"
)

// Coordinator drives every session's queue.
type Coordinator struct {
	deps     Deps
	cfg      Config
	sessions *SessionStore
	log      *slog.Logger
	wg       sync.WaitGroup
}

func New(sessions *SessionStore, deps Deps, cfg Config, log *slog.Logger) *Coordinator {
	cfg.defaults()
	if sessions == nil {
		sessions = NewSessionStore()
	}
	if deps.Connector == nil {
		deps.Connector = DiscardConnector{}
	}
	if log == nil {
		log = logger.Component("playback")
	}
	return &Coordinator{deps: deps, cfg: cfg, sessions: sessions, log: log}
}

// Session returns the session for id, creating it with hooks and starting
// its loop when it does not exist yet.
func (c *Coordinator) Session(id snowflake.ID, hooks Hooks) *Session {
	s, created := c.sessions.Create(id, hooks)
	if created {
		c.wg.Add(1)
		go c.run(s)
	}
	return s
}

// Enqueue resolves query and appends it to the session's queue.
func (c *Coordinator) Enqueue(ctx context.Context, id snowflake.ID, query string) (Item, error) {
	return c.add(ctx, id, query, false)
}

// PlayNow resolves query and puts it at the front of the queue. The current
// item keeps playing.
func (c *Coordinator) PlayNow(ctx context.Context, id snowflake.ID, query string) (Item, error) {
	return c.add(ctx, id, query, true)
}

func (c *Coordinator) add(ctx context.Context, id snowflake.ID, query string, front bool) (Item, error) {
	res, err := c.deps.Resolver.Resolve(ctx, query)
	if err != nil {
		return Item{}, err
	}
	it := itemFrom(query, res)
	s := c.Session(id, Hooks{})

	s.mu.Lock()
	if front {
		s.queue = append([]*Item{&it}, s.queue...)
	} else {
		s.queue = append(s.queue, &it)
	}
	s.stopIdleLocked()
	s.mu.Unlock()

	if it.URL == "" && !c.cached(it.ID) {
		c.deps.Downloads.Enqueue(id, download.Item{ID: it.ID, Title: it.Title})
	}
	s.notify()
	return it, nil
}

func itemFrom(query string, res resolver.Result) Item {
	it := Item{ID: res.ID, Title: res.Title}
	if m := res.Meta; m != nil {
		it.URL, it.Duration, it.Uploader = m.URL, m.Duration, m.Uploader
	} else if source.IsURL(query) && source.ExtractVideoID(query) == "" {
		it.URL = query
	}
	return it
}

// Skip stops the current item; a looped item is not replayed. It reports
// false when nothing is playing.
func (c *Coordinator) Skip(id snowflake.ID) bool {
	s, ok := c.sessions.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return false
	}
	s.skipReq = true
	stop := s.stopPlay
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	metrics.RecordSkip()
	c.log.Info(fmt.Sprintf(logger.MsgPlaybackManualSkip, id))
	return true
}

// EnsureNextReady makes sure the queue head can start without dead air,
// fetching it if needed and waiting up to timeout (the configured default
// when zero).
func (c *Coordinator) EnsureNextReady(ctx context.Context, id snowflake.ID, timeout time.Duration) Readiness {
	s, ok := c.sessions.Get(id)
	if !ok {
		return NextNone
	}
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return NextNone
	}
	head := *s.queue[0]
	s.mu.Unlock()

	if c.ready(head) {
		return NextReady
	}
	c.deps.Downloads.Enqueue(id, download.Item{ID: head.ID, Title: head.Title})

	if timeout <= 0 {
		timeout = c.cfg.ReadyTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.cfg.ReadyPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return NextTimeout
		case <-deadline.C:
			return NextTimeout
		case <-tick.C:
			if c.ready(head) {
				return NextReady
			}
		}
	}
}

func (c *Coordinator) ready(it Item) bool {
	if it.URL != "" || c.cached(it.ID) {
		return true
	}
	return cache.PartReady(c.cfg.Layout.PartPath(it.ID), ReadyPartSize)
}

func (c *Coordinator) cached(id string) bool {
	return c.cfg.Layout.Exists(id) && cache.IsValid(c.cfg.Layout.Path(id))
}

func (c *Coordinator) SetLoop(id snowflake.ID, on bool) bool {
	return c.with(id, func(s *Session) { s.loop = on })
}

func (c *Coordinator) SetAutoRecommend(id snowflake.ID, on bool) bool {
	return c.with(id, func(s *Session) { s.auto = on })
}

func (c *Coordinator) with(id snowflake.ID, fn func(*Session)) bool {
	s, ok := c.sessions.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
	return true
}

func (c *Coordinator) Snapshot(id snowflake.ID) (Snapshot, bool) {
	s, ok := c.sessions.Get(id)
	if !ok {
		return Snapshot{State: StateIdle}, false
	}
	return s.Snapshot(), true
}

// Playing reports whether any session is playing id right now.
func (c *Coordinator) Playing(id string) bool {
	found := false
	c.sessions.Each(func(s *Session) {
		s.mu.Lock()
		if s.current != nil && s.current.ID == id {
			found = true
		}
		s.mu.Unlock()
	})
	return found
}

// Reset tears the session down on request.
func (c *Coordinator) Reset(id snowflake.ID) bool {
	return c.destroyID(id, "reset")
}

// Dropped tears the session down after its host channel went away.
func (c *Coordinator) Dropped(id snowflake.ID) bool {
	return c.destroyID(id, "dropped")
}

func (c *Coordinator) destroyID(id snowflake.ID, reason string) bool {
	s, ok := c.sessions.Get(id)
	if !ok {
		return false
	}
	return c.destroy(s, reason)
}

func (c *Coordinator) destroy(s *Session, reason string) bool {
	if !c.sessions.remove(s) {
		return false
	}
	s.cancel()

	s.mu.Lock()
	s.stopIdleLocked()
	out := s.out
	s.out = nil
	s.queue = nil
	s.mu.Unlock()

	c.deps.Downloads.CancelOwner(s.ID)
	if out != nil {
		_ = out.Close()
	}
	c.log.Info(fmt.Sprintf(logger.MsgPlaybackDisconnect, s.ID, reason))
	if h := s.hooks.Disconnected; h != nil {
		h(s.ID, reason)
	}
	return true
}

// Shutdown destroys every session and waits for their loops to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.sessions.Each(func(s *Session) { c.destroy(s, "shutdown") })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// expire fires from the idle timer and destroys the session if it is still
// idle under the same timer.
func (c *Coordinator) expire(s *Session, gen uint64) {
	s.mu.Lock()
	stillIdle := s.idle != nil && s.idleGen == gen && s.current == nil && len(s.queue) == 0
	s.mu.Unlock()
	if stillIdle {
		c.destroy(s, "idle timeout")
	}
}

// output connects the session's sink on first use and waits briefly for it.
func (c *Coordinator) output(ctx context.Context, s *Session) (Output, error) {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out != nil {
		return out, nil
	}

	out, err := c.deps.Connector.Connect(ctx, s.ID)
	if err != nil {
		return nil, failure.Wrap(failure.ErrTransfer, err, "connect output for %s", s.ID)
	}
	wait := time.NewTimer(c.cfg.ConnectWait)
	defer wait.Stop()
	select {
	case <-out.Ready():
	case <-wait.C:
		c.log.Warn(fmt.Sprintf(logger.MsgPlaybackConnectSlow, s.ID, c.cfg.ConnectWait))
	case <-ctx.Done():
		_ = out.Close()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = out.Close()
		return nil, s.ctx.Err()
	}
	s.out = out
	return out, nil
}

// DiscardConnector hands out outputs that drain and drop the audio.
type DiscardConnector struct{}

func (DiscardConnector) Connect(context.Context, snowflake.ID) (Output, error) {
	return discardOutput{}, nil
}

var readyNow = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type discardOutput struct{}

func (discardOutput) Ready() <-chan struct{} { return readyNow }
func (discardOutput) Close() error           { return nil }

func (discardOutput) Play(ctx context.Context, r io.Reader) error {
	_, err := io.Copy(io.Discard, &ctxReader{ctx: ctx, r: r})
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
