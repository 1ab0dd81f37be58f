// Package download runs cache fills with bounded concurrency, fairly
// across the sessions that asked for them.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/leeineian/cadenza/internal/failure"
	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/metrics"
)

// DefaultConcurrency bounds parallel downloads when none is configured.
const DefaultConcurrency = 4

// Source opens the byte stream for an identifier.
type Source interface {
	Open(ctx context.Context, id string) (io.ReadCloser, error)
}

// Sink persists a stream, returning once the entry is promoted or failed.
type Sink interface {
	Write(ctx context.Context, id, title string, r io.Reader) error
}

// Item is one requested download.
type Item struct {
	ID    string
	Title string
}

// Result reports one finished attempt.
type Result struct {
	Attempt uuid.UUID
	ID      string
	Owners  []snowflake.ID
	Elapsed time.Duration
	Err     error
}

// Config tunes a Scheduler.
type Config struct {
	MaxConcurrency int
	// Cached reports whether id already has a valid final file.
	Cached func(id string) bool
	// OnResult is called once per attempt, after its slot is released.
	OnResult func(Result)
}

// Task is an in-flight download. At most one exists per identifier.
type Task struct {
	ID      string
	Title   string
	Attempt uuid.UUID

	lead      snowflake.ID
	owners    map[snowflake.ID]struct{}
	cancel    context.CancelFunc
	cancelled bool
	release   sync.Once
}

type Scheduler struct {
	src    Source
	sink   Sink
	cached func(string) bool
	result func(Result)
	log    *slog.Logger

	sem   *semaphore.Weighted
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	mu    sync.Mutex
	slots int

	pending  map[snowflake.ID][]Item
	order    []snowflake.ID
	next     int
	inflight map[string]*Task
	active   map[snowflake.ID]*Task
	closed   bool
}

func New(src Source, sink Sink, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConcurrency
	}
	if cfg.Cached == nil {
		cfg.Cached = func(string) bool { return false }
	}
	if log == nil {
		log = logger.Component("download")
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		src:      src,
		sink:     sink,
		cached:   cfg.Cached,
		result:   cfg.OnResult,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		ctx:      ctx,
		stop:     stop,
		pending:  make(map[snowflake.ID][]Item),
		inflight: make(map[string]*Task),
		active:   make(map[snowflake.ID]*Task),
	}
}

// Enqueue asks for item on behalf of owner. Cached items and items the
// owner already queued are ignored; an item in flight for someone else is
// shared instead of fetched twice.
func (s *Scheduler) Enqueue(owner snowflake.ID, item Item) {
	if item.ID == "" || s.cached(item.ID) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if t, ok := s.inflight[item.ID]; ok && !t.cancelled {
		t.owners[owner] = struct{}{}
		s.mu.Unlock()
		return
	}
	if slices.ContainsFunc(s.pending[owner], func(it Item) bool { return it.ID == item.ID }) {
		s.mu.Unlock()
		return
	}
	if !slices.Contains(s.order, owner) {
		s.order = append(s.order, owner)
	}
	s.pending[owner] = append(s.pending[owner], item)
	s.mu.Unlock()

	s.pump()
}

// pump starts workers while slots are free and some owner has work.
func (s *Scheduler) pump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed {
		if !s.sem.TryAcquire(1) {
			return
		}
		owner, item, ok := s.pickLocked()
		if !ok {
			s.sem.Release(1)
			return
		}
		s.startLocked(owner, item)
	}
}

// pickLocked walks owners round-robin from the cursor and returns the first
// idle owner's first fetchable item. Heads that are cached or in flight
// elsewhere are dropped on the way.
func (s *Scheduler) pickLocked() (snowflake.ID, Item, bool) {
	s.compactLocked()
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		owner := s.order[idx]
		if s.active[owner] != nil {
			continue
		}
		list := s.pending[owner]
		for len(list) > 0 {
			head := list[0]
			if t, ok := s.inflight[head.ID]; ok {
				if t.cancelled {
					// Wait for the cancelled worker to exit before refetching.
					break
				}
				t.owners[owner] = struct{}{}
				list = list[1:]
				continue
			}
			if s.cached(head.ID) {
				list = list[1:]
				continue
			}
			s.pending[owner] = list[1:]
			s.next = idx + 1
			return owner, head, true
		}
		s.pending[owner] = list
	}
	return 0, Item{}, false
}

// compactLocked forgets owners with nothing queued and nothing running.
func (s *Scheduler) compactLocked() {
	kept := s.order[:0]
	for i, owner := range s.order {
		if len(s.pending[owner]) == 0 && s.active[owner] == nil {
			delete(s.pending, owner)
			if i < s.next {
				s.next--
			}
			continue
		}
		kept = append(kept, owner)
	}
	s.order = kept
	if s.next < 0 || s.next >= len(s.order) {
		s.next = 0
	}
}

func (s *Scheduler) startLocked(owner snowflake.ID, item Item) {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &Task{
		ID:      item.ID,
		Title:   item.Title,
		Attempt: uuid.New(),
		lead:    owner,
		owners:  map[snowflake.ID]struct{}{owner: {}},
		cancel:  cancel,
	}
	s.inflight[item.ID] = t
	s.active[owner] = t
	s.slots++
	metrics.SetDownloadsActive(s.slots)

	s.wg.Add(1)
	go s.run(ctx, t)
}

func (s *Scheduler) run(ctx context.Context, t *Task) {
	defer s.wg.Done()
	s.log.Info(fmt.Sprintf(logger.MsgDownloadStarted, t.ID, t.lead, t.Attempt))

	start := time.Now()
	err := s.fetch(ctx, t)
	elapsed := time.Since(start)
	t.cancel()

	s.mu.Lock()
	if s.inflight[t.ID] == t {
		delete(s.inflight, t.ID)
	}
	if s.active[t.lead] == t {
		delete(s.active, t.lead)
	}
	owners := make([]snowflake.ID, 0, len(t.owners))
	for o := range t.owners {
		owners = append(owners, o)
	}
	s.mu.Unlock()
	slices.Sort(owners)

	s.releaseSlot(t)

	switch {
	case err == nil:
		metrics.RecordDownload("ok")
		s.log.Info(fmt.Sprintf(logger.MsgDownloadFinished, t.ID, elapsed.Round(time.Millisecond)))
	case ctx.Err() != nil:
		metrics.RecordDownload("cancelled")
		s.log.Debug(fmt.Sprintf(logger.MsgDownloadFailed, t.ID, err))
	default:
		metrics.RecordDownload(failure.Kind(err))
		s.log.Warn(fmt.Sprintf(logger.MsgDownloadFailed, t.ID, err))
	}
	if s.result != nil {
		s.result(Result{Attempt: t.Attempt, ID: t.ID, Owners: owners, Elapsed: elapsed, Err: err})
	}
	s.pump()
}

func (s *Scheduler) fetch(ctx context.Context, t *Task) error {
	rc, err := s.src.Open(ctx, t.ID)
	if err != nil {
		return err
	}
	defer rc.Close()
	return s.sink.Write(ctx, t.ID, t.Title, rc)
}

// releaseSlot frees the task's semaphore slot exactly once.
func (s *Scheduler) releaseSlot(t *Task) {
	t.release.Do(func() {
		s.mu.Lock()
		s.slots--
		metrics.SetDownloadsActive(s.slots)
		s.mu.Unlock()
		s.sem.Release(1)
	})
}

// CancelOwner drops owner's queue and cancels the download it leads. The
// slot is released before this returns. A download other owners share is
// handed to one of them and keeps running.
func (s *Scheduler) CancelOwner(owner snowflake.ID) {
	s.mu.Lock()
	delete(s.pending, owner)
	for _, t := range s.inflight {
		delete(t.owners, owner)
	}

	var freed *Task
	if t := s.active[owner]; t != nil {
		delete(s.active, owner)
		if heir, ok := s.heirLocked(t); ok {
			t.lead = heir
			s.active[heir] = t
		} else {
			t.cancelled = true
			t.cancel()
			freed = t
		}
	}
	s.mu.Unlock()

	if freed != nil {
		s.releaseSlot(freed)
	}
	s.log.Debug(fmt.Sprintf(logger.MsgDownloadCancelled, owner))
	s.pump()
}

func (s *Scheduler) heirLocked(t *Task) (snowflake.ID, bool) {
	var ids []snowflake.ID
	for o := range t.owners {
		if s.active[o] == nil {
			ids = append(ids, o)
		}
	}
	if len(ids) == 0 {
		return 0, false
	}
	slices.Sort(ids)
	heir := ids[0]
	if !slices.Contains(s.order, heir) {
		s.order = append(s.order, heir)
	}
	return heir, true
}

// InFlight reports whether id is being downloaded.
func (s *Scheduler) InFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.inflight[id]
	return ok && !t.cancelled
}

// Queued reports whether id waits in owner's list.
func (s *Scheduler) Queued(owner snowflake.ID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.ContainsFunc(s.pending[owner], func(it Item) bool { return it.ID == id })
}

// Active is the number of held download slots.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots
}

// Close cancels every download and waits for the workers to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.pending = make(map[snowflake.ID][]Item)
	s.order = nil
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
}
