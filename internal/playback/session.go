// Package playback runs one queue per session: it picks the best data
// source for each item (cache, tail of a running download, or a live
// stream), feeds it to the session's output and advances.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// State is Idle with no current item and Playing otherwise.
type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
)

// Source names where an item's bytes came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourcePartial Source = "partial"
	SourceLive    Source = "live"
)

// Item is one queue slot. Duration and Uploader are filled in after the
// item starts, under the session lock.
type Item struct {
	ID    string
	Title string
	// URL, when set, is streamed directly and never cached.
	URL      string
	Duration time.Duration
	Uploader string
}

// Hooks are the per-session event callbacks. Any of them may be nil. They
// run on coordinator goroutines and must not call back into the session
// synchronously.
type Hooks struct {
	NowPlaying      func(id snowflake.ID, it Item, src Source)
	Skipped         func(id snowflake.ID, it Item, err error)
	MetadataUpdated func(id snowflake.ID, it Item)
	Idle            func(id snowflake.ID)
	Disconnected    func(id snowflake.ID, reason string)
}

// Snapshot is a copy of the session state for rendering.
type Snapshot struct {
	State         State
	Current       *Item
	Queue         []Item
	Loop          bool
	AutoRecommend bool
}

// Session is one playback queue with its loop goroutine.
type Session struct {
	ID    snowflake.ID
	hooks Hooks

	mu       sync.Mutex
	queue    []*Item
	current  *Item
	loop     bool
	auto     bool
	skipReq  bool
	strikes  map[string]int
	history  map[string]bool
	played   bool
	idleSent bool
	idle     *time.Timer
	idleGen  uint64
	out      Output
	stopPlay context.CancelFunc

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(id snowflake.ID, hooks Hooks) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:      id,
		hooks:   hooks,
		strikes: make(map[string]int),
		history: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot copies the queue state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: StateIdle, Loop: s.loop, AutoRecommend: s.auto}
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
		snap.State = StatePlaying
	}
	snap.Queue = make([]Item, 0, len(s.queue))
	for _, it := range s.queue {
		snap.Queue = append(snap.Queue, *it)
	}
	return snap
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// contains reports whether id is current or queued. Caller holds mu.
func (s *Session) containsLocked(id string) bool {
	if s.current != nil && s.current.ID == id {
		return true
	}
	for _, it := range s.queue {
		if it.ID == id {
			return true
		}
	}
	return false
}

func (s *Session) stopIdleLocked() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}
