package cache

import (
	"os"
	"sync"
	"sync/atomic"
)

// Pins tracks tail readers holding in-progress files open, so a failed
// writer can defer removing its .part until the last reader lets go.
type Pins struct {
	mu     sync.Mutex
	held   map[string]map[*Pin]struct{}
	doomed map[string]bool
}

// Pin is one reader's hold on a path.
type Pin struct {
	path    string
	owner   *Pins
	wake    chan struct{}
	aborted atomic.Bool
	once    sync.Once
}

func NewPins() *Pins {
	return &Pins{
		held:   make(map[string]map[*Pin]struct{}),
		doomed: make(map[string]bool),
	}
}

// Pin registers a reader on path.
func (p *Pins) Pin(path string) *Pin {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &Pin{path: path, owner: p, wake: make(chan struct{}, 1)}
	if p.held[path] == nil {
		p.held[path] = make(map[*Pin]struct{})
	}
	p.held[path][h] = struct{}{}
	return h
}

// Release drops the hold. The last release of a doomed path removes it.
func (h *Pin) Release() {
	h.once.Do(func() {
		p := h.owner
		p.mu.Lock()
		defer p.mu.Unlock()
		set := p.held[h.path]
		delete(set, h)
		if len(set) > 0 {
			return
		}
		delete(p.held, h.path)
		if p.doomed[h.path] {
			delete(p.doomed, h.path)
			removeQuietly(h.path)
		}
	})
}

// Wake fires after the writer of the pinned path makes progress.
func (h *Pin) Wake() <-chan struct{} {
	return h.wake
}

// Aborted reports whether the writer gave up on the pinned file.
func (h *Pin) Aborted() bool {
	return h.aborted.Load()
}

// Abort is called by a failed writer. Pinned paths are flagged and kept
// until released; unpinned ones are removed now. It reports whether removal
// was deferred.
func (p *Pins) Abort(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.held[path]
	if len(set) == 0 {
		removeQuietly(path)
		return false
	}
	for h := range set {
		h.aborted.Store(true)
		signal(h.wake)
	}
	p.doomed[path] = true
	return true
}

// Notify wakes every reader pinned on path.
func (p *Pins) Notify(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for h := range p.held[path] {
		signal(h.wake)
	}
}

// Claim prepares path for a fresh writer. A doomed leftover is unlinked now;
// readers still holding it keep their descriptors and their abort flag.
func (p *Pins) Claim(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.doomed[path] {
		return
	}
	delete(p.doomed, path)
	removeQuietly(path)
	delete(p.held, path)
}

// Held reports whether any reader pins path.
func (p *Pins) Held(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held[path]) > 0
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
