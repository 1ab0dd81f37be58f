// Package daemon runs the long-lived background loops of the process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/leeineian/cadenza/internal/logger"
)

// Starter decides whether a daemon should run. It returns the loop to run
// in its own goroutine and an optional shutdown hook.
type Starter func(ctx context.Context) (ok bool, run func(), shutdown func())

type entry struct {
	name    string
	starter Starter
}

// Registry holds daemons until StartDaemons launches them.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	entries []entry
	hooks   []func()
	started bool
	wg      sync.WaitGroup
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = logger.Component("daemon")
	}
	return &Registry{log: log}
}

// RegisterDaemon adds a daemon. Registrations after StartDaemons are ignored.
func (r *Registry) RegisterDaemon(name string, starter Starter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.entries = append(r.entries, entry{name: name, starter: starter})
}

// StartDaemons evaluates every starter in registration order, then launches
// the active loops in parallel. Only the first call has an effect.
func (r *Registry) StartDaemons(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	entries := r.entries
	r.mu.Unlock()

	type active struct {
		name string
		run  func()
	}
	var runs []active
	for _, e := range entries {
		ok, run, shutdown := e.starter(ctx)
		if !ok || run == nil {
			continue
		}
		if shutdown != nil {
			r.mu.Lock()
			r.hooks = append(r.hooks, shutdown)
			r.mu.Unlock()
		}
		runs = append(runs, active{e.name, run})
	}

	for _, a := range runs {
		r.log.Info(fmt.Sprintf("[%s] %s", a.name, logger.MsgDaemonStarting))
	}
	for _, a := range runs {
		r.SafeGo(a.name, a.run)
	}
}

// SafeGo runs f in a tracked goroutine that survives panics.
func (r *Registry) SafeGo(name string, f func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.log.Error(fmt.Sprintf("[%s] "+logger.MsgDaemonPanic, name, p))
				r.log.Debug(string(debug.Stack()))
			}
		}()
		f()
	}()
}

// ShutdownDaemons runs every shutdown hook in parallel and waits for the
// daemon loops to return, or for ctx.
func (r *Registry) ShutdownDaemons(ctx context.Context) error {
	r.mu.Lock()
	hooks := r.hooks
	r.hooks = nil
	r.mu.Unlock()

	var g errgroup.Group
	for _, h := range hooks {
		g.Go(func() error {
			h()
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
