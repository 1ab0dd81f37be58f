package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/leeineian/cadenza/internal/failure"
	"github.com/leeineian/cadenza/internal/logger"
)

const (
	DefaultStallTimeout = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

type tailOptions struct {
	stall time.Duration
	poll  time.Duration
	pins  *Pins
	log   *slog.Logger
}

// TailOption configures OpenTail.
type TailOption func(*tailOptions)

// WithStallTimeout sets how long a read may go without new bytes.
func WithStallTimeout(d time.Duration) TailOption {
	return func(o *tailOptions) {
		if d > 0 {
			o.stall = d
		}
	}
}

// WithPollInterval sets the fallback polling period.
func WithPollInterval(d time.Duration) TailOption {
	return func(o *tailOptions) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithPins pins the .part while the reader is open, so a failed writer
// defers deletion and the reader learns about the abort.
func WithPins(p *Pins) TailOption {
	return func(o *tailOptions) { o.pins = p }
}

func WithTailLogger(l *slog.Logger) TailOption {
	return func(o *tailOptions) { o.log = l }
}

// TailReader follows a cache entry while it is being written. It reads the
// .part until the writer promotes it, then continues on the final file at
// the same offset.
type TailReader struct {
	ctx   context.Context
	final string
	part  string
	opts  tailOptions

	mu       sync.Mutex
	f        *os.File
	onFinal  bool
	offset   int64
	headerOK bool
	progress time.Time
	pin      *Pin
	watcher  *fsnotify.Watcher

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenTail opens final if it exists and its .part otherwise.
func OpenTail(ctx context.Context, final string, opts ...TailOption) (*TailReader, error) {
	o := tailOptions{stall: DefaultStallTimeout, poll: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Component("cache")
	}

	final = filepath.Clean(final)
	r := &TailReader{
		ctx:      ctx,
		final:    final,
		part:     final + PartSuffix,
		opts:     o,
		progress: time.Now(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	// Pin before opening: an abort in between must still flag this reader.
	if o.pins != nil {
		r.pin = o.pins.Pin(r.part)
	}
	if f, err := os.Open(final); err == nil {
		r.f, r.onFinal = f, true
		r.unpin()
	} else if f, err := os.Open(r.part); err == nil {
		r.f = f
	} else {
		r.unpin()
		return nil, failure.Wrap(failure.ErrTransfer, err, "open %s", r.part)
	}

	if !r.onFinal {
		r.watch()
	}
	return r, nil
}

// watch wires directory events into the wake channel. Without a watcher
// the reader still makes progress by polling.
func (r *TailReader) watch() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.opts.log.Debug(fmt.Sprintf("fsnotify unavailable, polling %s: %v", r.part, err))
		return
	}
	if err := w.Add(filepath.Dir(r.final)); err != nil {
		_ = w.Close()
		r.opts.log.Debug(fmt.Sprintf("fsnotify watch failed, polling %s: %v", r.part, err))
		return
	}
	r.watcher = w

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == r.final || ev.Name == r.part {
					signal(r.wake)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-r.done:
				return
			}
		}
	}()
}

func (r *TailReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}

	if !r.headerOK {
		if err := r.awaitHeader(); err != nil {
			return 0, err
		}
	}

	for {
		n, err := r.f.Read(p)
		if n > 0 {
			r.offset += int64(n)
			r.progress = time.Now()
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, failure.Wrap(failure.ErrTransfer, err, "read %s", r.part)
		}
		if r.onFinal {
			return 0, io.EOF
		}
		if err := r.follow(); err != nil {
			return 0, err
		}
	}
}

// follow handles EOF on the .part: fail on abort, switch to the final file
// when it has appeared, fail on stall, otherwise wait for more bytes.
func (r *TailReader) follow() error {
	if r.pin != nil && r.pin.Aborted() {
		return failure.Wrap(failure.ErrTransfer, nil, "writer abandoned %s", r.part)
	}
	switched, err := r.trySwitch()
	if err != nil || switched {
		return err
	}
	if time.Since(r.progress) >= r.opts.stall {
		return failure.Wrap(failure.ErrStall, nil, "no data on %s for %s", r.part, r.opts.stall)
	}
	return r.wait()
}

func (r *TailReader) awaitHeader() error {
	head := make([]byte, 4)
	for {
		n, err := r.f.ReadAt(head, 0)
		if n == len(head) {
			if !hasHeaderAt0(head) {
				return failure.Wrap(failure.ErrIntegrity, nil, "no container signature at start of %s", r.current())
			}
			r.headerOK = true
			r.progress = time.Now()
			return nil
		}
		if err != nil && err != io.EOF {
			return failure.Wrap(failure.ErrTransfer, err, "read header of %s", r.current())
		}
		if r.onFinal {
			return failure.Wrap(failure.ErrIntegrity, nil, "%s ends before its header", r.final)
		}
		if err := r.follow(); err != nil {
			return err
		}
	}
}

// trySwitch moves to the final file once the writer has renamed the part.
func (r *TailReader) trySwitch() (bool, error) {
	f, err := os.Open(r.final)
	if err != nil {
		return false, nil
	}
	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		_ = f.Close()
		return false, failure.Wrap(failure.ErrTransfer, err, "seek %s to %d", r.final, r.offset)
	}
	_ = r.f.Close()
	r.f, r.onFinal = f, true
	r.unpin()
	return true, nil
}

func (r *TailReader) wait() error {
	t := time.NewTimer(r.opts.poll)
	defer t.Stop()

	var pinWake <-chan struct{}
	if r.pin != nil {
		pinWake = r.pin.Wake()
	}
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-r.done:
		return os.ErrClosed
	case <-r.wake:
	case <-pinWake:
	case <-t.C:
	}
	return nil
}

// Offset is the number of bytes delivered so far.
func (r *TailReader) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

func (r *TailReader) current() string {
	if r.onFinal {
		return r.final
	}
	return r.part
}

func (r *TailReader) unpin() {
	if r.pin != nil {
		r.pin.Release()
		r.pin = nil
	}
}

// Close stops the watcher and releases the pin. It is safe to call more
// than once and never touches the writer.
func (r *TailReader) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
		r.wg.Wait()

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.f != nil {
			_ = r.f.Close()
			r.f = nil
		}
		r.unpin()
	})
	return nil
}
