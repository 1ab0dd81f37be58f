package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/leeineian/cadenza/internal/failure"
	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/store"
	"github.com/leeineian/cadenza/internal/textnorm"
)

// Catalog is the part of the store the writer updates.
type Catalog interface {
	SetStatus(ctx context.Context, id string, st store.Status) error
	PutEntry(ctx context.Context, e store.Entry) error
	PutAliases(ctx context.Context, id string, keys ...string) error
}

// Writer persists byte streams into the cache. A final path only ever
// appears through a rename of a complete, validated .part file.
type Writer struct {
	layout  Layout
	catalog Catalog
	pins    *Pins
	log     *slog.Logger
}

func NewWriter(layout Layout, catalog Catalog, pins *Pins, log *slog.Logger) *Writer {
	if pins == nil {
		pins = NewPins()
	}
	if log == nil {
		log = logger.Component("cache")
	}
	return &Writer{layout: layout, catalog: catalog, pins: pins, log: log}
}

// Layout exposes the path mapping the writer uses.
func (w *Writer) Layout() Layout { return w.layout }

// Pins exposes the reader registry shared with tail readers.
func (w *Writer) Pins() *Pins { return w.pins }

// Write streams r into the cache entry for id and returns once the entry is
// promoted or the write has failed. An existing final file short-circuits
// with nil and r is left unread.
func (w *Writer) Write(ctx context.Context, id, title string, r io.Reader) error {
	final := w.layout.Path(id)
	if w.layout.Exists(id) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return failure.Wrap(failure.ErrTransfer, err, "create shard for %s", id)
	}

	part := final + PartSuffix
	w.pins.Claim(part)
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return failure.Wrap(failure.ErrTransfer, err, "create %s", part)
	}
	w.setStatus(ctx, id, store.StatusPartial)

	sw := &signalWriter{w: f, notify: func() { w.pins.Notify(part) }}
	_, err = io.Copy(sw, &ctxReader{ctx: ctx, r: r})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		w.abort(part)
		w.log.Warn(fmt.Sprintf(logger.MsgCacheWriteFailed, id, err))
		return failure.Wrap(failure.ErrTransfer, err, "write %s", id)
	}

	if err := Validate(part); err != nil {
		w.abort(part)
		w.setStatus(ctx, id, store.StatusCorrupt)
		return err
	}

	if err := os.Rename(part, final); err != nil {
		w.abort(part)
		w.log.Error(fmt.Sprintf(logger.MsgCacheRenameFailed, id, err))
		return failure.Wrap(failure.ErrTransfer, err, "promote %s", id)
	}
	w.pins.Notify(part)

	w.register(context.WithoutCancel(ctx), id, title, final)
	w.log.Info(fmt.Sprintf(logger.MsgCachePromoted, id, title))
	return nil
}

func (w *Writer) abort(part string) {
	if w.pins.Abort(part) {
		w.log.Debug(fmt.Sprintf(logger.MsgCacheDeferRemove, part))
	}
}

func (w *Writer) setStatus(ctx context.Context, id string, st store.Status) {
	if w.catalog == nil {
		return
	}
	if err := w.catalog.SetStatus(context.WithoutCancel(ctx), id, st); err != nil {
		w.log.Warn(fmt.Sprintf("Failed to mark %s as %s: %v", id, st, err))
	}
}

// register records the completed entry and every alias derived from its
// title, plus the identifier itself.
func (w *Writer) register(ctx context.Context, id, title, path string) {
	if w.catalog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	artist, track, _ := textnorm.SplitArtistTrack(title)
	entry := store.Entry{
		ID:     id,
		Title:  title,
		Artist: artist,
		Track:  track,
		Path:   path,
		Status: store.StatusComplete,
	}
	if err := w.catalog.PutEntry(ctx, entry); err != nil {
		w.log.Warn(fmt.Sprintf(logger.MsgCacheAliasFailed, id, err))
		return
	}
	keys := append(textnorm.TitleKeys(title), id)
	if err := w.catalog.PutAliases(ctx, id, keys...); err != nil {
		w.log.Warn(fmt.Sprintf(logger.MsgCacheAliasFailed, id, err))
	}
}

// signalWriter wakes in-process tail readers after every successful write.
type signalWriter struct {
	w      io.Writer
	notify func()
}

func (s *signalWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if n > 0 {
		s.notify()
	}
	return n, err
}

// ctxReader stops a copy as soon as ctx is done.
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
