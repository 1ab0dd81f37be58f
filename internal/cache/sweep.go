package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/metrics"
	"github.com/leeineian/cadenza/internal/store"
)

// Index is the part of the store the sweeper reads and repairs.
type Index interface {
	ListEntries(ctx context.Context) ([]store.Entry, error)
	SetStatus(ctx context.Context, id string, st store.Status) error
	DeleteEntry(ctx context.Context, id string) error
}

// SweepReport summarizes one tick.
type SweepReport struct {
	Checked int
	Broken  int
	Skipped int
	Fixed   int
	From    int
	To      int
	Total   int
}

// SweepConfig tunes a Sweeper. Zero values take the defaults.
type SweepConfig struct {
	BatchSize    int
	Interval     time.Duration
	InitialDelay time.Duration
	Grace        time.Duration
	Fix          bool
	// Playing reports whether id is being played right now.
	Playing func(id string) bool
}

// Sweeper walks the catalog in batches and checks each cached file.
type Sweeper struct {
	index  Index
	layout Layout
	cfg    SweepConfig
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cursor  int
	running bool
}

func NewSweeper(index Index, layout Layout, cfg SweepConfig, log *slog.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 30 * time.Second
	}
	if cfg.Playing == nil {
		cfg.Playing = func(string) bool { return false }
	}
	if log == nil {
		log = logger.Component("cache")
	}
	return &Sweeper{index: index, layout: layout, cfg: cfg, log: log, now: time.Now}
}

// Run ticks after InitialDelay and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Error(fmt.Sprintf("Sweep tick failed: %v", err))
			}
			timer.Reset(s.cfg.Interval)
		}
	}
}

// Tick checks the next batch. Overlapping ticks return an empty report.
func (s *Sweeper) Tick(ctx context.Context) (SweepReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return SweepReport{}, nil
	}
	s.running = true
	cursor := s.cursor
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	entries, err := s.index.ListEntries(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	rep := SweepReport{Total: len(entries)}
	if len(entries) == 0 {
		return rep, nil
	}
	if cursor >= len(entries) {
		cursor = 0
	}
	end := min(cursor+s.cfg.BatchSize, len(entries))
	rep.From, rep.To = cursor, end

	for _, e := range entries[cursor:end] {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		s.check(ctx, e, &rep)
	}

	s.mu.Lock()
	s.cursor = end
	s.mu.Unlock()

	metrics.RecordSweep("checked", rep.Checked)
	metrics.RecordSweep("broken", rep.Broken)
	metrics.RecordSweep("skipped", rep.Skipped)
	metrics.RecordSweep("fixed", rep.Fixed)
	s.log.Info(fmt.Sprintf(logger.MsgCacheSweepSummary, rep.Checked, rep.Broken, rep.Skipped, rep.Fixed))
	return rep, nil
}

func (s *Sweeper) check(ctx context.Context, e store.Entry, rep *SweepReport) {
	switch {
	case e.Status == store.StatusPending || e.Status == store.StatusPartial:
		// Still being fetched, or never will be; neither has a file to check.
		rep.Skipped++
		return
	case e.Status == store.StatusCorrupt && !s.cfg.Fix:
		rep.Skipped++
		return
	case s.cfg.Playing(e.ID):
		rep.Skipped++
		return
	}

	path := e.Path
	if path == "" {
		path = s.layout.Path(e.ID)
	}
	if s.fresh(path) || s.fresh(path+PartSuffix) {
		rep.Skipped++
		return
	}

	rep.Checked++
	err := Validate(path)
	if err == nil && e.Status != store.StatusCorrupt {
		return
	}
	if err == nil {
		err = errors.New("marked corrupt")
	}
	rep.Broken++
	s.log.Warn(fmt.Sprintf(logger.MsgCacheSweepBroken, e.ID, err))

	if !s.cfg.Fix {
		if serr := s.index.SetStatus(ctx, e.ID, store.StatusCorrupt); serr != nil {
			s.log.Warn(fmt.Sprintf("Failed to mark %s as corrupt: %v", e.ID, serr))
		}
		return
	}
	if rerr := Remove(ctx, s.index, s.layout, e.ID); rerr != nil {
		s.log.Warn(fmt.Sprintf("Failed to remove %s: %v", e.ID, rerr))
		return
	}
	rep.Fixed++
}

// fresh reports whether path was modified within the grace window.
func (s *Sweeper) fresh(path string) bool {
	if s.cfg.Grace <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return s.now().Sub(info.ModTime()) < s.cfg.Grace
}

// Remover deletes catalog rows.
type Remover interface {
	DeleteEntry(ctx context.Context, id string) error
}

// Remove deletes the cached file for id, its empty shard directories and
// its catalog entry with every alias.
func Remove(ctx context.Context, catalog Remover, layout Layout, id string) error {
	path := layout.Path(id)
	for _, p := range []string{path, path + PartSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	removeEmptyParents(layout.Root, path)
	if catalog != nil {
		if err := catalog.DeleteEntry(ctx, id); err != nil {
			return err
		}
	}
	logger.Component("cache").Info(fmt.Sprintf(logger.MsgCacheRemoved, id))
	return nil
}
