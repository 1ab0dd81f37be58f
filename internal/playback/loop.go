package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/leeineian/cadenza/internal/cache"
	"github.com/leeineian/cadenza/internal/download"
	"github.com/leeineian/cadenza/internal/failure"
	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/metrics"
)

const (
	recommendTimeout = 30 * time.Second
	metadataTimeout  = 15 * time.Second
	relatedPool      = 10
)

// run is the session's queue loop.
func (c *Coordinator) run(s *Session) {
	defer c.wg.Done()
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(fmt.Sprintf(logger.MsgPlaybackPanic, s.ID, r))
			c.destroy(s, "panic")
		}
	}()

	for {
		it := c.advance(s)
		if it == nil {
			return
		}
		err := c.play(s, it)
		c.settle(s, it, err)
	}
}

// advance returns the item to play next, blocking while the session is
// idle. A current item is reused for loop and retry.
func (c *Coordinator) advance(s *Session) *Item {
	for {
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return nil
		}
		if s.current != nil {
			if !s.skipReq {
				it := s.current
				s.mu.Unlock()
				return it
			}
			s.skipReq = false
			s.current = nil
		}
		if len(s.queue) > 0 {
			it := s.queue[0]
			s.queue = s.queue[1:]
			s.current = it
			s.idleSent = false
			s.stopIdleLocked()
			s.mu.Unlock()
			return it
		}

		announce := s.played && !s.idleSent
		if announce {
			s.idleSent = true
		}
		if s.idle == nil {
			s.idleGen++
			gen := s.idleGen
			s.idle = time.AfterFunc(c.cfg.IdleTimeout, func() { c.expire(s, gen) })
		}
		s.mu.Unlock()

		if announce {
			c.log.Info(fmt.Sprintf(logger.MsgPlaybackIdle, s.ID))
			if h := s.hooks.Idle; h != nil {
				h(s.ID)
			}
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (c *Coordinator) play(s *Session, it *Item) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.mu.Lock()
	s.stopPlay = cancel
	s.mu.Unlock()

	out, err := c.output(ctx, s)
	if err != nil {
		return err
	}
	r, src, err := c.open(ctx, s, it)
	if err != nil {
		return err
	}
	defer r.Close()

	s.mu.Lock()
	s.played = true
	s.history[it.ID] = true
	snap := *it
	s.mu.Unlock()

	metrics.RecordPlaybackSource(string(src))
	c.log.Info(fmt.Sprintf(logger.MsgPlaybackNowPlaying, displayTitle(snap), snap.ID, s.ID, src))
	if h := s.hooks.NowPlaying; h != nil {
		h(s.ID, snap, src)
	}
	c.prefetch(s)
	c.backfill(s, it)

	return out.Play(ctx, r)
}

// open walks the source ladder: complete cache file, tail of the .part,
// a short wait for the .part, then a live stream while the download runs.
func (c *Coordinator) open(ctx context.Context, s *Session, it *Item) (io.ReadCloser, Source, error) {
	s.mu.Lock()
	id, title, url := it.ID, it.Title, it.URL
	s.mu.Unlock()

	if url != "" {
		r, err := c.live(ctx, url)
		return r, SourceLive, err
	}

	final := c.cfg.Layout.Path(id)
	if f, ok := c.openCached(ctx, id); ok {
		return f, SourceCache, nil
	}
	c.deps.Downloads.Enqueue(s.ID, download.Item{ID: id, Title: title})

	deadline := time.Now().Add(c.cfg.PartialWait)
	for {
		if f, ok := c.openCached(ctx, id); ok {
			return f, SourceCache, nil
		}
		if cache.PartReady(c.cfg.Layout.PartPath(id), 4) {
			r, err := cache.OpenTail(ctx, final,
				cache.WithPins(c.deps.Pins),
				cache.WithStallTimeout(c.cfg.TailStall),
				cache.WithTailLogger(c.log),
			)
			if err == nil {
				return r, SourcePartial, nil
			}
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(c.cfg.PartialPoll):
		}
	}

	r, err := c.live(ctx, id)
	return r, SourceLive, err
}

// openCached opens a valid final file for id. An invalid one is removed so
// the download can replace it.
func (c *Coordinator) openCached(ctx context.Context, id string) (*os.File, bool) {
	if !c.cfg.Layout.Exists(id) {
		return nil, false
	}
	final := c.cfg.Layout.Path(id)
	if err := cache.Validate(final); err != nil {
		c.log.Warn(fmt.Sprintf(logger.MsgCacheIntegrityMiss, id, err))
		if rerr := cache.Remove(ctx, nil, c.cfg.Layout, id); rerr != nil {
			c.log.Warn(fmt.Sprintf(logger.MsgGenericError, rerr))
		}
		return nil, false
	}
	f, err := os.Open(final)
	if err != nil {
		return nil, false
	}
	return f, true
}

func (c *Coordinator) live(ctx context.Context, target string) (io.ReadCloser, error) {
	if c.deps.Live == nil {
		return nil, failure.Wrap(failure.ErrTransfer, nil, "no live source for %s", target)
	}
	return c.deps.Live.Stream(ctx, target)
}

// settle books the outcome of one attempt and decides whether the item
// stays current.
func (c *Coordinator) settle(s *Session, it *Item, err error) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	skipped := s.skipReq
	s.skipReq = false
	s.stopPlay = nil

	var strikes int
	abandoned := false
	switch {
	case skipped:
		delete(s.strikes, it.ID)
		s.current = nil
	case err == nil:
		delete(s.strikes, it.ID)
		if !s.loop {
			s.current = nil
		}
	default:
		s.strikes[it.ID]++
		strikes = s.strikes[it.ID]
		if strikes >= c.cfg.Strikes {
			delete(s.strikes, it.ID)
			s.current = nil
			abandoned = true
		}
	}
	recommend := s.auto && err == nil && !skipped && s.current == nil && len(s.queue) == 0 && it.URL == ""
	snap := *it
	s.mu.Unlock()

	if err != nil && !skipped {
		c.log.Warn(fmt.Sprintf(logger.MsgPlaybackFailed, displayTitle(snap), strikes, c.cfg.Strikes, err))
	}
	if abandoned {
		metrics.RecordSkip()
		c.log.Warn(fmt.Sprintf(logger.MsgPlaybackSkipped, displayTitle(snap), c.cfg.Strikes))
		if h := s.hooks.Skipped; h != nil {
			h(s.ID, snap, err)
		}
	}
	if recommend {
		c.recommend(s, snap)
	}
}

// prefetch hands the queue head to the scheduler.
func (c *Coordinator) prefetch(s *Session) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	next := *s.queue[0]
	s.mu.Unlock()
	if next.URL == "" && !c.cached(next.ID) {
		c.deps.Downloads.Enqueue(s.ID, download.Item{ID: next.ID, Title: next.Title})
	}
}

// backfill fills duration and uploader in the background.
func (c *Coordinator) backfill(s *Session, it *Item) {
	if c.deps.Metadata == nil {
		return
	}
	s.mu.Lock()
	target := it.ID
	if it.URL != "" {
		target = it.URL
	}
	complete := it.Duration > 0 && it.Uploader != ""
	s.mu.Unlock()
	if complete {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, metadataTimeout)
		defer cancel()
		info, err := c.deps.Metadata.Metadata(ctx, target)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Debug(fmt.Sprintf(logger.MsgPlaybackMetadataErr, target, err))
			}
			return
		}

		s.mu.Lock()
		if info.Duration > 0 {
			it.Duration = info.Duration
		}
		if info.Uploader != "" {
			it.Uploader = info.Uploader
		}
		if it.Title == "" {
			it.Title = info.Title
		}
		snap := *it
		s.mu.Unlock()

		if h := s.hooks.MetadataUpdated; h != nil && s.ctx.Err() == nil {
			h(s.ID, snap)
		}
	}()
}

// recommend queues related items the session has not heard yet.
func (c *Coordinator) recommend(s *Session, last Item) {
	if c.deps.Recommender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, recommendTimeout)
	defer cancel()
	infos, err := c.deps.Recommender.Related(ctx, last.ID, relatedPool)
	if err != nil {
		c.log.Warn(fmt.Sprintf(logger.MsgPlaybackRecommendErr, last.ID, err))
		return
	}

	var added []Item
	s.mu.Lock()
	for _, info := range infos {
		if len(added) == c.cfg.RecommendCount {
			break
		}
		if info.ID == "" || s.history[info.ID] || s.containsLocked(info.ID) {
			continue
		}
		it := &Item{ID: info.ID, Title: info.Title, Duration: info.Duration, Uploader: info.Uploader}
		s.queue = append(s.queue, it)
		added = append(added, *it)
	}
	if len(added) > 0 {
		s.stopIdleLocked()
	}
	s.mu.Unlock()

	for _, it := range added {
		if !c.cached(it.ID) {
			c.deps.Downloads.Enqueue(s.ID, download.Item{ID: it.ID, Title: it.Title})
		}
	}
}

func displayTitle(it Item) string {
	switch {
	case it.Title != "":
		return it.Title
	case it.URL != "":
		return it.URL
	default:
		return "Track (" + it.ID + ")"
	}
}
