package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"

	"github.com/leeineian/cadenza/internal/failure"
	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/source"
)

// Candidate is one provider answer.
type Candidate struct {
	ID       string
	Title    string
	Uploader string
	Duration time.Duration
	// URL is set for media that must be streamed from its page rather
	// than cached by identifier.
	URL      string
	Provider string
	Score    float64
}

// Provider is one step of the resolution cascade.
type Provider interface {
	Name() string
	Attempt(ctx context.Context, query string) (Candidate, bool, error)
}

// URLHandler is implemented by providers that accept arbitrary links.
type URLHandler interface {
	HandlesURL() bool
}

// SearchFunc lists raw candidates for a query.
type SearchFunc func(ctx context.Context, query string) ([]Candidate, error)

type searchProvider struct {
	name     string
	search   SearchFunc
	scorer   Scorer
	minScore float64
	log      *slog.Logger
}

// NewSearchProvider ranks the results of search with scorer and accepts
// the best one at or above minScore.
func NewSearchProvider(name string, search SearchFunc, scorer Scorer, minScore float64, log *slog.Logger) Provider {
	if scorer == nil {
		scorer = TokenScorer{}
	}
	if log == nil {
		log = logger.Component("resolver")
	}
	return &searchProvider{name: name, search: search, scorer: scorer, minScore: minScore, log: log}
}

func (p *searchProvider) Name() string { return p.name }

func (p *searchProvider) Attempt(ctx context.Context, query string) (Candidate, bool, error) {
	cands, err := p.search(ctx, query)
	if err != nil {
		return Candidate{}, false, err
	}
	return pick(p.log, p.name, query, cands, p.scorer, p.minScore)
}

func pick(log *slog.Logger, name, query string, cands []Candidate, s Scorer, minScore float64) (Candidate, bool, error) {
	best, ok, rejected := Best(query, cands, s, minScore)
	for _, title := range rejected {
		log.Debug(fmt.Sprintf(logger.MsgResolverRejected, name, title, "cover filter"))
	}
	if !ok {
		if best.ID != "" {
			log.Debug(fmt.Sprintf(logger.MsgResolverRejected, name, best.Title,
				fmt.Sprintf("%s score %.2f below %.2f", s.Name(), best.Score, minScore)))
		}
		return Candidate{}, false, nil
	}
	c := best.Candidate
	c.Provider, c.Score = name, best.Score
	return c, true, nil
}

// blocked tags auth and rate-limit errors from search libraries.
func blocked(name string, err error) error {
	if err == nil {
		return nil
	}
	if source.Blocked(err.Error()) {
		return failure.Wrap(failure.ErrProviderBlocked, err, "%s", name)
	}
	return err
}

// YTMusicSearch queries YouTube Music tracks. Titles come back as
// "Artist - Track".
func YTMusicSearch() SearchFunc {
	return func(ctx context.Context, query string) ([]Candidate, error) {
		type result struct {
			cands []Candidate
			err   error
		}
		ch := make(chan result, 1)
		go func() {
			r, err := ytmusic.TrackSearch(query).Next()
			if err != nil {
				ch <- result{err: blocked("ytmusic", err)}
				return
			}
			var cands []Candidate
			for _, v := range r.Tracks {
				if v.VideoID == "" {
					continue
				}
				title, artist := v.Title, ""
				if len(v.Artists) > 0 {
					artist = v.Artists[0].Name
					title = artist + " - " + v.Title
				}
				cands = append(cands, Candidate{ID: v.VideoID, Title: title, Uploader: artist})
			}
			ch <- result{cands: cands}
		}()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			return r.cands, r.err
		}
	}
}

// YTSearch queries regular YouTube search.
func YTSearch() SearchFunc {
	return func(ctx context.Context, query string) ([]Candidate, error) {
		r, err := ytsearch.NewClient(nil).Search(ctx, query)
		if err != nil {
			return nil, blocked("ytsearch", err)
		}
		var cands []Candidate
		for _, v := range r.Results {
			cands = append(cands, Candidate{ID: v.VideoID, Title: v.Title})
		}
		return cands, nil
	}
}

// Extractor is the yt-dlp surface the generic provider needs.
type Extractor interface {
	Metadata(ctx context.Context, target string) (source.Info, error)
	Search(ctx context.Context, query string, n int) ([]source.Info, error)
}

// YTDLPProvider is the last resort: a flat "ytsearch5:" for text and
// metadata extraction for any link yt-dlp understands.
type YTDLPProvider struct {
	X        Extractor
	Scorer   Scorer
	MinScore float64
	Log      *slog.Logger
}

func (p *YTDLPProvider) Name() string     { return "ytdlp" }
func (p *YTDLPProvider) HandlesURL() bool { return true }

func (p *YTDLPProvider) Attempt(ctx context.Context, query string) (Candidate, bool, error) {
	log := p.Log
	if log == nil {
		log = logger.Component("resolver")
	}
	if source.IsURL(query) {
		info, err := p.X.Metadata(ctx, query)
		if err != nil {
			return Candidate{}, false, err
		}
		if info.ID == "" {
			return Candidate{}, false, nil
		}
		c := Candidate{ID: info.ID, Title: info.Title, Uploader: info.Uploader, Duration: info.Duration, Provider: p.Name(), Score: 1}
		if source.ExtractVideoID(query) == "" {
			c.URL = query
		}
		return c, true, nil
	}

	infos, err := p.X.Search(ctx, query, 5)
	if err != nil {
		return Candidate{}, false, err
	}
	cands := make([]Candidate, 0, len(infos))
	for _, in := range infos {
		cands = append(cands, Candidate{ID: in.ID, Title: in.Title, Uploader: in.Uploader, Duration: in.Duration})
	}
	scorer := p.Scorer
	if scorer == nil {
		scorer = TokenScorer{}
	}
	return pick(log, p.Name(), query, cands, scorer, p.MinScore)
}
