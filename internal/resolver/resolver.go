// Package resolver turns free-text queries and links into media
// identifiers, trying the alias caches before an ordered provider cascade.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/leeineian/cadenza/internal/failure"
	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/metrics"
	"github.com/leeineian/cadenza/internal/source"
	"github.com/leeineian/cadenza/internal/store"
	"github.com/leeineian/cadenza/internal/textnorm"
)

// MaxVariants caps how many query forms go to each provider.
const MaxVariants = 4

// Catalog is the persistent alias store.
type Catalog interface {
	LookupAlias(ctx context.Context, key string) (string, bool, error)
	AliasesFor(ctx context.Context, id string) ([]string, error)
	GetEntry(ctx context.Context, id string) (store.Entry, error)
	PutAliases(ctx context.Context, id string, keys ...string) error
	EnsureEntry(ctx context.Context, id, title string) error
}

// Result is a resolved query.
type Result struct {
	ID        string
	Title     string
	FromCache bool
	// Meta is the provider answer for fresh resolutions.
	Meta *Candidate
}

// Options tune the cascade. Zero values take the defaults.
type Options struct {
	Cooldown time.Duration
	// Rate is provider calls per second; 0 disables limiting.
	Rate float64
}

type guarded struct {
	Provider
	breaker *Breaker
	limiter *rate.Limiter
}

// Resolver is safe for concurrent use.
type Resolver struct {
	catalog   Catalog
	providers []guarded
	log       *slog.Logger

	mu     sync.RWMutex
	memory map[string]string
	titles map[string]string

	group singleflight.Group
}

func New(catalog Catalog, providers []Provider, opts Options, log *slog.Logger) *Resolver {
	if log == nil {
		log = logger.Component("resolver")
	}
	r := &Resolver{
		catalog: catalog,
		log:     log,
		memory:  make(map[string]string),
		titles:  make(map[string]string),
	}
	for _, p := range providers {
		g := guarded{Provider: p, breaker: NewBreaker(p.Name(), opts.Cooldown, log)}
		if opts.Rate > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(opts.Rate), max(1, int(opts.Rate)))
		}
		r.providers = append(r.providers, g)
	}
	return r
}

// Breaker exposes the breaker guarding the named provider.
func (r *Resolver) Breaker(name string) *Breaker {
	for _, g := range r.providers {
		if g.Name() == name {
			return g.breaker
		}
	}
	return nil
}

// Resolve maps query to an identifier. It fails with failure.ErrResolution
// when no tier produces an acceptable answer.
func (r *Resolver) Resolve(ctx context.Context, query string) (Result, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Result{}, failure.Wrap(failure.ErrResolution, nil, "empty query")
	}

	if id := source.ExtractVideoID(q); id != "" {
		metrics.RecordResolution("url")
		r.ensure(ctx, id, "")
		return Result{ID: id, Title: r.title(id)}, nil
	}

	key := textnorm.Key(q)
	if source.IsURL(q) {
		key = q
	}
	if key == "" {
		return Result{}, failure.Wrap(failure.ErrResolution, nil, "query %q has no searchable words", q)
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, q, key)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *Resolver) resolve(ctx context.Context, q, key string) (Result, error) {
	if id, ok := r.recall(key); ok {
		metrics.RecordResolution("memory")
		return Result{ID: id, Title: r.title(id), FromCache: true}, nil
	}

	if res, ok := r.lookupStore(ctx, q, key); ok {
		metrics.RecordResolution("store")
		return res, nil
	}

	isURL := source.IsURL(q)
	variants := []string{q}
	if !isURL {
		variants = textnorm.Variants(q, MaxVariants)
	}

	var tried []string
	var lastErr error
	for _, p := range r.providers {
		if isURL {
			if h, ok := p.Provider.(URLHandler); !ok || !h.HandlesURL() {
				continue
			}
		}
		if !p.breaker.Allow() {
			continue
		}
		for _, v := range variants {
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return Result{}, err
				}
			}
			tried = append(tried, v)
			cand, ok, err := p.Attempt(ctx, v)
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if err != nil {
				lastErr = err
				if errors.Is(err, failure.ErrProviderBlocked) {
					p.breaker.Trip(err)
					break
				}
				r.log.Warn(fmt.Sprintf(logger.MsgResolverAttemptError, p.Name(), v, err))
				continue
			}
			if !ok {
				continue
			}

			metrics.RecordResolution(p.Name())
			r.log.Info(fmt.Sprintf(logger.MsgResolverResolved, q, cand.ID, p.Name()))
			r.remember(ctx, cand, append(tried, key))
			return Result{ID: cand.ID, Title: cand.Title, Meta: &cand}, nil
		}
	}

	metrics.RecordResolution("miss")
	if lastErr != nil {
		return Result{}, failure.Wrap(failure.ErrResolution, lastErr, "no match for %q", q)
	}
	return Result{}, failure.Wrap(failure.ErrResolution, nil, "no match for %q", q)
}

func (r *Resolver) recall(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.memory[key]
	return id, ok
}

// lookupStore tries the query key and its noise-stripped form. A persisted
// alias is accepted only when every query word of three or more letters
// appears in the entry's aliases or title.
func (r *Resolver) lookupStore(ctx context.Context, q, key string) (Result, bool) {
	if r.catalog == nil {
		return Result{}, false
	}
	keys := []string{key}
	if !source.IsURL(q) {
		keys = textnorm.Unique(append(keys, textnorm.Key(textnorm.CleanTitle(q))))
	}
	for _, k := range keys {
		if res, ok := r.confirm(ctx, q, k); ok {
			r.mu.Lock()
			r.memory[key] = res.ID
			r.mu.Unlock()
			return res, true
		}
	}
	return Result{}, false
}

func (r *Resolver) confirm(ctx context.Context, q, key string) (Result, bool) {
	id, ok, err := r.catalog.LookupAlias(ctx, key)
	if err != nil || !ok {
		return Result{}, false
	}

	var title string
	if e, err := r.catalog.GetEntry(ctx, id); err == nil {
		title = e.Title
	}
	aliases, _ := r.catalog.AliasesFor(ctx, id)
	text := joinNonEmpty(append(aliases, title)...)
	if !source.IsURL(q) && !tokensCovered(q, text) {
		r.log.Debug(fmt.Sprintf("Alias %q -> %s not confirmed by %q", key, id, text))
		return Result{}, false
	}

	r.mu.Lock()
	r.memory[key] = id
	if title != "" {
		r.titles[id] = title
	}
	r.mu.Unlock()
	return Result{ID: id, Title: title, FromCache: true}, true
}

// remember writes every tried variant, the query key and the identifier
// itself back as aliases, in memory and in the catalog.
func (r *Resolver) remember(ctx context.Context, c Candidate, keys []string) {
	keys = textnorm.Unique(append(keys, c.ID))

	r.mu.Lock()
	for _, k := range keys {
		r.memory[k] = c.ID
	}
	if c.Title != "" {
		r.titles[c.ID] = c.Title
	}
	r.mu.Unlock()

	if r.catalog == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := r.catalog.PutAliases(ctx, c.ID, keys...); err != nil {
		r.log.Warn(fmt.Sprintf(logger.MsgResolverAliasFailed, c.ID, err))
	}
	r.ensure(ctx, c.ID, c.Title)
}

func (r *Resolver) ensure(ctx context.Context, id, title string) {
	if r.catalog == nil {
		return
	}
	if err := r.catalog.EnsureEntry(context.WithoutCancel(ctx), id, title); err != nil {
		r.log.Warn(fmt.Sprintf(logger.MsgResolverAliasFailed, id, err))
	}
}

func (r *Resolver) title(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.titles[id]
}

// Forget drops every in-memory alias of id. The catalog is left alone.
func (r *Resolver) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.memory {
		if v == id {
			delete(r.memory, k)
		}
	}
	delete(r.titles, id)
}
