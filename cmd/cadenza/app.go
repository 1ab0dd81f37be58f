package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leeineian/cadenza/internal/cache"
	"github.com/leeineian/cadenza/internal/config"
	"github.com/leeineian/cadenza/internal/daemon"
	"github.com/leeineian/cadenza/internal/download"
	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/metrics"
	"github.com/leeineian/cadenza/internal/playback"
	"github.com/leeineian/cadenza/internal/resolver"
	"github.com/leeineian/cadenza/internal/source"
	"github.com/leeineian/cadenza/internal/store"
)

// app is the wired pipeline shared by every subcommand.
type app struct {
	cfg       *config.Config
	store     *store.Store
	layout    cache.Layout
	pins      *cache.Pins
	writer    *cache.Writer
	ytdlp     *source.YTDLP
	resolver  *resolver.Resolver
	downloads *download.Scheduler
	player    *playback.Coordinator
	daemons   *daemon.Registry

	// results carries finished downloads to fetch; sends never block.
	results chan download.Result
}

func newApp(ctx context.Context, cfg *config.Config, connector playback.Connector) (*app, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &app{
		cfg:     cfg,
		store:   st,
		layout:  cache.Layout{Root: cfg.CacheDir},
		pins:    cache.NewPins(),
		results: make(chan download.Result, 16),
	}
	a.writer = cache.NewWriter(a.layout, st, a.pins, logger.Component("cache"))
	a.ytdlp = source.New(
		source.WithFormat(cfg.AudioFormat()),
		source.WithProxy(cfg.YouTubeProxy),
		source.WithLogger(logger.Component("download")),
	)

	rlog := logger.Component("resolver")
	providers := []resolver.Provider{
		resolver.NewSearchProvider("ytmusic", resolver.YTMusicSearch(), resolver.TokenScorer{}, cfg.MinAcceptScore, rlog),
		resolver.NewSearchProvider("ytsearch", resolver.YTSearch(), resolver.FuzzyScorer{}, cfg.MinAcceptScore, rlog),
		&resolver.YTDLPProvider{X: a.ytdlp, Scorer: resolver.TokenScorer{}, MinScore: cfg.MinAcceptScore, Log: rlog},
	}
	a.resolver = resolver.New(st, providers, resolver.Options{
		Cooldown: cfg.ProviderCooldown,
		Rate:     cfg.ProviderRate,
	}, rlog)

	a.downloads = download.New(a.ytdlp, a.writer, download.Config{
		MaxConcurrency: cfg.DownloadConcurrency,
		Cached:         func(id string) bool { return a.layout.Exists(id) && cache.IsValid(a.layout.Path(id)) },
		OnResult: func(r download.Result) {
			select {
			case a.results <- r:
			default:
			}
		},
	}, logger.Component("download"))

	a.player = playback.New(playback.NewSessionStore(), playback.Deps{
		Resolver:    a.resolver,
		Downloads:   a.downloads,
		Live:        a.ytdlp,
		Connector:   connector,
		Metadata:    a.ytdlp,
		Recommender: a.ytdlp,
		Pins:        a.pins,
	}, playback.Config{
		Layout:       a.layout,
		Strikes:      cfg.FailureStrikes,
		PartialWait:  cfg.PartialWait,
		TailStall:    cfg.TailStall,
		ConnectWait:  cfg.ConnectWait,
		IdleTimeout:  cfg.IdleTimeout,
		ReadyTimeout: cfg.SkipReadyTimeout,
	}, logger.Component("playback"))

	a.daemons = daemon.NewRegistry(logger.Component("daemon"))
	a.registerDaemons()
	return a, nil
}

func (a *app) sweeper(batch int) *cache.Sweeper {
	cfg := cache.SweepConfig{
		BatchSize: batch,
		Interval:  a.cfg.ValidateInterval,
		Grace:     a.cfg.ValidateGrace,
		Fix:       a.cfg.ValidateFix,
		Playing:   a.player.Playing,
	}
	return cache.NewSweeper(a.store, a.layout, cfg, logger.Component("cache"))
}

func (a *app) registerDaemons() {
	a.daemons.RegisterDaemon("sweeper", func(ctx context.Context) (bool, func(), func()) {
		if !a.cfg.ValidateEnabled {
			return false, nil, nil
		}
		ctx, cancel := context.WithCancel(ctx)
		sw := a.sweeper(a.cfg.ValidateBatch)
		return true, func() { sw.Run(ctx) }, cancel
	})
	a.daemons.RegisterDaemon("metrics", func(ctx context.Context) (bool, func(), func()) {
		if a.cfg.MetricsAddr == "" {
			return false, nil, nil
		}
		ctx, cancel := context.WithCancel(ctx)
		return true, func() {
			if err := metrics.Serve(ctx, a.cfg.MetricsAddr); err != nil {
				logger.Component("daemon").Error(fmt.Sprintf(logger.MsgGenericError, err))
			}
		}, cancel
	})
}

// close stops everything in dependency order: sessions, downloads, daemons,
// then the catalog.
func (a *app) close(ctx context.Context) {
	if err := a.player.Shutdown(ctx); err != nil {
		logger.Warn(logger.MsgGenericError, err)
	}
	a.downloads.Close()
	if err := a.daemons.ShutdownDaemons(ctx); err != nil {
		logger.Warn(logger.MsgGenericError, err)
	}
	if err := a.store.Close(); err != nil {
		logger.Warn(logger.MsgGenericError, err)
	}
}

// withApp runs fn against a pipeline with a discard output.
func withApp(ctx context.Context, cfg *config.Config, fn func(*app) error) error {
	a, err := newApp(ctx, cfg, playback.DiscardConnector{})
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(a)
}
