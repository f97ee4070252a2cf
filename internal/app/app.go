// Package app wires the cache tiers, speech client, usage tracker and
// prewarm controller from configuration. The API server, the worker and the
// CLI all build on it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/yelban/roast-sub000/cache"
	"github.com/yelban/roast-sub000/internal/audio"
	"github.com/yelban/roast-sub000/internal/blob"
	"github.com/yelban/roast-sub000/internal/config"
	"github.com/yelban/roast-sub000/internal/objectstore"
	"github.com/yelban/roast-sub000/internal/prewarm"
	"github.com/yelban/roast-sub000/internal/respcache"
	"github.com/yelban/roast-sub000/internal/sigv4"
	"github.com/yelban/roast-sub000/internal/speech"
	"github.com/yelban/roast-sub000/internal/usage"
)

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Cache   *cache.Orchestrator
	Objects *objectstore.Client // nil when the object store is not configured
	Tokens  *speech.TokenManager
	Speech  *speech.Client
	Usage   *usage.Tracker
	Audio   *audio.Service
	Prewarm *prewarm.Controller
	Sources *prewarm.Registry

	kv   cache.KV
	pool *pgxpool.Pool
}

// NewLogger builds the root logger. Development mode writes to the console.
func NewLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// New builds every component. Close releases the connections it opened.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	kv, err := cache.NewKV(ctx, cache.EdgeConfig{
		Driver: cfg.Edge.Driver,
		Addr:   cfg.RedisAddr,
		DB:     cfg.Edge.DB,
	})
	if err != nil {
		return fmt.Errorf("edge store: %w", err)
	}
	a.kv = kv

	oc := cache.OrchestratorConfig{
		Edge:         cache.NewEdge(kv, cfg.Edge.Prefix, cfg.Edge.TTL),
		ProbeTimeout: cfg.Cache.TierTimeout,
		WriteTimeout: cfg.Cache.WriteTimeout,
		Logger:       a.Logger,
	}

	// public reads of immutable audio share one bounded in-memory HTTP cache
	publicCache := respcache.NewTransport(cfg.Cache.HTTPCacheBytes, cfg.Cache.HTTPCacheTTL)
	publicHTTP := &http.Client{Transport: publicCache, Timeout: cfg.Cache.TierTimeout}

	if cfg.HasS3() {
		signer := sigv4.New(sigv4.Credentials{
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, cfg.S3.Region)
		objects, err := objectstore.New(cfg.S3.Endpoint, cfg.S3.Bucket, signer,
			objectstore.WithPublicURL(cfg.S3.PublicURL),
			objectstore.WithPublicHTTPClient(publicHTTP),
			objectstore.WithKeyPrefix(cfg.S3.KeyPrefix),
			objectstore.WithLogger(a.Logger),
		)
		if err != nil {
			return err
		}
		a.Objects = objects
		oc.ObjectStore = cache.NewObjectStoreTier(objects)
	}

	if cfg.HasBlob() {
		b, err := blob.New(cfg.Blob.BaseURL, cfg.Blob.Namespace,
			blob.WithUpload(cfg.Blob.UploadURL, cfg.Blob.Token),
			blob.WithHTTPClient(&http.Client{Transport: publicCache}),
		)
		if err != nil {
			return err
		}
		oc.Blob = cache.NewBlobTier(b)
	}

	a.Cache, err = cache.NewOrchestrator(oc)
	if err != nil {
		return err
	}

	store, err := a.usageStore(ctx)
	if err != nil {
		return fmt.Errorf("usage store: %w", err)
	}
	a.Usage, err = usage.NewTracker(usage.TrackerConfig{Store: store, Logger: a.Logger})
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.Speech.Timeout + 5*time.Second}
	a.Tokens, err = speech.NewTokenManager(speech.TokenManagerConfig{
		Fetcher: speech.IssueTokenFetcher(httpClient, cfg.Speech.TokenURL, cfg.Speech.SubscriptionKey, cfg.Speech.TokenLifetime, nil),
		Logger:  a.Logger,
	})
	if err != nil {
		return err
	}
	a.Speech, err = speech.New(cfg.Speech.SynthesisURL, a.Tokens,
		speech.WithHTTPClient(httpClient),
		speech.WithVoice(cfg.Speech.Language, cfg.Speech.Voice),
		speech.WithOutputFormat(cfg.Speech.OutputFormat),
		speech.WithSpeakingRate(cfg.Speech.SpeakingRate),
		speech.WithTimeout(cfg.Speech.Timeout),
		speech.WithRateLimit(cfg.Speech.RequestsPerMin),
		speech.WithLogger(a.Logger),
	)
	if err != nil {
		return err
	}

	a.Audio, err = audio.NewService(audio.Config{
		Cache:         a.Cache,
		Synthesizer:   a.Speech,
		Usage:         a.Usage,
		MaxTextLength: cfg.Cache.MaxTextLength,
		Logger:        a.Logger,
	})
	if err != nil {
		return err
	}

	a.Prewarm, err = prewarm.NewController(prewarm.Config{
		Warmer:     a.Audio,
		BatchSize:  cfg.Prewarm.BatchSize,
		BatchDelay: cfg.Prewarm.BatchDelay,
		Logger:     a.Logger,
	})
	if err != nil {
		return err
	}

	a.Sources = prewarm.NewRegistry()
	if len(cfg.Prewarm.Phrases) > 0 {
		a.Sources.Register(prewarm.StaticSource{Label: "config", List: cfg.Prewarm.Phrases})
	}
	if cfg.Prewarm.PhrasesFile != "" {
		a.Sources.Register(prewarm.MenuSource{Path: cfg.Prewarm.PhrasesFile})
	}
	a.Sources.Register(prewarm.PopularSource{Ranker: a.Usage, Limit: cfg.Prewarm.PopularLimit})
	return nil
}

func (a *App) usageStore(ctx context.Context) (usage.Store, error) {
	switch a.Config.Usage.Store {
	case "postgres":
		pool, err := pgxpool.New(ctx, a.Config.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		s := usage.NewPGStore(pool)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	case "file":
		return usage.NewFileStore(a.Config.Usage.File)
	default:
		return usage.NewMemoryStore(), nil
	}
}

// PrewarmPhrases collects phrases from the named sources. With no names it
// uses configured phrases, then the menu file, then the most popular phrases.
func (a *App) PrewarmPhrases(ctx context.Context, sources []string) ([]string, error) {
	if len(sources) > 0 {
		return a.Sources.Collect(ctx, sources...)
	}
	var names []string
	for _, n := range []string{"config", "menu", "popular"} {
		if _, ok := a.Sources.Get(n); ok {
			names = append(names, n)
		}
	}
	return a.Sources.Collect(ctx, names...)
}

// Close waits for background writes and releases connections
func (a *App) Close() {
	if a.Prewarm != nil {
		a.Prewarm.Cancel()
		a.Prewarm.Wait()
	}
	// syntheses whose callers went away still store into the cache
	if a.Audio != nil {
		a.Audio.Close()
	}
	if a.Cache != nil {
		a.Cache.Wait()
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close edge store")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
