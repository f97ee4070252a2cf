package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yelban/roast-sub000/internal/app"
	"github.com/yelban/roast-sub000/internal/config"
	"github.com/yelban/roast-sub000/internal/jobs"
	"github.com/yelban/roast-sub000/internal/prewarm"
	"github.com/yelban/roast-sub000/internal/speech"
)

var errAllFailed = errors.New("every phrase failed")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := app.NewLogger(cfg).With().Str("service", "worker").Logger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build app")
	}
	defer a.Close()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    2,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueuePrewarm: 10,
			"default":         5,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskPrewarm, prewarmHandler(a, logger))

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	if cfg.Prewarm.Schedule != "" {
		task, err := jobs.NewPrewarmTask(jobs.PrewarmPayload{})
		if err != nil {
			logger.Fatal().Err(err).Msg("build prewarm task")
		}
		entryID, err := scheduler.Register(cfg.Prewarm.Schedule, task)
		if err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.Prewarm.Schedule).Msg("register prewarm schedule")
		}
		logger.Info().Str("entry", entryID).Str("schedule", cfg.Prewarm.Schedule).Msg("prewarm scheduled")
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	logger.Info().Msg("worker running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	scheduler.Shutdown()
	srv.Shutdown()
}

type runner interface {
	Run(ctx context.Context, phrases []string, force bool) (prewarm.Status, error)
}

type phraseSource func(ctx context.Context, sources []string) ([]string, error)

func prewarmHandler(a *app.App, logger zerolog.Logger) asynq.HandlerFunc {
	return newPrewarmHandler(a.Prewarm, a.PrewarmPhrases, logger)
}

func newPrewarmHandler(r runner, phrases phraseSource, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := jobs.ParsePrewarmPayload(t)
		if err != nil {
			logger.Error().Err(err).Msg("bad prewarm payload")
			return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
		}

		start := time.Now()
		err = runPrewarm(ctx, r, phrases, p, logger)
		duration := time.Since(start)

		if err != nil {
			if isRetryableError(err) {
				logger.Warn().Err(err).Dur("duration", duration).Msg("prewarm failed, will retry")
				return err
			}
			logger.Error().Err(err).Dur("duration", duration).Msg("prewarm failed permanently, dropping job")
			return nil
		}
		logger.Info().Dur("duration", duration).Msg("prewarm job done")
		return nil
	}
}

func runPrewarm(ctx context.Context, r runner, source phraseSource, p jobs.PrewarmPayload, logger zerolog.Logger) error {
	list := p.Phrases
	if len(list) == 0 {
		var err error
		list, err = source(ctx, p.Sources)
		if err != nil {
			return fmt.Errorf("collect phrases: %w", err)
		}
	}

	st, err := r.Run(ctx, list, p.Force)
	if err != nil {
		return err
	}
	logger.Info().
		Str("run", st.RunID).
		Int("total", st.Total).
		Int("completed", st.Completed).
		Int("skipped", st.Skipped).
		Int("failed", st.Failed).
		Msg("prewarm run finished")
	if st.Total > 0 && st.Failed == st.Total {
		return fmt.Errorf("%w: %d phrases", errAllFailed, st.Failed)
	}
	return nil
}

// isRetryableError determines if an error should trigger a job retry
func isRetryableError(err error) bool {
	// Another run holds the controller - try again later
	if errors.Is(err, prewarm.ErrInProgress) {
		return true
	}
	// Nothing to do until phrases exist
	if errors.Is(err, prewarm.ErrNoPhrases) {
		return false
	}
	// Network/connectivity issues - should retry
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Provider rate limiting and server errors - should retry
	var synthErr *speech.SynthesisError
	if errors.As(err, &synthErr) {
		return synthErr.Status == 429 || synthErr.Status >= 500
	}
	// Token refresh failures might be temporary
	var tokenErr *speech.TokenFetchError
	if errors.As(err, &tokenErr) {
		return tokenErr.Status == 0 || tokenErr.Status == 429 || tokenErr.Status >= 500
	}
	// Every item failing usually means the provider is down
	if errors.Is(err, errAllFailed) {
		return true
	}
	return false
}
