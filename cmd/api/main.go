// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/yelban/roast-sub000/internal/app"
	"github.com/yelban/roast-sub000/internal/config"
	"github.com/yelban/roast-sub000/internal/http/routes"
	"github.com/yelban/roast-sub000/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// Logger
	logger := app.NewLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal().Err(err).Msg("register metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build app")
	}
	defer a.Close()

	opts := routes.ServerOptions{
		Audio:    a.Audio,
		Prewarm:  a.Prewarm,
		Popular:  a.Usage,
		Phrases:  a.PrewarmPhrases,
		AdminKey: cfg.AdminKey,
		Logger:   logger,
	}
	if a.Objects != nil {
		opts.Objects = a.Objects
	}
	s := routes.New(opts)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Bool("object_store", cfg.HasS3()).
			Bool("blob", cfg.HasBlob()).
			Str("edge", cfg.Edge.Driver).
			Str("usage", cfg.Usage.Store).
			Msg("starting api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}
