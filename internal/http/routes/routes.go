package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/yelban/roast-sub000/internal/audio"
	appmw "github.com/yelban/roast-sub000/internal/http/middleware"
	"github.com/yelban/roast-sub000/internal/objectstore"
	"github.com/yelban/roast-sub000/internal/prewarm"
	"github.com/yelban/roast-sub000/internal/speech"
	"github.com/yelban/roast-sub000/internal/usage"
)

const (
	defaultPopularLimit = 20
	maxPopularLimit     = 500
	maxPrewarmBody      = 1 << 20
)

type Speaker interface {
	Speak(ctx context.Context, text string) (audio.Result, error)
}

type Prewarmer interface {
	Start(ctx context.Context, phrases []string, force bool) (prewarm.Status, error)
	Status() prewarm.Status
}

type Ranker interface {
	RankPopular(ctx context.Context, limit int) ([]usage.Ranked, error)
}

type Lister interface {
	List(ctx context.Context, prefix string) ([]objectstore.Object, error)
}

// PhraseFunc resolves prewarm phrases from named sources, or the default set
// when sources is empty
type PhraseFunc func(ctx context.Context, sources []string) ([]string, error)

type Server struct {
	Router   *chi.Mux
	Audio    Speaker
	Prewarm  Prewarmer
	Popular  Ranker
	Objects  Lister // nil when no object store is configured
	Phrases  PhraseFunc
	AdminKey string
}

type ServerOptions struct {
	Audio    Speaker
	Prewarm  Prewarmer
	Popular  Ranker
	Objects  Lister
	Phrases  PhraseFunc
	AdminKey string
	Logger   zerolog.Logger
	// Metrics serves /metrics; defaults to the default prometheus registry
	Metrics http.Handler
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:   r,
		Audio:    opts.Audio,
		Prewarm:  opts.Prewarm,
		Popular:  opts.Popular,
		Objects:  opts.Objects,
		Phrases:  opts.Phrases,
		AdminKey: opts.AdminKey,
	}

	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	r.Handle("/metrics", metricsHandler)

	r.Get("/api/tts", s.handleSpeak)
	r.Get("/api/prewarm", s.handlePrewarmStatus)
	r.Get("/api/cache/popular", s.handlePopular)

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.RequireAdminKey(s.AdminKey))
		pr.Post("/api/prewarm", s.handlePrewarmStart)
		pr.Get("/api/cache/objects", s.handleObjects)
	})

	return s
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, map[string]string{"error": msg})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	res, err := s.Audio.Speak(r.Context(), text)
	if err != nil {
		log := hlog.FromRequest(r)
		var synthErr *speech.SynthesisError
		var tokenErr *speech.TokenFetchError
		switch {
		case errors.Is(err, audio.ErrEmptyText), errors.Is(err, audio.ErrTextTooLong):
			s.writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.As(err, &synthErr), errors.As(err, &tokenErr):
			log.Error().Err(err).Msg("synthesis failed")
			s.writeError(w, r, http.StatusBadGateway, "speech synthesis failed")
		case errors.Is(err, audio.ErrClosed):
			s.writeError(w, r, http.StatusServiceUnavailable, "shutting down")
		case errors.Is(err, context.Canceled):
			log.Debug().Msg("client went away")
		default:
			log.Error().Err(err).Msg("speak failed")
			s.writeError(w, r, http.StatusInternalServerError, "could not produce audio")
		}
		return
	}

	h := w.Header()
	h.Set("Content-Type", "audio/mpeg")
	h.Set("Content-Length", strconv.Itoa(len(res.Audio)))
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	h.Set("ETag", `"`+res.Key.String()+`"`)
	h.Set("X-Cache-Key", res.Key.String())
	h.Set("X-Cache-Tier", string(res.Tier))
	if _, err := w.Write(res.Audio); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("write audio")
	}
}

func (s *Server) handlePrewarmStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.Prewarm.Status())
}

type prewarmRequest struct {
	Phrases []string `json:"phrases"`
	Sources []string `json:"sources"`
	Force   bool     `json:"force"`
}

func (s *Server) handlePrewarmStart(w http.ResponseWriter, r *http.Request) {
	var req prewarmRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPrewarmBody))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if v := r.URL.Query().Get("force"); v != "" {
		req.Force, _ = strconv.ParseBool(v)
	}

	phrases := req.Phrases
	if len(phrases) == 0 && s.Phrases != nil {
		var err error
		phrases, err = s.Phrases(r.Context(), req.Sources)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("collect prewarm phrases")
			s.writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	st, err := s.Prewarm.Start(r.Context(), phrases, req.Force)
	switch {
	case errors.Is(err, prewarm.ErrInProgress):
		s.writeJSON(w, r, http.StatusConflict, s.Prewarm.Status())
	case errors.Is(err, prewarm.ErrNoPhrases):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("start prewarm")
		s.writeError(w, r, http.StatusInternalServerError, "could not start prewarm")
	default:
		hlog.FromRequest(r).Info().Str("run_id", st.RunID).Int("total", st.Total).Bool("force", st.Force).Msg("prewarm started")
		s.writeJSON(w, r, http.StatusAccepted, st)
	}
}

func (s *Server) handlePopular(w http.ResponseWriter, r *http.Request) {
	limit := defaultPopularLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPopularLimit)
	}

	ranked, err := s.Popular.RankPopular(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("rank popular")
		s.writeError(w, r, http.StatusInternalServerError, "could not load usage")
		return
	}
	if ranked == nil {
		ranked = []usage.Ranked{}
	}
	s.writeJSON(w, r, http.StatusOK, ranked)
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	if s.Objects == nil {
		s.writeError(w, r, http.StatusNotFound, "object store not configured")
		return
	}
	objects, err := s.Objects.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list objects")
		s.writeError(w, r, http.StatusBadGateway, "could not list objects")
		return
	}
	if objects == nil {
		objects = []objectstore.Object{}
	}
	s.writeJSON(w, r, http.StatusOK, objects)
}
