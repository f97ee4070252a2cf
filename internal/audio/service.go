// Package audio is the request pipeline: derive the key, look the audio up
// in the tiered cache, synthesize on a full miss, store and record usage.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/yelban/roast-sub000/cache"
	"github.com/yelban/roast-sub000/internal/speech"
)

const DefaultMaxTextLength = 500

var (
	ErrEmptyText   = errors.New("text is empty")
	ErrTextTooLong = errors.New("text is too long")
	ErrClosed      = errors.New("audio service is closed")
)

// Cache is the tiered audio cache
type Cache interface {
	Lookup(ctx context.Context, key cache.Key, strategy cache.Strategy) (cache.Entry, error)
	Store(ctx context.Context, key cache.Key, audio []byte, meta cache.Metadata) error
}

// Usage records accesses and chooses placement strategies
type Usage interface {
	Classify(ctx context.Context, key cache.Key) cache.Strategy
	Record(ctx context.Context, key cache.Key, text string, responseMs float64) error
}

// Result is the outcome of one Speak or Warm call
type Result struct {
	Key         cache.Key
	Audio       []byte
	Tier        cache.TierName
	Synthesized bool
	Duration    time.Duration
}

type Config struct {
	Cache         Cache
	Synthesizer   speech.Synthesizer
	Usage         Usage // optional
	MaxTextLength int
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Service struct {
	cache   Cache
	synth   speech.Synthesizer
	usage   Usage
	maxLen  int
	log     zerolog.Logger
	now     func() time.Time
	flights singleflight.Group

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Cache == nil || cfg.Synthesizer == nil {
		return nil, errors.New("audio: cache and synthesizer are required")
	}
	s := &Service{
		cache:  cfg.Cache,
		synth:  cfg.Synthesizer,
		usage:  cfg.Usage,
		maxLen: cfg.MaxTextLength,
		log:    cfg.Logger.With().Str("component", "audio").Logger(),
		now:    cfg.Now,
	}
	if s.maxLen <= 0 {
		s.maxLen = DefaultMaxTextLength
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Validate checks text before any work is done for it
func (s *Service) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > s.maxLen {
		return fmt.Errorf("%w: %d characters, limit %d", ErrTextTooLong, utf8.RuneCountInString(text), s.maxLen)
	}
	return nil
}

// Speak returns audio for text, synthesizing it only when no tier has it.
// Concurrent calls for the same text share one synthesis.
func (s *Service) Speak(ctx context.Context, text string) (Result, error) {
	if err := s.Validate(text); err != nil {
		return Result{}, err
	}
	start := s.now()
	key := cache.Derive(text)

	strategy := cache.StrategyStandard
	if s.usage != nil {
		strategy = s.usage.Classify(ctx, key)
	}

	entry, err := s.cache.Lookup(ctx, key, strategy)
	if err != nil {
		return Result{}, err
	}

	res := Result{Key: key, Audio: entry.Audio, Tier: entry.Tier}
	if entry.Tier == cache.TierMiss {
		audio, err := s.synthesize(ctx, key, text, false)
		if err != nil {
			return Result{}, err
		}
		res.Audio = audio
		res.Synthesized = true
	}
	res.Duration = s.now().Sub(start)

	if s.usage != nil {
		if err := s.usage.Record(ctx, key, text, float64(res.Duration.Milliseconds())); err != nil {
			s.log.Warn().Err(err).Str("key", string(key)).Msg("record usage failed")
		}
	}

	s.log.Debug().
		Str("key", string(key)).
		Str("tier", string(res.Tier)).
		Str("strategy", string(strategy)).
		Bool("synthesized", res.Synthesized).
		Dur("took", res.Duration).
		Msg("speak")
	return res, nil
}

// Warm makes sure text is cached. Unless force is set, any tier hit counts
// as warm and nothing is synthesized. Warm does not count as usage.
func (s *Service) Warm(ctx context.Context, text string, force bool) (Result, error) {
	if err := s.Validate(text); err != nil {
		return Result{}, err
	}
	start := s.now()
	key := cache.Derive(text)

	if !force {
		strategy := cache.StrategyStandard
		if s.usage != nil {
			strategy = s.usage.Classify(ctx, key)
		}
		entry, err := s.cache.Lookup(ctx, key, strategy)
		if err != nil {
			return Result{}, err
		}
		if entry.Tier != cache.TierMiss {
			return Result{Key: key, Tier: entry.Tier, Duration: s.now().Sub(start)}, nil
		}
	}

	audio, err := s.synthesize(ctx, key, text, true)
	if err != nil {
		return Result{}, err
	}
	return Result{Key: key, Audio: audio, Tier: cache.TierMiss, Synthesized: true, Duration: s.now().Sub(start)}, nil
}

// Close refuses new syntheses and waits for running ones, including those
// whose callers already gave up, to finish storing their audio.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.inflight.Wait()
}

// synthesize runs at most one synthesis per key at a time. The flight is
// detached from the first caller's cancellation; each caller still stops
// waiting when its own context ends.
func (s *Service) synthesize(ctx context.Context, key cache.Key, text string, prewarmed bool) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	ch := s.flights.DoChan(string(key), func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		audio, err := s.synth.Synthesize(fctx, text)
		if err != nil {
			return nil, err
		}
		meta := cache.Metadata{
			Text:      text,
			CreatedAt: s.now().UTC(),
			Size:      len(audio),
			Prewarmed: prewarmed,
		}
		if err := s.cache.Store(fctx, key, audio, meta); err != nil {
			s.log.Warn().Err(err).Str("key", string(key)).Msg("store after synthesis failed")
		}
		return audio, nil
	})

	select {
	case r := <-ch:
		s.inflight.Done()
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	case <-ctx.Done():
		go func() {
			<-ch
			s.inflight.Done()
		}()
		return nil, ctx.Err()
	}
}
