// Package usage tracks how often each cached phrase is requested and turns
// that history into tier placement strategies and popularity rankings.
package usage

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/yelban/roast-sub000/cache"
)

const (
	Retention        = 30 * 24 * time.Hour
	maxAverageWeight = 10
	decayDays        = 30.0
)

// Metric is the usage record of one cache key
type Metric struct {
	Key                 string    `json:"key"`
	SourceText          string    `json:"sourceText"`
	HitCount            int       `json:"hitCount"`
	LastUsedAt          time.Time `json:"lastUsedAt"`
	AverageResponseTime float64   `json:"averageResponseTime"` // milliseconds
	CreatedAt           time.Time `json:"createdAt"`
}

// Ranked pairs a metric with its popularity score
type Ranked struct {
	Metric
	Score float64 `json:"score"`
}

// Hit is one access to a cached phrase
type Hit struct {
	Key        string
	Text       string
	ResponseMs float64
	At         time.Time
}

// Store persists metrics
type Store interface {
	// Get returns ok=false when the key has no record
	Get(ctx context.Context, key string) (m Metric, ok bool, err error)
	Put(ctx context.Context, m Metric) error
	// Increment applies h to the record of h.Key as one atomic update,
	// creating the record when missing, and returns the result. It must
	// stay atomic across every process sharing the store.
	Increment(ctx context.Context, h Hit) (Metric, error)
	// DeleteOlderThan removes metrics last used before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	All(ctx context.Context) ([]Metric, error)
}

type TrackerConfig struct {
	Store  Store
	Now    func() time.Time
	Logger zerolog.Logger
}

// Tracker records accesses through Store.Increment, so trackers in
// different processes can share one store
type Tracker struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errors.New("usage: store is required")
	}
	t := &Tracker{
		store: cfg.Store,
		now:   cfg.Now,
		log:   cfg.Logger.With().Str("component", "usage").Logger(),
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t, nil
}

// Record counts one access to key. responseMs feeds a moving average whose
// weight is capped at the last 10 samples. Stale records are pruned on
// every write.
func (t *Tracker) Record(ctx context.Context, key cache.Key, text string, responseMs float64) error {
	now := t.now().UTC()
	if _, err := t.store.Increment(ctx, Hit{Key: string(key), Text: text, ResponseMs: responseMs, At: now}); err != nil {
		return err
	}

	n, err := t.store.DeleteOlderThan(ctx, now.Add(-Retention))
	if err != nil {
		t.log.Warn().Err(err).Msg("prune failed")
	} else if n > 0 {
		t.log.Debug().Int("pruned", n).Msg("pruned stale usage records")
	}
	return nil
}

// applyHit is the update rule shared by the in-process stores. PGStore
// expresses the same rule in SQL.
func applyHit(m Metric, ok bool, h Hit) Metric {
	if !ok {
		return Metric{
			Key:                 h.Key,
			SourceText:          h.Text,
			HitCount:            1,
			LastUsedAt:          h.At,
			AverageResponseTime: h.ResponseMs,
			CreatedAt:           h.At,
		}
	}
	m.HitCount++
	m.LastUsedAt = h.At
	if m.SourceText == "" {
		m.SourceText = h.Text
	}
	w := float64(min(m.HitCount, maxAverageWeight))
	m.AverageResponseTime = (m.AverageResponseTime*(w-1) + h.ResponseMs) / w
	return m
}

// Get returns the record for key
func (t *Tracker) Get(ctx context.Context, key cache.Key) (Metric, bool, error) {
	return t.store.Get(ctx, string(key))
}

// Classify picks a placement strategy for key. Lookup errors fall back to
// standard so that a broken metrics store never blocks serving.
func (t *Tracker) Classify(ctx context.Context, key cache.Key) cache.Strategy {
	m, ok, err := t.store.Get(ctx, string(key))
	if err != nil {
		t.log.Warn().Err(err).Str("key", string(key)).Msg("classify: metrics lookup failed")
		return cache.StrategyStandard
	}
	if !ok {
		return cache.StrategyStandard
	}
	return ClassifyMetric(m, t.now())
}

// ClassifyMetric applies the placement rules to a single record
func ClassifyMetric(m Metric, now time.Time) cache.Strategy {
	days := daysSince(m.LastUsedAt, now)
	switch {
	case m.HitCount >= 20 || (m.HitCount >= 5 && days <= 7):
		return cache.StrategyEager
	case m.HitCount <= 2 && days > 30:
		return cache.StrategyMinimal
	default:
		return cache.StrategyStandard
	}
}

// RankPopular scores every record as hits * exp(-days/30) and returns the
// top limit entries, highest first. limit <= 0 returns all of them.
func (t *Tracker) RankPopular(ctx context.Context, limit int) ([]Ranked, error) {
	all, err := t.store.All(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	ranked := make([]Ranked, 0, len(all))
	for _, m := range all {
		ranked = append(ranked, Ranked{Metric: m, Score: Score(m, now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Key < ranked[j].Key
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// Score is the popularity score of m at now
func Score(m Metric, now time.Time) float64 {
	return float64(m.HitCount) * math.Exp(-daysSince(m.LastUsedAt, now)/decayDays)
}

func daysSince(t, now time.Time) float64 {
	d := now.Sub(t).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}
