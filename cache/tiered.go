package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yelban/roast-sub000/internal/metrics"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// WriteResult reports the outcome of one background tier write
type WriteResult struct {
	Key      Key
	Tier     TierName
	Backfill bool // true for promotions after a slower-tier hit
	Err      error
}

type OrchestratorConfig struct {
	Edge         Tier
	ObjectStore  Tier // optional
	Blob         Tier // optional
	ProbeTimeout time.Duration
	WriteTimeout time.Duration
	// OnWrite is called after every background write, from the writing goroutine
	OnWrite func(WriteResult)
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Orchestrator probes edge, object store and blob in that order and keeps
// faster tiers filled from slower ones.
type Orchestrator struct {
	edge, object, blob Tier

	probeTimeout time.Duration
	writeTimeout time.Duration
	onWrite      func(WriteResult)
	log          zerolog.Logger
	now          func() time.Time

	wg sync.WaitGroup
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Edge == nil {
		return nil, errors.New("cache: edge tier is required")
	}
	o := &Orchestrator{
		edge:         cfg.Edge,
		object:       cfg.ObjectStore,
		blob:         cfg.Blob,
		probeTimeout: cfg.ProbeTimeout,
		writeTimeout: cfg.WriteTimeout,
		onWrite:      cfg.OnWrite,
		log:          cfg.Logger.With().Str("component", "tiered-cache").Logger(),
		now:          cfg.Now,
	}
	if o.probeTimeout <= 0 {
		o.probeTimeout = DefaultProbeTimeout
	}
	if o.writeTimeout <= 0 {
		o.writeTimeout = DefaultWriteTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Lookup returns the first tier holding key. A tier that errors counts as a
// miss for that tier. The returned entry has Tier == TierMiss when nothing
// was found; the only error returned is the caller's context error.
func (o *Orchestrator) Lookup(ctx context.Context, key Key, strategy Strategy) (Entry, error) {
	for _, t := range o.tiers() {
		audio, ok := o.probe(ctx, t, key)
		if !ok {
			if err := ctx.Err(); err != nil {
				return Entry{Key: key, Tier: TierMiss}, err
			}
			continue
		}

		name := t.Name()
		metrics.TierLookups.WithLabelValues(string(name)).Inc()
		o.promote(ctx, key, name, audio, strategy)
		return Entry{Key: key, Audio: audio, Tier: name, Metadata: Metadata{Size: len(audio)}}, nil
	}

	metrics.TierLookups.WithLabelValues(string(TierMiss)).Inc()
	return Entry{Key: key, Tier: TierMiss}, nil
}

// Store writes to the edge tier before returning and to the durable tiers in
// the background. Durable failures are logged and reported through OnWrite;
// they never undo the edge write.
func (o *Orchestrator) Store(ctx context.Context, key Key, audio []byte, meta Metadata) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = o.now().UTC()
	}
	if meta.Size == 0 {
		meta.Size = len(audio)
	}

	wctx, cancel := context.WithTimeout(ctx, o.writeTimeout)
	err := o.edge.Put(wctx, key, audio, meta)
	cancel()
	if err != nil {
		o.log.Warn().Err(err).Str("key", string(key)).Msg("edge write failed")
	}

	for _, t := range []Tier{o.object, o.blob} {
		if t != nil {
			o.writeAsync(ctx, t, key, audio, meta, false)
		}
	}
	return err
}

// Wait blocks until every background write started so far has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) tiers() []Tier {
	ts := []Tier{o.edge}
	if o.object != nil {
		ts = append(ts, o.object)
	}
	if o.blob != nil {
		ts = append(ts, o.blob)
	}
	return ts
}

func (o *Orchestrator) probe(ctx context.Context, t Tier, key Key) ([]byte, bool) {
	pctx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	audio, err := t.Get(pctx, key)
	switch {
	case err == nil && len(audio) > 0:
		return audio, true
	case err == nil, errors.Is(err, ErrMiss):
		return nil, false
	default:
		metrics.TierErrors.WithLabelValues(string(t.Name())).Inc()
		o.log.Warn().Err(err).Str("tier", string(t.Name())).Str("key", string(key)).Msg("tier read failed, treating as miss")
		return nil, false
	}
}

// promote backfills faster tiers after a hit in a slower one.
// minimal keys stay where they are, standard keys are copied to edge and
// eager keys found only in blob are also copied into the object store.
func (o *Orchestrator) promote(ctx context.Context, key Key, hit TierName, audio []byte, strategy Strategy) {
	if hit == TierEdge || strategy == StrategyMinimal {
		return
	}
	meta := Metadata{CreatedAt: o.now().UTC(), Size: len(audio)}
	o.writeAsync(ctx, o.edge, key, audio, meta, true)
	if hit == TierBlob && strategy == StrategyEager && o.object != nil {
		o.writeAsync(ctx, o.object, key, audio, meta, true)
	}
}

func (o *Orchestrator) writeAsync(ctx context.Context, t Tier, key Key, audio []byte, meta Metadata, backfill bool) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.writeTimeout)
		defer cancel()

		err := t.Put(wctx, key, audio, meta)
		result := "ok"
		if err != nil {
			result = "error"
			o.log.Warn().Err(err).Str("tier", string(t.Name())).Str("key", string(key)).Bool("backfill", backfill).Msg("background write failed")
		}
		metrics.BackgroundWrites.WithLabelValues(string(t.Name()), result).Inc()

		if o.onWrite != nil {
			o.onWrite(WriteResult{Key: key, Tier: t.Name(), Backfill: backfill, Err: err})
		}
	}()
}
