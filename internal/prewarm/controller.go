// Package prewarm fills the audio cache ahead of demand in small,
// rate-limited batches. Only one run may be active at a time.
package prewarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yelban/roast-sub000/internal/audio"
	"github.com/yelban/roast-sub000/internal/metrics"
)

const (
	DefaultBatchSize  = 3
	DefaultBatchDelay = time.Second
	maxStatusErrors   = 10
)

var (
	// ErrInProgress is returned when a run is requested while one is active
	ErrInProgress = errors.New("prewarm already in progress")
	ErrNoPhrases  = errors.New("no phrases to prewarm")
)

// ItemError is the failure of a single phrase. It never aborts the run.
type ItemError struct {
	Phrase string
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("prewarm %q: %v", e.Phrase, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Warmer caches a single phrase
type Warmer interface {
	Warm(ctx context.Context, text string, force bool) (audio.Result, error)
}

// Status is a snapshot of the current or last run. Completed counts every
// phrase that ended up cached, Skipped the subset that already was.
type Status struct {
	RunID      string     `json:"runId,omitempty"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	InProgress bool       `json:"inProgress"`
	Force      bool       `json:"force"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	Errors     []string   `json:"errors,omitempty"`
}

type Config struct {
	Warmer    Warmer
	BatchSize int
	// BatchDelay separates consecutive batches; negative disables it
	BatchDelay time.Duration
	// Sleep waits between batches; tests replace it to observe delays
	Sleep  func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
	Logger zerolog.Logger
}

type Controller struct {
	warmer     Warmer
	batchSize  int
	batchDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	log        zerolog.Logger

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Warmer == nil {
		return nil, errors.New("prewarm: warmer is required")
	}
	c := &Controller{
		warmer:     cfg.Warmer,
		batchSize:  cfg.BatchSize,
		batchDelay: cfg.BatchDelay,
		sleep:      cfg.Sleep,
		now:        cfg.Now,
		log:        cfg.Logger.With().Str("component", "prewarm").Logger(),
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.batchDelay < 0 {
		c.batchDelay = 0
	} else if c.batchDelay == 0 {
		c.batchDelay = DefaultBatchDelay
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Status returns a copy of the current status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Run prewarms phrases and blocks until every batch is done
func (c *Controller) Run(ctx context.Context, phrases []string, force bool) (Status, error) {
	ctx, items, err := c.begin(ctx, phrases, force)
	if err != nil {
		return c.Status(), err
	}
	c.run(ctx, items)
	return c.Status(), nil
}

// Start begins a run in the background and returns the initial status.
// The run outlives ctx; use Cancel to stop it.
func (c *Controller) Start(ctx context.Context, phrases []string, force bool) (Status, error) {
	rctx, items, err := c.begin(context.WithoutCancel(ctx), phrases, force)
	if err != nil {
		return c.Status(), err
	}
	st := c.Status()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(rctx, items)
	}()
	return st, nil
}

// Cancel stops the active run after the current batch
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait blocks until background runs started with Start have finished
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) begin(ctx context.Context, phrases []string, force bool) (context.Context, []string, error) {
	items := dedupe(phrases)
	if len(items) == 0 {
		return nil, nil, ErrNoPhrases
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.InProgress {
		return nil, nil, ErrInProgress
	}

	started := c.now().UTC()
	c.status = Status{
		RunID:      uuid.NewString(),
		Total:      len(items),
		InProgress: true,
		Force:      force,
		StartedAt:  &started,
		LastRunAt:  c.status.LastRunAt,
	}
	rctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	metrics.PrewarmInProgress.Set(1)
	return rctx, items, nil
}

func (c *Controller) run(ctx context.Context, items []string) {
	c.mu.Lock()
	runID, force := c.status.RunID, c.status.Force
	c.mu.Unlock()

	log := c.log.With().Str("run", runID).Logger()
	log.Info().Int("total", len(items)).Bool("force", force).Msg("prewarm started")

	for start := 0; start < len(items); start += c.batchSize {
		if start > 0 {
			if err := c.sleep(ctx, c.batchDelay); err != nil {
				log.Warn().Err(err).Int("remaining", len(items)-start).Msg("prewarm stopped")
				break
			}
		}
		end := min(start+c.batchSize, len(items))

		var g errgroup.Group
		for _, phrase := range items[start:end] {
			g.Go(func() error {
				c.warmOne(ctx, log, phrase, force)
				return nil
			})
		}
		_ = g.Wait()
	}

	c.mu.Lock()
	finished := c.now().UTC()
	c.status.InProgress = false
	c.status.LastRunAt = &finished
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	st := c.snapshot()
	c.mu.Unlock()
	metrics.PrewarmInProgress.Set(0)

	log.Info().
		Int("completed", st.Completed).
		Int("skipped", st.Skipped).
		Int("failed", st.Failed).
		Msg("prewarm finished")
}

func (c *Controller) warmOne(ctx context.Context, log zerolog.Logger, phrase string, force bool) {
	res, err := c.warmer.Warm(ctx, phrase, force)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		ierr := &ItemError{Phrase: phrase, Err: err}
		c.status.Failed++
		if len(c.status.Errors) < maxStatusErrors {
			c.status.Errors = append(c.status.Errors, ierr.Error())
		}
		metrics.PrewarmItems.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("phrase", phrase).Msg("prewarm item failed")
		return
	}
	c.status.Completed++
	if res.Synthesized {
		metrics.PrewarmItems.WithLabelValues("synthesized").Inc()
	} else {
		c.status.Skipped++
		metrics.PrewarmItems.WithLabelValues("skipped").Inc()
	}
}

// snapshot must be called with mu held
func (c *Controller) snapshot() Status {
	st := c.status
	st.Errors = append([]string(nil), c.status.Errors...)
	return st
}

func dedupe(phrases []string) []string {
	seen := make(map[string]struct{}, len(phrases))
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
