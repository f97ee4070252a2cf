package audio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yelban/roast-sub000/cache"
	"github.com/yelban/roast-sub000/internal/speech"
	"github.com/yelban/roast-sub000/internal/usage"
)

type fakeSynth struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte("mp3:" + text), nil
}

type harness struct {
	svc     *Service
	synth   *fakeSynth
	orch    *cache.Orchestrator
	edge    *cache.Edge
	tracker *usage.Tracker
}

func newHarness(t *testing.T, synth *fakeSynth) *harness {
	t.Helper()
	edge := cache.NewEdge(cache.NewMemoryKV(), "tts", 0)
	orch, err := cache.NewOrchestrator(cache.OrchestratorConfig{Edge: edge})
	require.NoError(t, err)
	tracker, err := usage.NewTracker(usage.TrackerConfig{Store: usage.NewMemoryStore()})
	require.NoError(t, err)
	svc, err := NewService(Config{Cache: orch, Synthesizer: synth, Usage: tracker})
	require.NoError(t, err)
	return &harness{svc: svc, synth: synth, orch: orch, edge: edge, tracker: tracker}
}

func TestSpeakMissThenEdgeHit(t *testing.T) {
	h := newHarness(t, &fakeSynth{})
	ctx := context.Background()

	first, err := h.svc.Speak(ctx, "上ロース")
	require.NoError(t, err)
	assert.Equal(t, cache.TierMiss, first.Tier)
	assert.True(t, first.Synthesized)
	assert.Equal(t, []byte("mp3:上ロース"), first.Audio)
	assert.Equal(t, cache.Key("89f2fb76daa617687e48c7ba21f9e264f24c3560ada727a92aff60e1e4f3021a"), first.Key)

	second, err := h.svc.Speak(ctx, "上ロース")
	require.NoError(t, err)
	assert.Equal(t, cache.TierEdge, second.Tier)
	assert.False(t, second.Synthesized)
	assert.Equal(t, first.Audio, second.Audio)
	assert.Equal(t, int32(1), h.synth.calls.Load())

	m, ok, err := h.tracker.Get(ctx, first.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, m.HitCount)
	assert.Equal(t, "上ロース", m.SourceText)
}

func TestSpeakConcurrentSameTextSynthesizesOnce(t *testing.T) {
	synth := &fakeSynth{release: make(chan struct{})}
	h := newHarness(t, synth)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	audio := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Speak(context.Background(), "カルビ")
			errs[i] = err
			audio[i] = res.Audio
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(synth.release)
	wg.Wait()

	assert.Equal(t, int32(1), synth.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("mp3:カルビ"), audio[i])
	}
}

func TestSpeakSynthesisErrorNotCached(t *testing.T) {
	synth := &fakeSynth{err: &speech.SynthesisError{Status: 500, Body: "boom"}}
	h := newHarness(t, synth)
	ctx := context.Background()

	_, err := h.svc.Speak(ctx, "タン塩")
	var se *speech.SynthesisError
	require.ErrorAs(t, err, &se)

	_, err = h.edge.Get(ctx, cache.Derive("タン塩"))
	assert.ErrorIs(t, err, cache.ErrMiss)

	synth.err = nil
	res, err := h.svc.Speak(ctx, "タン塩")
	require.NoError(t, err)
	assert.True(t, res.Synthesized)
	assert.Equal(t, int32(2), synth.calls.Load())
}

func TestSpeakValidation(t *testing.T) {
	h := newHarness(t, &fakeSynth{})
	_, err := h.svc.Speak(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = h.svc.Speak(context.Background(), strings.Repeat("あ", DefaultMaxTextLength+1))
	assert.ErrorIs(t, err, ErrTextTooLong)
	assert.Equal(t, int32(0), h.synth.calls.Load())
}

func TestSpeakCallerCancelStillStores(t *testing.T) {
	synth := &fakeSynth{release: make(chan struct{})}
	h := newHarness(t, synth)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Speak(ctx, "ハラミ")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	close(synth.release)
	require.Eventually(t, func() bool {
		_, err := h.edge.Get(context.Background(), cache.Derive("ハラミ"))
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

// recordingCache counts stores that reach the cache
type recordingCache struct {
	*cache.Orchestrator
	stores atomic.Int32
}

func (c *recordingCache) Store(ctx context.Context, key cache.Key, audio []byte, meta cache.Metadata) error {
	time.Sleep(10 * time.Millisecond)
	c.stores.Add(1)
	return c.Orchestrator.Store(ctx, key, audio, meta)
}

func TestCloseWaitsForAbandonedSynthesis(t *testing.T) {
	synth := &fakeSynth{release: make(chan struct{})}
	h := newHarness(t, synth)
	rc := &recordingCache{Orchestrator: h.orch}
	svc, err := NewService(Config{Cache: rc, Synthesizer: synth})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Speak(ctx, "ハラミ")
		done <- err
	}()
	require.Eventually(t, func() bool { return synth.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while synthesis was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(synth.release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after synthesis finished")
	}
	assert.Equal(t, int32(1), rc.stores.Load(), "audio is stored before Close returns")
	h.orch.Wait()
	_, err = h.edge.Get(context.Background(), cache.Derive("ハラミ"))
	assert.NoError(t, err)

	_, err = svc.Speak(context.Background(), "タン塩")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = svc.Warm(context.Background(), "タン塩", true)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWarm(t *testing.T) {
	h := newHarness(t, &fakeSynth{})
	ctx := context.Background()

	res, err := h.svc.Warm(ctx, "上ロース", false)
	require.NoError(t, err)
	assert.True(t, res.Synthesized)

	res, err = h.svc.Warm(ctx, "上ロース", false)
	require.NoError(t, err)
	assert.False(t, res.Synthesized)
	assert.Equal(t, cache.TierEdge, res.Tier)

	res, err = h.svc.Warm(ctx, "上ロース", true)
	require.NoError(t, err)
	assert.True(t, res.Synthesized)
	assert.Equal(t, int32(2), h.synth.calls.Load())

	_, ok, err := h.tracker.Get(ctx, cache.Derive("上ロース"))
	require.NoError(t, err)
	assert.False(t, ok, "warming is not usage")
}
