package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTier is an in-memory Tier that records calls and can be made to fail
type memTier struct {
	name TierName

	mu      sync.Mutex
	data    map[Key][]byte
	meta    map[Key]Metadata
	gets    int
	puts    int
	getErr  error
	putErr  error
	getWait time.Duration
}

func newMemTier(name TierName) *memTier {
	return &memTier{name: name, data: map[Key][]byte{}, meta: map[Key]Metadata{}}
}

func (m *memTier) Name() TierName { return m.name }

func (m *memTier) Get(ctx context.Context, key Key) ([]byte, error) {
	m.mu.Lock()
	m.gets++
	wait, gerr := m.getWait, m.getErr
	m.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if gerr != nil {
		return nil, gerr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return b, nil
}

func (m *memTier) Put(ctx context.Context, key Key, audio []byte, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.data[key] = audio
	m.meta[key] = meta
	return nil
}

func (m *memTier) has(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

type tiers struct {
	edge, object, blob *memTier
	writes             []WriteResult
	mu                 sync.Mutex
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *tiers) {
	t.Helper()
	ts := &tiers{
		edge:   newMemTier(TierEdge),
		object: newMemTier(TierObjectStore),
		blob:   newMemTier(TierBlob),
	}
	o, err := NewOrchestrator(OrchestratorConfig{
		Edge:         ts.edge,
		ObjectStore:  ts.object,
		Blob:         ts.blob,
		ProbeTimeout: 50 * time.Millisecond,
		OnWrite: func(r WriteResult) {
			ts.mu.Lock()
			ts.writes = append(ts.writes, r)
			ts.mu.Unlock()
		},
	})
	require.NoError(t, err)
	return o, ts
}

func TestLookupOrder(t *testing.T) {
	ctx := context.Background()
	k := Derive("上ロース")

	tests := []struct {
		name  string
		setup func(ts *tiers)
		want  TierName
	}{
		{"edge hit", func(ts *tiers) { ts.edge.data[k] = []byte("e"); ts.object.data[k] = []byte("o") }, TierEdge},
		{"object hit", func(ts *tiers) { ts.object.data[k] = []byte("o"); ts.blob.data[k] = []byte("b") }, TierObjectStore},
		{"blob hit", func(ts *tiers) { ts.blob.data[k] = []byte("b") }, TierBlob},
		{"miss", func(ts *tiers) {}, TierMiss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, ts := newTestOrchestrator(t)
			tt.setup(ts)

			e, err := o.Lookup(ctx, k, StrategyStandard)
			require.NoError(t, err)
			o.Wait()
			assert.Equal(t, tt.want, e.Tier)
			if tt.want == TierMiss {
				assert.Nil(t, e.Audio)
			} else {
				assert.NotEmpty(t, e.Audio)
			}
		})
	}
}

func TestLookupEdgeHitSkipsSlowerTiers(t *testing.T) {
	o, ts := newTestOrchestrator(t)
	k := Derive("hello")
	ts.edge.data[k] = []byte("e")

	_, err := o.Lookup(context.Background(), k, StrategyStandard)
	require.NoError(t, err)
	assert.Equal(t, 0, ts.object.gets)
	assert.Equal(t, 0, ts.blob.gets)
}

func TestLookupBackfillsEdge(t *testing.T) {
	o, ts := newTestOrchestrator(t)
	k := Derive("hello")
	ts.object.data[k] = []byte("from-object")

	e, err := o.Lookup(context.Background(), k, StrategyStandard)
	require.NoError(t, err)
	assert.Equal(t, TierObjectStore, e.Tier)

	o.Wait()
	assert.True(t, ts.edge.has(k))
	require.Len(t, ts.writes, 1)
	assert.Equal(t, WriteResult{Key: k, Tier: TierEdge, Backfill: true}, ts.writes[0])

	e, err = o.Lookup(context.Background(), k, StrategyStandard)
	require.NoError(t, err)
	assert.Equal(t, TierEdge, e.Tier)
}

func TestLookupStrategyPlacement(t *testing.T) {
	k := Derive("hello")

	t.Run("minimal does not promote", func(t *testing.T) {
		o, ts := newTestOrchestrator(t)
		ts.blob.data[k] = []byte("b")
		_, err := o.Lookup(context.Background(), k, StrategyMinimal)
		require.NoError(t, err)
		o.Wait()
		assert.False(t, ts.edge.has(k))
		assert.False(t, ts.object.has(k))
	})

	t.Run("standard promotes blob to edge only", func(t *testing.T) {
		o, ts := newTestOrchestrator(t)
		ts.blob.data[k] = []byte("b")
		_, err := o.Lookup(context.Background(), k, StrategyStandard)
		require.NoError(t, err)
		o.Wait()
		assert.True(t, ts.edge.has(k))
		assert.False(t, ts.object.has(k))
	})

	t.Run("eager promotes blob to edge and object store", func(t *testing.T) {
		o, ts := newTestOrchestrator(t)
		ts.blob.data[k] = []byte("b")
		_, err := o.Lookup(context.Background(), k, StrategyEager)
		require.NoError(t, err)
		o.Wait()
		assert.True(t, ts.edge.has(k))
		assert.True(t, ts.object.has(k))
	})
}

func TestLookupTierFailureIsMiss(t *testing.T) {
	o, ts := newTestOrchestrator(t)
	k := Derive("hello")
	ts.edge.getErr = &UnavailableError{Tier: TierEdge, Err: errors.New("connection refused")}
	ts.blob.data[k] = []byte("b")

	e, err := o.Lookup(context.Background(), k, StrategyStandard)
	require.NoError(t, err)
	assert.Equal(t, TierBlob, e.Tier)
	o.Wait()
}

func TestLookupProbeTimeout(t *testing.T) {
	o, ts := newTestOrchestrator(t)
	k := Derive("hello")
	ts.object.getWait = time.Second
	ts.blob.data[k] = []byte("b")

	start := time.Now()
	e, err := o.Lookup(context.Background(), k, StrategyStandard)
	require.NoError(t, err)
	assert.Equal(t, TierBlob, e.Tier)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	o.Wait()
}

func TestLookupCallerCancelled(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := o.Lookup(ctx, Derive("hello"), StrategyStandard)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, TierMiss, e.Tier)
}

func TestStoreWritesEveryTier(t *testing.T) {
	o, ts := newTestOrchestrator(t)
	k := Derive("上ロース")

	require.NoError(t, o.Store(context.Background(), k, []byte("audio"), Metadata{Text: "上ロース"}))
	assert.True(t, ts.edge.has(k), "edge is written before Store returns")

	o.Wait()
	assert.True(t, ts.object.has(k))
	assert.True(t, ts.blob.has(k))
	assert.Equal(t, "上ロース", ts.object.meta[k].Text)
	assert.Equal(t, 5, ts.object.meta[k].Size)
	assert.False(t, ts.object.meta[k].CreatedAt.IsZero())
	assert.Len(t, ts.writes, 2)
}

func TestStoreDurableFailureKeepsEdge(t *testing.T) {
	o, ts := newTestOrchestrator(t)
	k := Derive("hello")
	ts.object.putErr = errors.New("503 slow down")

	require.NoError(t, o.Store(context.Background(), k, []byte("audio"), Metadata{}))
	o.Wait()

	assert.True(t, ts.edge.has(k))
	assert.True(t, ts.blob.has(k))

	var failed []WriteResult
	for _, w := range ts.writes {
		if w.Err != nil {
			failed = append(failed, w)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, TierObjectStore, failed[0].Tier)
	assert.False(t, failed[0].Backfill)
}

func TestStoreSurvivesCallerCancel(t *testing.T) {
	o, ts := newTestOrchestrator(t)
	k := Derive("hello")
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, o.Store(ctx, k, []byte("audio"), Metadata{}))
	cancel()
	o.Wait()
	assert.True(t, ts.object.has(k))
}

func TestOrchestratorOptionalTiers(t *testing.T) {
	edge := newMemTier(TierEdge)
	o, err := NewOrchestrator(OrchestratorConfig{Edge: edge})
	require.NoError(t, err)

	k := Derive("hello")
	e, err := o.Lookup(context.Background(), k, StrategyEager)
	require.NoError(t, err)
	assert.Equal(t, TierMiss, e.Tier)

	require.NoError(t, o.Store(context.Background(), k, []byte("a"), Metadata{}))
	o.Wait()
	assert.True(t, edge.has(k))

	_, err = NewOrchestrator(OrchestratorConfig{})
	assert.Error(t, err)
}
