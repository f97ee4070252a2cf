package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// DefaultEdgeTTL is how long audio stays in the edge store
const DefaultEdgeTTL = 365 * 24 * time.Hour

// KV is the key-value store backing the edge tier
type KV interface {
	// Get returns ErrMiss when the key does not exist
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// EdgeConfig selects and configures the edge KV driver
type EdgeConfig struct {
	Driver   string // "redis" | "memory"
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewKV builds the KV driver named in cfg. Unknown drivers fall back to memory.
func NewKV(ctx context.Context, cfg EdgeConfig) (KV, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedisKV(ctx, cfg.Addr, cfg.Password, cfg.DB)
	default:
		return NewMemoryKV(), nil
	}
}

// Edge is the fastest tier. Audio bytes are stored under "<prefix>:<key>".
type Edge struct {
	kv     KV
	prefix string
	ttl    time.Duration
}

// NewEdge wraps kv as a cache tier. A zero ttl means DefaultEdgeTTL.
func NewEdge(kv KV, prefix string, ttl time.Duration) *Edge {
	if ttl <= 0 {
		ttl = DefaultEdgeTTL
	}
	return &Edge{kv: kv, prefix: prefix, ttl: ttl}
}

func (e *Edge) Name() TierName { return TierEdge }

func (e *Edge) key(k Key) string {
	if e.prefix == "" {
		return string(k)
	}
	return e.prefix + ":" + string(k)
}

func (e *Edge) Get(ctx context.Context, key Key) ([]byte, error) {
	b, err := e.kv.Get(ctx, e.key(key))
	if errors.Is(err, ErrMiss) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, &UnavailableError{Tier: TierEdge, Err: err}
	}
	return b, nil
}

func (e *Edge) Put(ctx context.Context, key Key, audio []byte, _ Metadata) error {
	if err := e.kv.Set(ctx, e.key(key), audio, e.ttl); err != nil {
		return &UnavailableError{Tier: TierEdge, Err: err}
	}
	return nil
}

// Delete removes key from the edge store
func (e *Edge) Delete(ctx context.Context, key Key) error {
	return e.kv.Delete(ctx, e.key(key))
}

// memoryKV is an in-process KV on go-cache, for development and tests
type memoryKV struct{ c *gocache.Cache }

// NewMemoryKV returns an in-process KV
func NewMemoryKV() KV {
	return &memoryKV{c: gocache.New(DefaultEdgeTTL, 10*time.Minute)}
}

func (m *memoryKV) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrMiss
	}
	return b, nil
}

func (m *memoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, value, ttl)
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *memoryKV) Ping(context.Context) error { return nil }

func (m *memoryKV) Close() error {
	m.c.Flush()
	return nil
}

type redisKV struct {
	client *redis.Client
}

// NewRedisKV connects to Redis and verifies the connection
func NewRedisKV(ctx context.Context, addr, password string, db int) (KV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("edge: redis ping failed: %w", err)
	}
	return &redisKV{client: rdb}, nil
}

func (r *redisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *redisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisKV) Close() error {
	return r.client.Close()
}
