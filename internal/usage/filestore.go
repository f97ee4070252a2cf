package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"
)

const (
	lockRetry = 5 * time.Millisecond
	// a lock older than this belongs to a process that died mid-write
	staleLock = 10 * time.Second
)

// FileStore keeps all metrics in one JSON document on disk. Every write
// takes an exclusive lock file, rereads the document and replaces it
// through a temporary file and rename, so several processes can share
// one path.
type FileStore struct {
	path string

	mu      sync.Mutex
	metrics map[string]Metric
}

// NewFileStore opens the document at path, creating parent directories.
// An empty path uses ~/.tts_cache/usage.json.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(usr.HomeDir, ".tts_cache", "usage.json")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	fs := &FileStore{path: path, metrics: make(map[string]Metric)}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (s *FileStore) Get(_ context.Context, key string) (Metric, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return Metric{}, false, err
	}
	m, ok := s.metrics[key]
	return m, ok, nil
}

func (s *FileStore) Put(ctx context.Context, m Metric) error {
	return s.update(ctx, func(metrics map[string]Metric) bool {
		metrics[m.Key] = m
		return true
	})
}

func (s *FileStore) Increment(ctx context.Context, h Hit) (Metric, error) {
	var out Metric
	err := s.update(ctx, func(metrics map[string]Metric) bool {
		m, ok := metrics[h.Key]
		out = applyHit(m, ok, h)
		metrics[h.Key] = out
		return true
	})
	if err != nil {
		return Metric{}, err
	}
	return out, nil
}

func (s *FileStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := s.update(ctx, func(metrics map[string]Metric) bool {
		for k, m := range metrics {
			if m.LastUsedAt.Before(cutoff) {
				delete(metrics, k)
				n++
			}
		}
		return n > 0
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *FileStore) All(_ context.Context) ([]Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, m)
	}
	return out, nil
}

// update runs fn on the current document under the lock file and writes
// the result back when fn reports a change
func (s *FileStore) update(ctx context.Context, fn func(map[string]Metric) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.load(); err != nil {
		return err
	}
	if !fn(s.metrics) {
		return nil
	}
	if err := s.flush(); err != nil {
		// the next load restores what is on disk
		_ = s.load()
		return err
	}
	return nil
}

// lock creates path.lock exclusively, waiting for other holders
func (s *FileStore) lock(ctx context.Context) (func(), error) {
	name := s.path + ".lock"
	for {
		f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(name) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("usage: lock %s: %w", s.path, err)
		}
		if fi, statErr := os.Stat(name); statErr == nil && time.Since(fi.ModTime()) > staleLock {
			_ = os.Remove(name)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("usage: lock %s: %w", s.path, ctx.Err())
		case <-time.After(lockRetry):
		}
	}
}

// load must be called with mu held
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	metrics := make(map[string]Metric)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(data, &metrics); err != nil {
			return fmt.Errorf("usage: decode %s: %w", s.path, err)
		}
	}
	s.metrics = metrics
	return nil
}

// flush must be called with mu held
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.metrics, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := s.path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
