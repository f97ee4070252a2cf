package speech

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func TestTokenConcurrentCallersShareOneFetch(t *testing.T) {
	clock := newClock()
	var calls atomic.Int32
	release := make(chan struct{})

	m, err := NewTokenManager(TokenManagerConfig{
		Now: clock.Now,
		Fetcher: func(ctx context.Context) (*oauth2.Token, error) {
			calls.Add(1)
			<-release
			return &oauth2.Token{AccessToken: "tok", Expiry: clock.Now().Add(10 * time.Minute)}, nil
		},
	})
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			errs[i] = err
			if tok != nil {
				results[i] = tok.AccessToken
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok", results[i])
	}
}

func TestTokenRefreshedInsideMargin(t *testing.T) {
	clock := newClock()
	var calls atomic.Int32
	m, err := NewTokenManager(TokenManagerConfig{
		Now: clock.Now,
		Fetcher: func(ctx context.Context) (*oauth2.Token, error) {
			calls.Add(1)
			return &oauth2.Token{AccessToken: "tok", Expiry: clock.Now().Add(10 * time.Minute)}, nil
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Token(ctx)
	require.NoError(t, err)

	clock.Advance(8*time.Minute + 59*time.Second)
	_, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "still outside the refresh margin")

	clock.Advance(2 * time.Second)
	_, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "within a minute of expiry")
}

func TestTokenErrorReachesEveryWaiterThenRetries(t *testing.T) {
	clock := newClock()
	var calls atomic.Int32
	release := make(chan struct{})
	fail := atomic.Bool{}
	fail.Store(true)

	m, err := NewTokenManager(TokenManagerConfig{
		Now: clock.Now,
		Fetcher: func(ctx context.Context) (*oauth2.Token, error) {
			calls.Add(1)
			if fail.Load() {
				<-release
				return nil, errors.New("upstream down")
			}
			return &oauth2.Token{AccessToken: "ok", Expiry: clock.Now().Add(10 * time.Minute)}, nil
		},
	})
	require.NoError(t, err)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Token(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		var fe *TokenFetchError
		require.ErrorAs(t, err, &fe)
	}

	fail.Store(false)
	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", tok.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenCallerCancelDoesNotAbortFlight(t *testing.T) {
	clock := newClock()
	release := make(chan struct{})
	m, err := NewTokenManager(TokenManagerConfig{
		Now: clock.Now,
		Fetcher: func(ctx context.Context) (*oauth2.Token, error) {
			<-release
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &oauth2.Token{AccessToken: "tok", Expiry: clock.Now().Add(10 * time.Minute)}, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Token(ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	second := make(chan error, 1)
	go func() {
		_, err := m.Token(context.Background())
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)
	require.NoError(t, <-second)
}

func TestTokenInvalidate(t *testing.T) {
	clock := newClock()
	var calls atomic.Int32
	m, err := NewTokenManager(TokenManagerConfig{
		Now: clock.Now,
		Fetcher: func(ctx context.Context) (*oauth2.Token, error) {
			calls.Add(1)
			return &oauth2.Token{AccessToken: "tok", Expiry: clock.Now().Add(10 * time.Minute)}, nil
		},
	})
	require.NoError(t, err)

	_, err = m.Token(context.Background())
	require.NoError(t, err)
	m.Invalidate()
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIssueTokenFetcher(t *testing.T) {
	clock := newClock()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Ocp-Apim-Subscription-Key") != "sub-key" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("raw-token\n"))
	}))
	defer srv.Close()

	tok, err := IssueTokenFetcher(srv.Client(), srv.URL, "sub-key", 0, clock.Now)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "raw-token", tok.AccessToken)
	assert.Equal(t, clock.Now().Add(DefaultTokenLifetime), tok.Expiry)

	_, err = IssueTokenFetcher(srv.Client(), srv.URL, "wrong", 0, clock.Now)(context.Background())
	var fe *TokenFetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusUnauthorized, fe.Status)
}
