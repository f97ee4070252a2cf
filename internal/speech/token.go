package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/yelban/roast-sub000/internal/metrics"
)

const (
	DefaultTokenLifetime = 10 * time.Minute
	DefaultRefreshMargin = time.Minute
	DefaultFetchTimeout  = 10 * time.Second
)

// TokenFetchError is returned to every caller waiting on a failed refresh
type TokenFetchError struct {
	Status int // 0 when the request itself failed
	Err    error
}

func (e *TokenFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token fetch: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("token fetch: %v", e.Err)
}

func (e *TokenFetchError) Unwrap() error { return e.Err }

// TokenFetcher obtains a fresh token from the provider
type TokenFetcher func(ctx context.Context) (*oauth2.Token, error)

type TokenManagerConfig struct {
	Fetcher       TokenFetcher
	RefreshMargin time.Duration
	FetchTimeout  time.Duration
	Now           func() time.Time
	Logger        zerolog.Logger
}

// TokenManager hands out the provider access token. At most one refresh is
// in flight at a time and every concurrent caller shares its outcome.
type TokenManager struct {
	fetch   TokenFetcher
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group
}

func NewTokenManager(cfg TokenManagerConfig) (*TokenManager, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	m := &TokenManager{
		fetch:   cfg.Fetcher,
		margin:  cfg.RefreshMargin,
		timeout: cfg.FetchTimeout,
		now:     cfg.Now,
		log:     cfg.Logger.With().Str("component", "token").Logger(),
	}
	if m.margin <= 0 {
		m.margin = DefaultRefreshMargin
	}
	if m.timeout <= 0 {
		m.timeout = DefaultFetchTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Token returns a token that stays valid for at least the refresh margin
func (m *TokenManager) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := m.current(); tok != nil {
		return tok, nil
	}

	ch := m.group.DoChan("token", func() (any, error) {
		// a flight that finished just before this one may already have stored a token
		if tok := m.current(); tok != nil {
			return tok, nil
		}
		return m.refresh(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached token so the next call fetches a new one
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

func (m *TokenManager) current() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil || m.token.AccessToken == "" {
		return nil
	}
	if !m.now().Add(m.margin).Before(m.token.Expiry) {
		return nil
	}
	return m.token
}

// refresh runs detached from the first caller's cancellation so that one
// impatient caller does not fail the whole flight.
func (m *TokenManager) refresh(ctx context.Context) (*oauth2.Token, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	start := m.now()
	tok, err := m.fetch(fctx)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("empty token")
	}
	if err != nil {
		m.mu.Lock()
		m.token = nil
		m.mu.Unlock()
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		m.log.Warn().Err(err).Msg("token refresh failed")

		var fe *TokenFetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &TokenFetchError{Err: err}
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	m.log.Debug().Time("expiry", tok.Expiry).Dur("took", m.now().Sub(start)).Msg("token refreshed")
	return tok, nil
}

// IssueTokenFetcher returns a fetcher for the provider's issueToken endpoint.
// The response body is the raw token; it is valid for lifetime.
func IssueTokenFetcher(client *http.Client, endpoint, subscriptionKey string, lifetime time.Duration, now func() time.Time) TokenFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (*oauth2.Token, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", subscriptionKey)
		req.Header.Set("Content-Length", "0")

		resp, err := client.Do(req)
		if err != nil {
			return nil, &TokenFetchError{Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return nil, &TokenFetchError{Err: err}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &TokenFetchError{Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
		}
		return &oauth2.Token{
			AccessToken: strings.TrimSpace(string(body)),
			TokenType:   "Bearer",
			Expiry:      now().Add(lifetime),
		}, nil
	}
}
