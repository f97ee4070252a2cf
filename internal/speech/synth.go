// Package speech talks to the cloud speech-synthesis provider: access token
// management and SSML synthesis requests.
package speech

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/yelban/roast-sub000/internal/metrics"
)

const (
	DefaultLanguage       = "ja-JP"
	DefaultVoice          = "ja-JP-NanamiNeural"
	DefaultOutputFormat   = "audio-24khz-48kbitrate-mono-mp3"
	DefaultSynthTimeout   = 25 * time.Second
	defaultUserAgent      = "menu-tts"
	maxErrorBodyBytes     = 4 << 10
	maxAudioResponseBytes = 16 << 20
)

// SynthesisError is a non-2xx answer from the provider
type SynthesisError struct {
	Status int
	Body   string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed: status %d: %s", e.Status, e.Body)
}

// TokenSource supplies bearer tokens for synthesis calls
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

type invalidator interface {
	Invalidate()
}

// Synthesizer turns text into audio bytes
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Client struct {
	http     *http.Client
	endpoint string
	tokens   TokenSource
	language string
	voice    string
	format   string
	rateAttr string
	timeout  time.Duration
	limiter  *rate.Limiter
	log      zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithVoice overrides the SSML language and voice name
func WithVoice(language, voice string) Option {
	return func(c *Client) {
		if language != "" {
			c.language = language
		}
		if voice != "" {
			c.voice = voice
		}
	}
}

// WithOutputFormat sets the X-Microsoft-OutputFormat header value
func WithOutputFormat(format string) Option {
	return func(c *Client) {
		if format != "" {
			c.format = format
		}
	}
}

// WithSpeakingRate wraps the text in a prosody element, e.g. "-10%"
func WithSpeakingRate(r string) Option {
	return func(c *Client) { c.rateAttr = r }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit caps upstream calls to perMinute requests
func WithRateLimit(perMinute int) Option {
	return func(c *Client) {
		if perMinute > 0 {
			c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "synth").Logger() }
}

func New(endpoint string, tokens TokenSource, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("speech: endpoint required")
	}
	if tokens == nil {
		return nil, errors.New("speech: token source required")
	}
	c := &Client{
		http:     http.DefaultClient,
		endpoint: endpoint,
		tokens:   tokens,
		language: DefaultLanguage,
		voice:    DefaultVoice,
		format:   DefaultOutputFormat,
		timeout:  DefaultSynthTimeout,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SSML renders the request body for text
func (c *Client) SSML(text string) string {
	var esc bytes.Buffer
	_ = xml.EscapeText(&esc, []byte(text))

	body := esc.String()
	if c.rateAttr != "" {
		body = fmt.Sprintf("<prosody rate='%s'>%s</prosody>", c.rateAttr, body)
	}
	return fmt.Sprintf("<speak version='1.0' xml:lang='%s'><voice xml:lang='%s' name='%s'>%s</voice></speak>",
		c.language, c.language, c.voice, body)
}

// Synthesize requests audio for text. There are no retries; the caller
// decides whether a failure is worth another attempt.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("speech: empty text")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(c.SSML(text)))
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", c.format)
	req.Header.Set("User-Agent", defaultUserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.SynthesisRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := c.tokens.(invalidator); ok {
				inv.Invalidate()
			}
		}
		metrics.SynthesisRequests.WithLabelValues("rejected").Inc()
		c.log.Warn().Int("status", resp.StatusCode).Int("chars", len([]rune(text))).Msg("synthesis rejected")
		return nil, &SynthesisError{Status: resp.StatusCode, Body: string(b)}
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioResponseBytes))
	if err != nil {
		metrics.SynthesisRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if len(audio) == 0 {
		metrics.SynthesisRequests.WithLabelValues("rejected").Inc()
		return nil, &SynthesisError{Status: resp.StatusCode, Body: "empty audio response"}
	}

	took := time.Since(start)
	metrics.SynthesisRequests.WithLabelValues("ok").Inc()
	metrics.SynthesisLatency.Observe(float64(took.Milliseconds()))
	c.log.Debug().Dur("took", took).Int("bytes", len(audio)).Msg("synthesized")
	return audio, nil
}
