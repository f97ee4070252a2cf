// Package objectstore is a minimal S3-compatible client for the durable audio
// tier. Requests are signed with internal/sigv4; no vendor SDK is involved.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yelban/roast-sub000/internal/sigv4"
)

var (
	// ErrNotFound is returned when the object does not exist
	ErrNotFound = errors.New("object not found")
)

// Object is one entry of a bucket listing
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// StatusError carries a non-2xx response from the store
type StatusError struct {
	Method string
	Object string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Object, e.Status, e.Body)
}

type Client struct {
	http      *http.Client
	public    *http.Client
	endpoint  *url.URL
	publicURL *url.URL
	bucket    string
	prefix    string
	signer    *sigv4.Signer
	log       zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient sets the client used for signed requests
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPublicURL enables unsigned reads from a public bucket URL
func WithPublicURL(raw string) Option {
	return func(c *Client) {
		if raw == "" {
			return
		}
		if u, err := url.Parse(strings.TrimRight(raw, "/")); err == nil {
			c.publicURL = u
		}
	}
}

// WithPublicHTTPClient sets the client used for unsigned public reads
func WithPublicHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.public = h }
}

// WithKeyPrefix stores every object under prefix, e.g. "audio/"
func WithKeyPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = prefix }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "objectstore").Logger() }
}

// New creates a path-style client for bucket at endpoint
func New(endpoint, bucket string, signer *sigv4.Signer, opts ...Option) (*Client, error) {
	if endpoint == "" || bucket == "" {
		return nil, errors.New("objectstore: endpoint and bucket required")
	}
	if signer == nil {
		return nil, errors.New("objectstore: signer required")
	}
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("objectstore: parse endpoint: %w", err)
	}
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		endpoint: u,
		bucket:   bucket,
		signer:   signer,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.public == nil {
		c.public = c.http
	}
	return c, nil
}

// Bucket returns the configured bucket name
func (c *Client) Bucket() string { return c.bucket }

func (c *Client) objectURL(name string) *url.URL {
	u := *c.endpoint
	u.Path = "/" + c.bucket + "/" + c.prefix + name
	u.RawPath = ""
	return &u
}

func (c *Client) publicObjectURL(name string) *url.URL {
	u := *c.publicURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + c.prefix + name
	u.RawPath = ""
	return &u
}

// do sends a signed request and returns the response with the body unread
func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, contentType string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.signer.SignRequest(req, body); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// Get fetches an object. Public reads are tried first when configured.
func (c *Client) Get(ctx context.Context, name string) ([]byte, error) {
	if c.publicURL != nil {
		b, err := c.getPublic(ctx, name)
		if err == nil {
			return b, nil
		}
		c.log.Debug().Err(err).Str("object", name).Msg("public read failed, falling back to signed read")
	}

	resp, err := c.do(ctx, http.MethodGet, c.objectURL(name), nil, "")
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Method: http.MethodGet, Object: name, Status: resp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) getPublic(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicObjectURL(name).String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.public.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Method: http.MethodGet, Object: name, Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// Put uploads data under name
func (c *Client) Put(ctx context.Context, name string, data []byte, contentType string) error {
	resp, err := c.do(ctx, http.MethodPut, c.objectURL(name), data, contentType)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: http.MethodPut, Object: name, Status: resp.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Delete removes name. Deleting a missing object is not an error.
func (c *Client) Delete(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(name), nil, "")
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return &StatusError{Method: http.MethodDelete, Object: name, Status: resp.StatusCode}
	}
	return nil
}

// Exists reports whether name is stored. Any failure reads as absent.
func (c *Client) Exists(ctx context.Context, name string) bool {
	if c.publicURL != nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.publicObjectURL(name).String(), nil)
		if err == nil {
			if resp, err := c.public.Do(req); err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return true
				}
			}
		}
	}

	resp, err := c.do(ctx, http.MethodHead, c.objectURL(name), nil, "")
	if err != nil {
		c.log.Debug().Err(err).Str("object", name).Msg("head failed")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// List returns every object whose name starts with prefix, following
// continuation tokens until the listing is complete.
func (c *Client) List(ctx context.Context, prefix string) ([]Object, error) {
	var (
		out   []Object
		token string
	)
	for {
		u := *c.endpoint
		u.Path = "/" + c.bucket
		q := url.Values{}
		q.Set("list-type", "2")
		q.Set("prefix", c.prefix+prefix)
		if token != "" {
			q.Set("continuation-token", token)
		}
		u.RawQuery = q.Encode()

		resp, err := c.do(ctx, http.MethodGet, &u, nil, "")
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("list %s: read body: %w", prefix, err)
		}
		if resp.StatusCode >= 300 {
			return nil, &StatusError{Method: http.MethodGet, Object: "?list-type=2&prefix=" + prefix, Status: resp.StatusCode, Body: string(body)}
		}

		page := parseListing(body)
		for _, o := range page.Objects {
			o.Key = strings.TrimPrefix(o.Key, c.prefix)
			out = append(out, o)
		}
		if !page.Truncated || page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}
