// Package blob reads audio from the public blob fallback store. Uploads are
// only possible when a read-write token is configured.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/yelban/roast-sub000/internal/respcache"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrReadOnly = errors.New("blob store is read-only")
)

type Client struct {
	http      *http.Client
	baseURL   *url.URL
	uploadURL *url.URL
	namespace string
	token     string
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithUpload enables Put against uploadBase using a bearer token
func WithUpload(uploadBase, token string) Option {
	return func(c *Client) {
		if uploadBase == "" || token == "" {
			return
		}
		if u, err := url.Parse(uploadBase); err == nil {
			c.uploadURL, c.token = u, token
		}
	}
}

// New creates a blob client. Reads go through a bounded in-memory HTTP
// cache that honours the store's cache headers.
func New(baseURL, namespace string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("blob: base URL required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("blob: parse base URL: %w", err)
	}
	c := &Client{
		http:      &http.Client{Transport: respcache.NewTransport(respcache.DefaultMaxBytes, respcache.DefaultTTL)},
		baseURL:   u,
		namespace: strings.Trim(namespace, "/"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Writable reports whether Put is available
func (c *Client) Writable() bool { return c.uploadURL != nil }

func (c *Client) url(base *url.URL, name string) string {
	u := *base
	u.Path = path.Join("/", u.Path, c.namespace, name)
	return u.String()
}

// Get fetches <base>/<namespace>/<name>
func (c *Client) Get(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.baseURL, name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob get %s: %w", name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("blob get %s: %s: %s", name, resp.Status, string(b))
	}
}

// Exists issues a HEAD request. Failures read as absent.
func (c *Client) Exists(ctx context.Context, name string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url(c.baseURL, name), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Put uploads data. Returns ErrReadOnly when no upload token is configured.
func (c *Client) Put(ctx context.Context, name string, data []byte, contentType string) error {
	if c.uploadURL == nil {
		return ErrReadOnly
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(c.uploadURL, name), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("blob put %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("blob put %s: %s: %s", name, resp.Status, string(b))
	}
	return nil
}
