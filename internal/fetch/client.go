// Package fetch implements the HTTP capability the host hands to sources:
// a GET that returns a parsed HTML document.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"novelext/internal/cache"
	"novelext/internal/config"
	"novelext/pkg/source"
)

const defaultRetryDelay = 500 * time.Millisecond

var _ source.Client = (*Client)(nil)

// statusError reports an upstream response other than 200 OK.
type statusError struct {
	url    string
	status string
	code   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %s", e.url, e.status)
}

type navigationKey struct{}

// navigation is the browsing state of one chain of requests.
type navigation struct {
	mu       sync.Mutex
	referrer string
}

// WithNavigation starts a navigation chain. Requests made with the returned
// context send the last page fetched in the same chain as Referer. Requests
// outside any chain send no Referer.
func WithNavigation(ctx context.Context) context.Context {
	return context.WithValue(ctx, navigationKey{}, &navigation{})
}

func navigationFrom(ctx context.Context) *navigation {
	nav, _ := ctx.Value(navigationKey{}).(*navigation)
	return nav
}

func (n *navigation) last() string {
	if n == nil {
		return ""
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.referrer
}

func (n *navigation) visit(u string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.referrer = u
}

type Client struct {
	httpClient *http.Client
	cache      *cache.Cache
	limiter    *rate.Limiter
	userAgent  string
	maxSize    int64
	attempts   uint
	retryDelay time.Duration
}

// New builds a client from cfg. pageCache may be nil to disable caching.
func New(cfg *config.Config, pageCache *cache.Cache) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	var limiter *rate.Limiter
	if !cfg.RateLimit.Disabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}

	attempts := uint(1)
	if cfg.RetryAttempts > 1 {
		attempts = uint(cfg.RetryAttempts)
	}

	return &Client{
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		cache:      pageCache,
		limiter:    limiter,
		userAgent:  cfg.UserAgent,
		maxSize:    int64(cfg.MaxResponseSizeMB) * 1024 * 1024,
		attempts:   attempts,
		retryDelay: defaultRetryDelay,
	}, nil
}

// Get fetches rawURL and parses the body as HTML. Pages requested with a
// source.Volatile context bypass the cache.
func (c *Client) Get(ctx context.Context, rawURL string) (*html.Node, error) {
	body, err := c.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML from %s: %w", rawURL, err)
	}

	return doc, nil
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if c.cache != nil && !source.IsVolatile(ctx) {
		if cached := c.cache.Get(ctx, rawURL); cached != nil {
			slog.Debug("Serving cached page", "url", rawURL)
			return cached.Body, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", rawURL, err)
	}

	var body []byte
	err = retry.Do(
		func() error {
			var err error
			body, err = c.fetchOnce(ctx, req.Clone(ctx))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Retrying upstream request", "url", rawURL, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) fetchOnce(ctx context.Context, req *http.Request) ([]byte, error) {
	rawURL := req.URL.String()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	nav := navigationFrom(ctx)
	if referrer := nav.last(); referrer != "" {
		req.Header.Set("Referer", referrer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed for %s: %w", rawURL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("Failed to close response body", "url", rawURL, "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{url: rawURL, status: resp.Status, code: resp.StatusCode}
	}

	if c.maxSize > 0 && resp.ContentLength > c.maxSize {
		return nil, fmt.Errorf("response from %s too large: %d bytes (max %d)", rawURL, resp.ContentLength, c.maxSize)
	}

	reader := io.Reader(resp.Body)
	if c.maxSize > 0 {
		reader = io.LimitReader(resp.Body, c.maxSize+1) // +1 to detect if limit exceeded
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", rawURL, err)
	}
	if c.maxSize > 0 && int64(len(body)) > c.maxSize {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", rawURL, c.maxSize)
	}

	if !isPage(body) {
		return nil, fmt.Errorf("response from %s is %s, not a page", rawURL, mimetype.Detect(body))
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	nav.visit(finalURL)

	if c.cache != nil && !source.IsVolatile(ctx) && c.cache.IsCacheable(resp) {
		if err := c.cache.Set(ctx, rawURL, cache.NewEntry(resp, body)); err != nil {
			slog.Error("Failed to cache page", "url", rawURL, "error", err)
		}
	}

	return body, nil
}

// isPage reports whether body sniffs as text. Mirrors sometimes answer a
// page request with the file itself.
func isPage(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	for mime := mimetype.Detect(body); mime != nil; mime = mime.Parent() {
		if mime.Is("text/plain") {
			return true
		}
	}
	return false
}

// isTransient reports whether a failed attempt is worth repeating.
func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
