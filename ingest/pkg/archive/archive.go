// Package archive retrieves monthly trip files from the public archive over HTTP.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultMaxBodyBytes = 1 << 30
	defaultUserAgent    = "triplake/1.0"
)

var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Response is the result of a retrieval. Body is empty for non-2xx responses.
type Response struct {
	StatusCode    int
	Body          []byte
	ContentLength int64
}

// OK reports whether the archive answered with a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Config struct {
	Logger     *slog.Logger
	HTTPClient *http.Client

	// RequestsPerSecond caps outgoing requests. Zero means unlimited.
	RequestsPerSecond float64
	MaxBodyBytes      int64
	UserAgent         string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return nil
}

// Client performs single, unretried GET requests against the archive.
type Client struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: limiter,
	}, nil
}

// Get fetches url. A non-2xx status is returned as a Response, not an error; transport
// failures and oversized bodies are errors.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 64<<10)
		c.log.Debug("archive: non-success response", "url", url, "status", resp.StatusCode)
		return &Response{StatusCode: resp.StatusCode, ContentLength: resp.ContentLength}, nil
	}

	if resp.ContentLength > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: content length %d > %d", ErrBodyTooLarge, resp.ContentLength, c.cfg.MaxBodyBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, c.cfg.MaxBodyBytes)
	}

	c.log.Debug("archive: fetched", "url", url, "bytes", len(body), "duration", time.Since(start))

	return &Response{
		StatusCode:    resp.StatusCode,
		Body:          body,
		ContentLength: int64(len(body)),
	}, nil
}
