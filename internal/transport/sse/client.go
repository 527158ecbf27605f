package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultRetryBase = time.Second
	defaultRetryMax  = 30 * time.Second
	jitterPercent    = 10
)

// ErrStreamClosed indicates the server asked the client to stop reconnecting (HTTP 204).
var ErrStreamClosed = errors.New("sse: stream closed by server")

// ErrUnexpectedStatus indicates a non-200 response to the stream request.
var ErrUnexpectedStatus = errors.New("sse: unexpected status")

// ErrUnexpectedContentType indicates the response is not text/event-stream.
var ErrUnexpectedContentType = errors.New("sse: unexpected content type")

// Client consumes a server-sent event stream and reconnects with capped exponential backoff.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	retryMax   time.Duration
	maxRetries uint64

	mu        sync.Mutex
	retryBase time.Duration
	lastID    string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. It must not set a request timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRetry sets the initial and maximum reconnect delay.
func WithRetry(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.retryBase = base
		}
		if max > 0 {
			c.retryMax = max
		}
	}
}

// WithMaxRetries bounds consecutive failed attempts; zero retries forever.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// NewClient builds a client for the given stream URL.
func NewClient(rawURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, errors.New("sse stream url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid sse stream url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid sse stream url scheme %q", parsed.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:        parsed.String(),
		httpClient: &http.Client{},
		logger:     logger.With("component", "sse_client"),
		retryBase:  defaultRetryBase,
		retryMax:   defaultRetryMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Stream reads events until ctx is cancelled, reconnecting after every failure. It returns nil on
// cancellation and an error only when reconnection stops (HTTP 204 or retries exhausted).
func (c *Client) Stream(ctx context.Context, h Handler) error {
	backoff := c.newBackoff()
	for {
		opened, err := c.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		h.OnError(err)
		if errors.Is(err, ErrStreamClosed) {
			return err
		}
		if opened {
			backoff = c.newBackoff()
		}
		delay, stop := backoff.Next()
		if stop {
			return fmt.Errorf("sse reconnect attempts exhausted: %w", err)
		}
		c.logger.Debug("sse reconnect scheduled", "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context, h Handler) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	lastID := c.lastEventID()
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, ErrStreamClosed
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mediaType != "text/event-stream" {
		return false, fmt.Errorf("%w: %q", ErrUnexpectedContentType, resp.Header.Get("Content-Type"))
	}

	h.OnOpen()
	decoder := NewDecoder(resp.Body, lastID)
	for {
		event, err := decoder.Decode()
		c.remember(decoder)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true, io.ErrUnexpectedEOF
			}
			return true, fmt.Errorf("read stream: %w", err)
		}
		h.OnEvent(event)
	}
}

func (c *Client) remember(d *Decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID = d.LastID()
	if retry := d.Retry(); retry > 0 {
		c.retryBase = retry
	}
}

func (c *Client) lastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

func (c *Client) newBackoff() retry.Backoff {
	c.mu.Lock()
	base := c.retryBase
	c.mu.Unlock()
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(c.retryMax, b)
	b = retry.WithJitterPercent(jitterPercent, b)
	if c.maxRetries > 0 {
		b = retry.WithMaxRetries(c.maxRetries, b)
	}
	return b
}
