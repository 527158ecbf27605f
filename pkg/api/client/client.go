package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "http://localhost:8000"
	defaultStartPath = "/stream/start/"
	defaultStopPath  = "/stream/stop/"
	maxErrorBodySize = 4096
)

// Client controls the upstream event producer.
type Client struct {
	baseURL    string
	startPath  string
	stopPath   string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithStartPath overrides the producer start endpoint path.
func WithStartPath(path string) Option {
	return func(c *Client) {
		if p := strings.TrimSpace(path); p != "" {
			c.startPath = p
		}
	}
}

// WithStopPath overrides the producer stop endpoint path.
func WithStopPath(path string) Option {
	return func(c *Client) {
		if p := strings.TrimSpace(path); p != "" {
			c.stopPath = p
		}
	}
}

// New constructs a Client pointing at the producer base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid producer base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		startPath:  defaultStartPath,
		stopPath:   defaultStopPath,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised producer base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StreamStatus is the producer's answer to start and stop requests.
type StreamStatus struct {
	Status string `json:"status"`
}

// Start asks the producer to begin emitting events.
func (c *Client) Start(ctx context.Context) (StreamStatus, error) {
	var status StreamStatus
	err := c.do(ctx, http.MethodGet, c.startPath, nil, &status)
	return status, err
}

// Stop tells the producer this consumer stopped listening.
func (c *Client) Stop(ctx context.Context) (StreamStatus, error) {
	var status StreamStatus
	err := c.do(ctx, http.MethodGet, c.stopPath, nil, &status)
	return status, err
}

// APIError represents an error response from the producer.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("producer request failed with status %d", e.Status)
	}
	return fmt.Sprintf("producer request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}
