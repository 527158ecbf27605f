package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	defaultAttempts  = 3
	retryBase        = 200 * time.Millisecond
)

// ErrUnauthorized indicates the collector rejected the forward token.
var ErrUnauthorized = errors.New("telemetry forward unauthorized")

// ErrInvalidArgument indicates the collector rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("telemetry forward invalid argument")

// ErrNotFound indicates the collector does not expose the aggregates endpoint.
var ErrNotFound = errors.New("telemetry forward endpoint not found")

// Emitter posts window aggregates to an external collector.
type Emitter struct {
	baseURL  string
	token    string
	client   *http.Client
	attempts uint64
	now      func() time.Time
}

// Aggregate is one window summary sent to the collector.
type Aggregate struct {
	WindowSeconds int
	RecordedAt    time.Time
	Method        string
	Source        string
	StatusCode    int
	IsError       bool
	Message       string
	AvgDurationMS float64
	Samples       int
}

// NewEmitter creates an emitter for the collector at baseURL.
func NewEmitter(baseURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("telemetry forward base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL:  trimmed,
		token:    strings.TrimSpace(token),
		client:   client,
		attempts: defaultAttempts,
		now:      time.Now,
	}, nil
}

// Emit sends a batch of aggregates. Transport failures and 5xx responses are retried with backoff.
func (e *Emitter) Emit(ctx context.Context, batch []Aggregate) error {
	if e == nil {
		return errors.New("telemetry emitter not initialised")
	}
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(buildPayload(batch, e.now))
	if err != nil {
		return fmt.Errorf("marshal aggregates: %w", err)
	}
	backoff := retry.WithMaxRetries(e.attempts-1, retry.NewExponential(retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		return e.send(ctx, body)
	})
}

func (e *Emitter) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/aggregates", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Forward-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("send forward request: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return retry.RetryableError(e.errorForStatus(resp))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("forward request failed: %s", summary)
	}
}

func buildPayload(batch []Aggregate, nowFn func() time.Time) map[string]any {
	items := make([]map[string]any, 0, len(batch))
	for _, agg := range batch {
		recorded := agg.RecordedAt
		if recorded.IsZero() {
			recorded = nowFn()
		}
		items = append(items, map[string]any{
			"window_seconds":  agg.WindowSeconds,
			"recorded_at":     recorded.UTC().Format(time.RFC3339Nano),
			"method":          strings.TrimSpace(agg.Method),
			"source":          strings.TrimSpace(agg.Source),
			"status_code":     agg.StatusCode,
			"is_error":        agg.IsError,
			"message":         strings.TrimSpace(agg.Message),
			"avg_duration_ms": agg.AvgDurationMS,
			"samples":         agg.Samples,
		})
	}
	return map[string]any{
		"sent_at":    nowFn().UTC().Format(time.RFC3339Nano),
		"aggregates": items,
	}
}
