package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kevinledev/logwatcher/internal/domain"
	"github.com/kevinledev/logwatcher/internal/stream"
	"github.com/kevinledev/logwatcher/internal/ws"
)

// LiveKey names the feed of raw records.
const LiveKey = "live"

const (
	eventRecord    = "record"
	eventAggregate = "aggregate"
	maxWindow      = time.Hour
)

// ErrInvalidWindow indicates a requested window outside the supported range.
var ErrInvalidWindow = errors.New("feed: invalid window")

// Source registers deliverers with the stream engine.
type Source interface {
	Subscribe(d stream.Deliverer, opts ...stream.SubscribeOption) *stream.Subscription
}

// Hub fans payloads out to downstream clients.
type Hub interface {
	Register(feed string, client ws.Subscriber)
	Unregister(feed string, client ws.Subscriber)
	Broadcast(feed, event string, payload []byte)
}

// Service shares one engine subscription per feed across every downstream client of that feed.
type Service struct {
	source Source
	hub    Hub
	logger *slog.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	sub     *stream.Subscription
	clients int
}

// Record is the downstream JSON shape of a record or aggregate.
type Record struct {
	Feed       string    `json:"feed"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Source     string    `json:"source"`
	DurationMS float64   `json:"duration_ms"`
	StatusCode int       `json:"status_code"`
	IsError    bool      `json:"is_error"`
	Message    string    `json:"message,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Samples    int       `json:"samples"`
}

// NewService constructs a feed service.
func NewService(source Source, hub Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		source: source,
		hub:    hub,
		logger: logger.With("component", "feed_service"),
		feeds:  make(map[string]*feed),
	}
}

// Key returns the feed name for a window; zero selects raw records.
func Key(window time.Duration) (string, error) {
	if window == 0 {
		return LiveKey, nil
	}
	if window < time.Second || window > maxWindow || window%time.Second != 0 {
		return "", fmt.Errorf("%w: %s", ErrInvalidWindow, window)
	}
	return fmt.Sprintf("window:%d", int(window/time.Second)), nil
}

// Join registers client on the feed for window and returns its key.
func (s *Service) Join(window time.Duration, client ws.Subscriber) (string, error) {
	key, err := Key(window)
	if err != nil {
		return "", err
	}
	s.hub.Register(key, client)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[key]
	if !ok {
		var opts []stream.SubscribeOption
		event := eventRecord
		if window > 0 {
			opts = append(opts, stream.Windowed(window))
			event = eventAggregate
		}
		f = &feed{}
		f.sub = s.source.Subscribe(s.relay(key, event), opts...)
		s.feeds[key] = f
		s.logger.Info("feed opened", "feed", key)
	}
	f.clients++
	return key, nil
}

// Leave unregisters client and drops the engine subscription once the feed is empty.
func (s *Service) Leave(key string, client ws.Subscriber) {
	s.hub.Unregister(key, client)

	s.mu.Lock()
	f, ok := s.feeds[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	f.clients--
	if f.clients > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.feeds, key)
	s.mu.Unlock()

	f.sub.Unsubscribe()
	s.logger.Info("feed closed", "feed", key)
}

// Feeds reports the open feeds and their client counts.
func (s *Service) Feeds() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.feeds))
	for key, f := range s.feeds {
		out[key] = f.clients
	}
	return out
}

func (s *Service) relay(key, event string) stream.DelivererFunc {
	return func(rec domain.RequestRecord) {
		payload, err := MarshalRecord(key, rec)
		if err != nil {
			s.logger.Warn("encode feed record failed", "feed", key, "error", err)
			return
		}
		s.hub.Broadcast(key, event, payload)
	}
}

// MarshalRecord renders rec for the downstream feed key.
func MarshalRecord(key string, rec domain.RequestRecord) ([]byte, error) {
	return json.Marshal(Record{
		Feed:       key,
		Timestamp:  rec.Time.UTC(),
		Method:     rec.Method,
		Source:     rec.Source,
		DurationMS: rec.Duration,
		StatusCode: rec.Status,
		IsError:    rec.IsError,
		Message:    rec.Message,
		RequestID:  rec.RequestID,
		Samples:    rec.Samples,
	})
}
