package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kevinledev/logwatcher/internal/domain"
	"github.com/kevinledev/logwatcher/internal/repository"
	"github.com/kevinledev/logwatcher/internal/stream"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultQueueSize     = 1024
	shutdownTimeout      = 10 * time.Second
)

// Source registers deliverers with the stream engine.
type Source interface {
	Subscribe(d stream.Deliverer, opts ...stream.SubscribeOption) *stream.Subscription
}

// Service stores every flushed window of the configured sizes.
type Service struct {
	repo          repository.AggregateRepository
	source        Source
	windows       []time.Duration
	flushInterval time.Duration
	logger        *slog.Logger
	queue         chan domain.RequestAggregate
	once          sync.Once

	mu      sync.Mutex
	dropped int
}

// NewService constructs an archive for the given window sizes. Non-positive sizes are skipped.
func NewService(repo repository.AggregateRepository, source Source, windows []time.Duration, flushInterval time.Duration, logger *slog.Logger) *Service {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	var valid []time.Duration
	for _, w := range windows {
		if w > 0 {
			valid = append(valid, w)
		}
	}
	return &Service{
		repo:          repo,
		source:        source,
		windows:       valid,
		flushInterval: flushInterval,
		logger:        logger.With("component", "aggregate_archive"),
		queue:         make(chan domain.RequestAggregate, defaultQueueSize),
	}
}

// Run subscribes to each window and persists aggregates in batches until ctx is cancelled.
// Queued aggregates are written once more on shutdown.
func (s *Service) Run(ctx context.Context) {
	if s == nil {
		return
	}
	subs := make([]*stream.Subscription, 0, len(s.windows))
	for _, w := range s.windows {
		subs = append(subs, s.source.Subscribe(s.collector(w), stream.Windowed(w), stream.WaitFirstWindow()))
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	s.once.Do(func() {
		s.logger.Info("aggregate archive started", "windows", s.windows, "flush_interval", s.flushInterval)
	})

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			s.flush(flushCtx)
			cancel()
			s.logger.Info("aggregate archive stopped")
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// List returns archived aggregates for a window, newest first.
func (s *Service) List(ctx context.Context, window time.Duration, limit int) ([]domain.RequestAggregate, error) {
	if s == nil {
		return nil, errors.New("aggregate archive not initialised")
	}
	return s.repo.ListAggregates(ctx, int(window/time.Second), limit)
}

// Latest returns the newest archived aggregate for a window.
func (s *Service) Latest(ctx context.Context, window time.Duration) (*domain.RequestAggregate, error) {
	if s == nil {
		return nil, errors.New("aggregate archive not initialised")
	}
	return s.repo.LatestAggregate(ctx, int(window/time.Second))
}

// Dropped reports how many aggregates were discarded because the queue was full.
func (s *Service) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Service) collector(window time.Duration) stream.DelivererFunc {
	return func(rec domain.RequestRecord) {
		select {
		case s.queue <- domain.AggregateFromRecord(window, rec):
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			s.logger.Warn("archive queue full; dropping aggregate", "window", window)
		}
	}
}

func (s *Service) drain() []domain.RequestAggregate {
	var batch []domain.RequestAggregate
	for {
		select {
		case agg := <-s.queue:
			batch = append(batch, agg)
		default:
			return batch
		}
	}
}

func (s *Service) flush(ctx context.Context) {
	batch := s.drain()
	if len(batch) == 0 {
		return
	}
	if err := s.repo.InsertAggregates(ctx, batch); err != nil {
		s.logger.Warn("failed to persist aggregates", "error", err, "count", len(batch))
		return
	}
	s.logger.Debug("aggregates persisted", "count", len(batch))
}
