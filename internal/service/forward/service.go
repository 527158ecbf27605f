package forward

import (
	"context"
	"log/slog"
	"time"

	"github.com/kevinledev/logwatcher/internal/domain"
	"github.com/kevinledev/logwatcher/internal/stream"
	"github.com/kevinledev/logwatcher/pkg/telemetry"
)

const (
	defaultBatchInterval = 10 * time.Second
	defaultQueueSize     = 256
	shutdownTimeout      = 5 * time.Second
)

// Source registers deliverers with the stream engine.
type Source interface {
	Subscribe(d stream.Deliverer, opts ...stream.SubscribeOption) *stream.Subscription
}

// Emitter delivers aggregate batches to a collector.
type Emitter interface {
	Emit(ctx context.Context, batch []telemetry.Aggregate) error
}

// Service forwards aggregates of one window size to an external collector.
type Service struct {
	source        Source
	emitter       Emitter
	window        time.Duration
	batchInterval time.Duration
	queue         chan telemetry.Aggregate
	logger        *slog.Logger
}

// NewService constructs a forwarder.
func NewService(source Source, emitter Emitter, window, batchInterval time.Duration, logger *slog.Logger) *Service {
	if window <= 0 {
		window = stream.DefaultWindow
	}
	if batchInterval <= 0 {
		batchInterval = defaultBatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		source:        source,
		emitter:       emitter,
		window:        window,
		batchInterval: batchInterval,
		queue:         make(chan telemetry.Aggregate, defaultQueueSize),
		logger:        logger.With("component", "aggregate_forwarder"),
	}
}

// Run subscribes to the window and sends a batch every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	sub := s.source.Subscribe(stream.DelivererFunc(s.enqueue), stream.Windowed(s.window), stream.WaitFirstWindow())
	defer sub.Unsubscribe()
	s.logger.Info("aggregate forwarder started", "window", s.window, "batch_interval", s.batchInterval)

	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sendCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			s.send(sendCtx)
			cancel()
			s.logger.Info("aggregate forwarder stopped")
			return
		case <-ticker.C:
			s.send(ctx)
		}
	}
}

func (s *Service) enqueue(rec domain.RequestRecord) {
	agg := domain.AggregateFromRecord(s.window, rec)
	item := telemetry.Aggregate{
		WindowSeconds: agg.WindowSeconds,
		RecordedAt:    agg.RecordedAt,
		Method:        agg.Method,
		Source:        agg.Source,
		StatusCode:    agg.Status,
		IsError:       agg.IsError,
		Message:       agg.Message,
		AvgDurationMS: agg.AvgDurationMS,
		Samples:       agg.Samples,
	}
	select {
	case s.queue <- item:
	default:
		s.logger.Warn("forward queue full; dropping aggregate", "window", s.window)
	}
}

func (s *Service) send(ctx context.Context) {
	var batch []telemetry.Aggregate
drain:
	for len(batch) < defaultQueueSize {
		select {
		case item := <-s.queue:
			batch = append(batch, item)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return
	}
	if err := s.emitter.Emit(ctx, batch); err != nil {
		s.logger.Warn("forward aggregates failed", "error", err, "count", len(batch))
		return
	}
	s.logger.Debug("aggregates forwarded", "count", len(batch))
}
