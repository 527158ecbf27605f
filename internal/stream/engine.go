package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kevinledev/logwatcher/internal/domain"
)

const (
	// DefaultWindow is the aggregation window used when a subscriber does not pick one.
	DefaultWindow = 10 * time.Second
	// DefaultEventName is the upstream event carrying API request records.
	DefaultEventName = "api.request"

	defaultFlushTick   = 250 * time.Millisecond
	defaultStopTimeout = 5 * time.Second
)

// Mode selects how a subscriber receives records.
type Mode int

const (
	ModeImmediate Mode = iota
	ModeWindowed
)

func (m Mode) String() string {
	if m == ModeWindowed {
		return "windowed"
	}
	return "immediate"
}

// Deliverer receives records or window aggregates.
type Deliverer interface {
	Deliver(domain.RequestRecord)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(domain.RequestRecord)

// Deliver calls f(rec).
func (f DelivererFunc) Deliver(rec domain.RequestRecord) {
	f(rec)
}

// Config tunes an Engine.
type Config struct {
	EventName     string
	DefaultWindow time.Duration
	FlushTick     time.Duration
	StopTimeout   time.Duration
	Registerer    prometheus.Registerer
}

// Engine fans one upstream stream out to subscribers, immediately or as windowed aggregates.
type Engine struct {
	conn          *connection
	signal        Signal
	logger        *slog.Logger
	metrics       *metrics
	defaultWindow time.Duration
	flushTick     time.Duration
	now           func() time.Time

	mu   sync.Mutex
	subs []*subscriber

	dispatchMu sync.Mutex
	unwatch    func()
	once       sync.Once
	closeOnce  sync.Once
}

type subscriber struct {
	id        string
	mode      Mode
	deliverer Deliverer
	window    *window
	removed   atomic.Bool
}

type delivery struct {
	sub    *subscriber
	record domain.RequestRecord
}

// New wires an engine to a transport, an optional stop notifier and the generation signal.
// A nil signal is treated as always active.
func New(transport Transport, stopper StopNotifier, signal Signal, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stream_engine")
	if signal == nil {
		signal = NewFlag(true)
	}
	if cfg.EventName == "" {
		cfg.EventName = DefaultEventName
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultWindow
	}
	if cfg.FlushTick <= 0 {
		cfg.FlushTick = defaultFlushTick
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	m := newMetrics(cfg.Registerer)
	e := &Engine{
		signal:        signal,
		logger:        logger,
		metrics:       m,
		defaultWindow: cfg.DefaultWindow,
		flushTick:     cfg.FlushTick,
		now:           time.Now,
	}
	e.conn = &connection{
		transport:   transport,
		stopper:     stopper,
		eventName:   cfg.EventName,
		stopTimeout: cfg.StopTimeout,
		logger:      logger,
		metrics:     m,
		onEvent:     e.Dispatch,
		onError:     e.handleTransportError,
	}
	m.state.Set(float64(StateDisconnected))
	e.unwatch = signal.Watch(e.handleSignal)
	return e
}

// Run flushes windows on their clock-aligned boundaries until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.once.Do(func() {
		e.logger.Info("stream engine started", "flush_tick", e.flushTick, "default_window", e.defaultWindow)
	})
	ticker := time.NewTicker(e.flushTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("stream engine stopped")
			return
		case <-ticker.C:
			e.FlushDue()
		}
	}
}

// Close stops reacting to the signal, disconnects and waits for background work.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.unwatch()
		e.Disconnect()
		e.conn.wait()
	})
}

// Connect opens the upstream stream unless one is live. It reports whether a stream was opened.
func (e *Engine) Connect() bool {
	return e.conn.connect()
}

// Disconnect closes the upstream stream. It is idempotent and safe to call from callbacks.
func (e *Engine) Disconnect() bool {
	return e.conn.disconnect()
}

// State reports the upstream connection state.
func (e *Engine) State() State {
	return e.conn.current()
}

// Len reports the number of registered subscribers.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Subscribe registers d and connects upstream when generation is active.
func (e *Engine) Subscribe(d Deliverer, opts ...SubscribeOption) *Subscription {
	settings := subscribeSettings{}
	for _, opt := range opts {
		opt(&settings)
	}
	if d == nil {
		e.logger.Warn("subscriber registered without a deliverer; deliveries will be skipped")
	}
	sub := &subscriber{id: uuid.NewString(), mode: settings.mode, deliverer: d}
	if settings.mode == ModeWindowed {
		interval := settings.interval
		if interval <= 0 {
			interval = e.defaultWindow
		}
		sub.window = newWindow(interval, e.now(), settings.waitFirst)
	}

	e.mu.Lock()
	e.subs = append(e.subs, sub)
	count := len(e.subs)
	e.mu.Unlock()
	e.metrics.subscribers.Set(float64(count))
	e.logger.Debug("subscriber added", "subscriber", sub.id, "mode", sub.mode.String())

	if e.signal.Active() {
		e.Connect()
	}
	return &Subscription{id: sub.id, engine: e}
}

// Unsubscribe removes a subscriber and its buffer. Unknown ids are ignored.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	idx := e.indexOf(id)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	sub := e.subs[idx]
	sub.removed.Store(true)
	e.subs = append(e.subs[:idx], e.subs[idx+1:]...)
	count := len(e.subs)
	e.mu.Unlock()
	e.metrics.subscribers.Set(float64(count))
	e.logger.Debug("subscriber removed", "subscriber", id)
}

// SetInterval changes a windowed subscriber's window length, keeping its buffer and its position
// within the current window. It reports whether the change was applied.
func (e *Engine) SetInterval(id string, interval time.Duration) bool {
	if interval <= 0 {
		e.logger.Warn("ignoring non-positive window", "subscriber", id, "interval", interval)
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.indexOf(id)
	if idx < 0 {
		return false
	}
	sub := e.subs[idx]
	if sub.window == nil {
		e.logger.Warn("window change ignored for immediate subscriber", "subscriber", id)
		return false
	}
	sub.window.resize(interval, e.now())
	return true
}

// Dispatch processes one raw upstream payload. Malformed payloads are logged and dropped.
func (e *Engine) Dispatch(data []byte) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	rec, err := ParseRecord(data)
	if err != nil {
		e.metrics.messages.WithLabelValues("malformed").Inc()
		e.logger.Warn("dropping stream message", "error", err)
		return
	}
	if !e.signal.Active() {
		e.metrics.messages.WithLabelValues("inactive").Inc()
		e.Disconnect()
		return
	}
	e.metrics.messages.WithLabelValues("dispatched").Inc()

	now := e.now()
	e.mu.Lock()
	deliveries := make([]delivery, 0, len(e.subs))
	for _, sub := range e.subs {
		if sub.window == nil {
			deliveries = append(deliveries, delivery{sub: sub, record: rec})
			continue
		}
		if agg, ok := sub.window.add(rec, now); ok {
			deliveries = append(deliveries, delivery{sub: sub, record: agg})
		}
	}
	e.mu.Unlock()

	e.deliver(deliveries)
}

// FlushDue flushes every windowed subscriber whose window boundary has passed.
func (e *Engine) FlushDue() {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	now := e.now()
	e.mu.Lock()
	var deliveries []delivery
	for _, sub := range e.subs {
		if sub.window == nil {
			continue
		}
		if agg, ok := sub.window.due(now); ok {
			deliveries = append(deliveries, delivery{sub: sub, record: agg})
		}
	}
	e.mu.Unlock()

	e.deliver(deliveries)
}

func (e *Engine) deliver(deliveries []delivery) {
	for _, d := range deliveries {
		if d.sub.removed.Load() {
			continue
		}
		e.invoke(d.sub, d.record)
	}
}

func (e *Engine) invoke(sub *subscriber, rec domain.RequestRecord) {
	if sub.deliverer == nil {
		e.metrics.callbackFailures.Inc()
		e.logger.Warn("skipping subscriber without deliverer", "subscriber", sub.id)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.metrics.callbackFailures.Inc()
			e.logger.Error("subscriber callback panicked", "subscriber", sub.id, "panic", r)
		}
	}()
	sub.deliverer.Deliver(rec)
	e.metrics.deliveries.WithLabelValues(sub.mode.String()).Inc()
}

func (e *Engine) handleTransportError() {
	if !e.signal.Active() {
		e.Disconnect()
	}
}

func (e *Engine) handleSignal(active bool) {
	if !active {
		e.Disconnect()
		return
	}
	if e.Len() > 0 {
		e.Connect()
	}
}

func (e *Engine) indexOf(id string) int {
	for i, sub := range e.subs {
		if sub.id == id {
			return i
		}
	}
	return -1
}
