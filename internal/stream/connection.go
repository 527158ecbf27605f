package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kevinledev/logwatcher/internal/transport/sse"
	"github.com/kevinledev/logwatcher/pkg/api/client"
)

// State is the upstream connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	// StateRetrying covers both the initial open and reconnection after a transport error.
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	default:
		return "disconnected"
	}
}

// Transport streams upstream events to h until ctx is cancelled.
type Transport interface {
	Stream(ctx context.Context, h sse.Handler) error
}

// StopNotifier tells the producer that this consumer stopped listening.
type StopNotifier interface {
	Stop(ctx context.Context) (client.StreamStatus, error)
}

// connection owns the single live upstream stream.
type connection struct {
	transport   Transport
	stopper     StopNotifier
	eventName   string
	stopTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics

	onEvent func(data []byte)
	onError func()

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	session uint64
	wg      sync.WaitGroup
}

// connect opens a stream unless one is already live. It reports whether a new stream was opened.
func (c *connection) connect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return false
	}
	if c.transport == nil {
		c.logger.Warn("no upstream transport configured")
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.session++
	c.cancel = cancel
	c.setState(StateRetrying)
	h := &sessionHandler{conn: c, id: c.session}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.transport.Stream(ctx, h)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("upstream stream abandoned", "error", err)
			c.abandon(h.id)
		}
	}()
	c.logger.Info("upstream connecting")
	return true
}

// disconnect closes the live stream and fires the stop notification. Local state is final on return.
func (c *connection) disconnect() bool {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return false
	}
	c.cancel()
	c.cancel = nil
	c.session++
	c.setState(StateDisconnected)
	c.mu.Unlock()

	c.logger.Info("upstream disconnected")
	c.notifyStop()
	return true
}

func (c *connection) notifyStop() {
	if c.stopper == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
		defer cancel()
		status, err := c.stopper.Stop(ctx)
		if err != nil {
			c.logger.Warn("stop notification failed", "error", err)
			return
		}
		c.logger.Info("stop notification acknowledged", "status", status.Status)
	}()
}

// abandon marks a session whose transport gave up as disconnected.
func (c *connection) abandon(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.session || c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
	c.session++
	c.setState(StateDisconnected)
}

func (c *connection) current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition applies next when id is still the live session.
func (c *connection) transition(id uint64, next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.session || c.cancel == nil {
		return false
	}
	c.setState(next)
	return true
}

func (c *connection) accepts(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id == c.session && c.cancel != nil && c.state == StateConnected
}

func (c *connection) setState(s State) {
	c.state = s
	c.metrics.state.Set(float64(s))
}

// wait blocks until stream goroutines and pending stop notifications finish.
func (c *connection) wait() {
	c.wg.Wait()
}

// sessionHandler binds transport callbacks to one session so a replaced stream cannot leak events.
type sessionHandler struct {
	conn *connection
	id   uint64
}

func (h *sessionHandler) OnOpen() {
	if h.conn.transition(h.id, StateConnected) {
		h.conn.logger.Info("upstream connected")
	}
}

func (h *sessionHandler) OnEvent(event sse.Event) {
	if event.Name != h.conn.eventName {
		h.conn.metrics.messages.WithLabelValues("ignored").Inc()
		return
	}
	if !h.conn.accepts(h.id) {
		h.conn.metrics.messages.WithLabelValues("stale").Inc()
		return
	}
	h.conn.onEvent(event.Data)
}

func (h *sessionHandler) OnError(err error) {
	if !h.conn.transition(h.id, StateRetrying) {
		return
	}
	h.conn.logger.Warn("upstream transport error", "error", err)
	h.conn.onError()
}
