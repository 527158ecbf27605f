package stream

import (
	"sync"
	"time"
)

type subscribeSettings struct {
	mode      Mode
	interval  time.Duration
	waitFirst bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeSettings)

// Windowed delivers mean-duration aggregates every interval. Zero selects the engine default.
func Windowed(interval time.Duration) SubscribeOption {
	return func(s *subscribeSettings) {
		s.mode = ModeWindowed
		s.interval = interval
	}
}

// WaitFirstWindow holds the first record until a full window elapses instead of flushing it at once.
func WaitFirstWindow() SubscribeOption {
	return func(s *subscribeSettings) {
		s.waitFirst = true
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id     string
	engine *Engine
	once   sync.Once
}

// ID returns the subscriber id.
func (s *Subscription) ID() string {
	return s.id
}

// SetInterval changes the window length of a windowed subscription.
func (s *Subscription) SetInterval(interval time.Duration) bool {
	return s.engine.SetInterval(s.id, interval)
}

// Unsubscribe removes the subscriber. Further calls do nothing.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.engine.Unsubscribe(s.id)
	})
}
