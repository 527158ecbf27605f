package stream

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	messages         *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	callbackFailures prometheus.Counter
	subscribers      prometheus.Gauge
	state            prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwatcher",
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Upstream messages by dispatch outcome",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwatcher",
			Subsystem: "stream",
			Name:      "deliveries_total",
			Help:      "Records handed to subscribers by delivery mode",
		}, []string{"mode"}),
		callbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logwatcher",
			Subsystem: "stream",
			Name:      "callback_failures_total",
			Help:      "Subscriber deliveries skipped because the callback was missing or panicked",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logwatcher",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Currently registered subscribers",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logwatcher",
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Upstream connection state (0 disconnected, 1 connected, 2 retrying)",
		}),
	}
	m.messages = register(reg, m.messages)
	m.deliveries = register(reg, m.deliveries)
	m.callbackFailures = register(reg, m.callbackFailures)
	m.subscribers = register(reg, m.subscribers)
	m.state = register(reg, m.state)
	return m
}

// register adds c to reg, reusing an identical collector that is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
