package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel carries generation state changes between gateway replicas.
const DefaultChannel = "stream_state"

const stateChangeType = "stream_state_change"

// ErrUnknownMessage indicates a pub/sub payload that is not a state change.
var ErrUnknownMessage = errors.New("signal: unknown message")

// Setter receives generation state updates.
type Setter interface {
	Set(active bool)
}

type stateMessage struct {
	Type         string `json:"type"`
	IsGenerating *bool  `json:"isGenerating"`
}

// EncodeState renders a state change message.
func EncodeState(active bool) []byte {
	payload, _ := json.Marshal(stateMessage{Type: stateChangeType, IsGenerating: &active})
	return payload
}

// DecodeState parses a state change message.
func DecodeState(payload []byte) (bool, error) {
	var msg stateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}
	if msg.Type != stateChangeType || msg.IsGenerating == nil {
		return false, ErrUnknownMessage
	}
	return *msg.IsGenerating, nil
}

// RedisBridge mirrors generation state through a Redis channel.
type RedisBridge struct {
	client  *redis.Client
	channel string
	target  Setter
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisBridge connects to Redis and verifies the connection.
func NewRedisBridge(addr, password string, db int, channel string, target Setter, logger *slog.Logger) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedisBridge(client, channel, target, logger), nil
}

func newRedisBridge(client *redis.Client, channel string, target Setter, logger *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		target:  target,
		logger:  logger.With("component", "signal_bridge"),
		timeout: 500 * time.Millisecond,
	}
}

// Run applies published state changes to the target until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("signal bridge subscribed", "channel", b.channel)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.apply([]byte(msg.Payload))
		}
	}
}

func (b *RedisBridge) apply(payload []byte) {
	active, err := DecodeState(payload)
	if err != nil {
		b.logger.Warn("ignoring signal message", "error", err)
		return
	}
	if b.target != nil {
		b.target.Set(active)
	}
}

// Publish announces a state change to every subscribed replica.
func (b *RedisBridge) Publish(ctx context.Context, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, EncodeState(active)).Err(); err != nil {
		return fmt.Errorf("publish stream state: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (b *RedisBridge) Close() {
	if b.client != nil {
		_ = b.client.Close()
	}
}
