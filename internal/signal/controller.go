package signal

import (
	"context"
	"log/slog"

	"github.com/kevinledev/logwatcher/internal/stream"
)

// Publisher announces state changes to other processes.
type Publisher interface {
	Publish(ctx context.Context, active bool) error
}

// Controller owns the local generation flag and optionally fans changes out to peers.
type Controller struct {
	flag      *stream.Flag
	publisher Publisher
	logger    *slog.Logger
}

// NewController wraps flag. publisher may be nil for single-process deployments.
func NewController(flag *stream.Flag, publisher Publisher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{flag: flag, publisher: publisher, logger: logger.With("component", "signal_controller")}
}

// Active reports the local state.
func (c *Controller) Active() bool {
	return c.flag.Active()
}

// SetActive applies the state locally and then publishes it. A publish failure leaves the
// local change in place and is returned to the caller.
func (c *Controller) SetActive(ctx context.Context, active bool) error {
	c.flag.Set(active)
	if c.publisher == nil {
		return nil
	}
	if err := c.publisher.Publish(ctx, active); err != nil {
		c.logger.Warn("publish generation state failed", "active", active, "error", err)
		return err
	}
	return nil
}
