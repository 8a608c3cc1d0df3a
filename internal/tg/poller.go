package tg

import (
	"context"
	"errors"
	"time"
)

// Start runs the long-polling loop until ctx is cancelled. Each update is
// dispatched to the registered handler in its own goroutine.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("telegram polling started")

	var offset int64
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("telegram polling stopped")
			return nil
		default:
		}

		updates, err := c.GetUpdates(ctx, offset)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			var rateErr *RateLimitError
			wait := 3 * time.Second
			if errors.As(err, &rateErr) {
				wait = rateErr.RetryAfter
			}
			c.logger.Warn("polling failed, backing off", "error", err, "wait", wait)
			if c.metrics != nil {
				c.metrics.Errors.WithLabelValues("tg_poll").Inc()
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			c.trackUpdate(update)
			if c.handler != nil {
				go c.handler.HandleUpdate(ctx, update)
			}
		}
	}
}

func (c *Client) trackUpdate(update Update) {
	if c.metrics == nil {
		return
	}
	switch {
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		c.metrics.IncomingUpdates.WithLabelValues("payment").Inc()
	case update.Message != nil:
		c.metrics.IncomingUpdates.WithLabelValues("message").Inc()
	case update.CallbackQuery != nil:
		c.metrics.IncomingUpdates.WithLabelValues("callback").Inc()
	case update.PreCheckoutQuery != nil:
		c.metrics.IncomingUpdates.WithLabelValues("pre_checkout").Inc()
	default:
		c.metrics.IncomingUpdates.WithLabelValues("other").Inc()
	}
}
