package tg

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	maxEditRetries = 3
	editRetryDelay = 500 * time.Millisecond
)

// EditMessage updates a previously sent message with bounded retries. The
// first attempt goes out immediately; failed attempts are retried up to
// maxEditRetries after a short delay. Rate-limit waits honour Telegram's
// retry_after hint and do not count against the retry budget.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	params := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}

	var lastErr error
	for attempt := 0; ; {
		err := c.call(ctx, "editMessageText", params, nil)
		if err == nil {
			return nil
		}
		lastErr = err

		var rateErr *RateLimitError
		if errors.As(err, &rateErr) {
			wait := rateErr.RetryAfter + time.Second
			c.logger.Info("edit rate limited, waiting", "message_id", messageID, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		attempt++
		if attempt > maxEditRetries {
			break
		}
		c.logger.Debug("retrying message edit", "message_id", messageID, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(editRetryDelay):
		}
	}

	return fmt.Errorf("edit message after %d retries: %w", maxEditRetries, lastErr)
}
