// Package tg binds the bot to the Telegram Bot API over long polling.
package tg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rpg-stars-bot/internal/metrics"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	defaultTimeout = 30 * time.Second
	pollTimeoutSec = 25
)

// RateLimitError carries Telegram's retry_after hint for 429 responses.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram rate limited, retry after %s", e.RetryAfter)
}

// Config holds configuration to initialise the Telegram client.
type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Client wraps the Bot API HTTP surface and the update dispatch loop.
type Client struct {
	logger  *slog.Logger
	baseURL string
	token   string
	http    *http.Client
	metrics *metrics.Metrics
	handler UpdateHandler
}

// UpdateHandler processes inbound Telegram updates.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update Update)
}

// New creates a new Telegram client instance.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		logger:  logger.With("component", "tg"),
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout + pollTimeoutSec*time.Second},
		metrics: cfg.Metrics,
	}, nil
}

// SetUpdateHandler registers the update processor callback.
func (c *Client) SetUpdateHandler(handler UpdateHandler) {
	c.handler = handler
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	if !envelope.OK {
		if envelope.ErrorCode == http.StatusTooManyRequests && envelope.Parameters != nil {
			return &RateLimitError{RetryAfter: time.Duration(envelope.Parameters.RetryAfter) * time.Second}
		}
		return fmt.Errorf("%s failed (%d): %s", method, envelope.ErrorCode, envelope.Description)
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// SendText sends a plain text message and returns the created message id.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	return c.SendTextWithKeyboard(ctx, chatID, text, nil)
}

// SendTextWithKeyboard sends a text message with an optional inline keyboard.
func (c *Client) SendTextWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *InlineKeyboardMarkup) (int64, error) {
	params := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if keyboard != nil {
		params["reply_markup"] = keyboard
	}

	var sent Message
	if err := c.call(ctx, "sendMessage", params, &sent); err != nil {
		return 0, fmt.Errorf("send text: %w", err)
	}
	if c.metrics != nil {
		c.metrics.OutgoingMessages.WithLabelValues("text").Inc()
	}
	return sent.MessageID, nil
}

// DeleteMessage removes a previously sent message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	params := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	if err := c.call(ctx, "deleteMessage", params, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// SendInvoice sends a Stars invoice. The provider token stays empty for XTR.
func (c *Client) SendInvoice(ctx context.Context, chatID int64, title, description, payload, currency string, prices []LabeledPrice) error {
	params := map[string]any{
		"chat_id":        chatID,
		"title":          title,
		"description":    description,
		"payload":        payload,
		"provider_token": "",
		"currency":       currency,
		"prices":         prices,
	}
	if err := c.call(ctx, "sendInvoice", params, nil); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	if c.metrics != nil {
		c.metrics.OutgoingMessages.WithLabelValues("invoice").Inc()
	}
	return nil
}

// AnswerPreCheckoutQuery confirms or rejects a pending checkout.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	params := map[string]any{
		"pre_checkout_query_id": queryID,
		"ok":                    ok,
	}
	if !ok && errorMessage != "" {
		params["error_message"] = errorMessage
	}
	if err := c.call(ctx, "answerPreCheckoutQuery", params, nil); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// AnswerCallbackQuery acknowledges an inline keyboard press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, queryID string) error {
	params := map[string]any{"callback_query_id": queryID}
	if err := c.call(ctx, "answerCallbackQuery", params, nil); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// RefundStarPayment asks Telegram to refund a Stars charge. Refund execution
// is entirely the payment processor's side, the bot only triggers it.
func (c *Client) RefundStarPayment(ctx context.Context, userID int64, chargeID string) error {
	params := map[string]any{
		"user_id":                    userID,
		"telegram_payment_charge_id": chargeID,
	}
	if err := c.call(ctx, "refundStarPayment", params, nil); err != nil {
		return fmt.Errorf("refund star payment: %w", err)
	}
	return nil
}

// GetUpdates long-polls the Bot API for new updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	params := map[string]any{
		"offset":  offset,
		"timeout": pollTimeoutSec,
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	return updates, nil
}
