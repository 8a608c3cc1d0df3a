// Package ai provides the chat-completions client used to generate roleplay
// replies. One request per turn, no conversation memory is carried.
package ai

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
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4"
	defaultTimeout = 60 * time.Second

	// Replies shorter than this are treated as a provider failure.
	minResponseLength = 10
)

// ErrEmptyResponse indicates the provider returned no usable content.
var ErrEmptyResponse = errors.New("provider returned empty response")

// Client calls the OpenAI chat-completions API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds provider client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// New creates a provider client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		logger:  logger.With("component", "ai"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		metrics: metricRegistry,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens"`
	PresencePenalty  float64       `json:"presence_penalty"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate issues a single chat-completions request with the persona prompts
// and the user's text as the sole turn. No retry is performed.
func (c *Client) Generate(ctx context.Context, systemPrompt, defaultPrompt, userText string) (string, error) {
	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
	}
	if defaultPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: defaultPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userText})

	reqBody := chatRequest{
		Model:            c.model,
		Messages:         messages,
		Temperature:      0.8,
		MaxTokens:        7000,
		PresencePenalty:  0.7,
		FrequencyPenalty: 0.7,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		c.observe("error", start)
		return "", fmt.Errorf("read chat response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.observe("error", start)
		return "", fmt.Errorf("decode chat response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.observe("error", start)
		if parsed.Error != nil {
			return "", fmt.Errorf("provider error (%d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("provider error: status %d", resp.StatusCode)
	}

	if len(parsed.Choices) == 0 {
		c.observe("empty", start)
		return "", ErrEmptyResponse
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if len(content) < minResponseLength {
		c.observe("empty", start)
		return "", ErrEmptyResponse
	}

	c.observe("ok", start)
	c.logger.Debug("provider reply received", "length", len(content))
	return content, nil
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRequests.WithLabelValues(status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}
