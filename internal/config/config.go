// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable of the service.
type Config struct {
	AppEnv   string
	LogLevel string

	HTTPListenAddr   string
	MetricsNamespace string

	// Storage
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	// Telegram
	TelegramToken   string
	TelegramBaseURL string
	TelegramTimeout time.Duration

	// AI provider
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAITimeout time.Duration

	// Persona
	SystemPrompt  string
	DefaultPrompt string

	// Metering
	MessageCost       int64
	InitialBalance    int64
	MaxPartLength     int
	StartDedupWindow  time.Duration
	MessageRateWindow time.Duration
	PartSendDelay     time.Duration
}

const defaultSystemPrompt = "You are an RPG game master in the world of Arcane. You speak in a mystical " +
	"and enchanting way, using references to magic, hextech, and the world of Piltover and Zaun. " +
	"Always stay in character and make references to Arcane's lore and characters when appropriate."

const defaultDefaultPrompt = "Продолжайте разговор в ролевой игре естественно, сохраняя характер и согласованность сюжета."

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:   getenv("APP_ENV", "development"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		HTTPListenAddr:   getenv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsNamespace: getenv("METRICS_NAMESPACE", "rpgbot"),

		DatabaseDriver: strings.ToLower(getenv("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: os.Getenv("DATABASE_SCHEMA"),
		SQLitePath:     getenv("SQLITE_PATH", "data/bot.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramBaseURL: os.Getenv("TELEGRAM_API_BASE_URL"),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4"),

		SystemPrompt:  getenv("SYSTEM_PROMPT", defaultSystemPrompt),
		DefaultPrompt: getenv("DEFAULT_PROMPT", defaultDefaultPrompt),
	}

	var err error
	if cfg.RedisDB, err = parseInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisTLS, err = parseBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	if cfg.TelegramTimeout, err = parseDuration("TELEGRAM_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.OpenAITimeout, err = parseDuration("OPENAI_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}

	messageCost, err := parseInt("MESSAGE_COST", 1)
	if err != nil {
		return nil, err
	}
	cfg.MessageCost = int64(messageCost)

	initialBalance, err := parseInt("INITIAL_BALANCE", 0)
	if err != nil {
		return nil, err
	}
	cfg.InitialBalance = int64(initialBalance)

	if cfg.MaxPartLength, err = parseInt("MAX_PART_LENGTH", 4000); err != nil {
		return nil, err
	}
	if cfg.StartDedupWindow, err = parseDuration("START_DEDUP_WINDOW", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.MessageRateWindow, err = parseDuration("MESSAGE_RATE_WINDOW", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.PartSendDelay, err = parseDuration("PART_SEND_DELAY", 100*time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.MessageCost <= 0 {
		return nil, fmt.Errorf("MESSAGE_COST must be positive")
	}
	if cfg.InitialBalance < 0 {
		return nil, fmt.Errorf("INITIAL_BALANCE must not be negative")
	}
	switch cfg.DatabaseDriver {
	case "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseInt(key string, fallback int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func parseBool(key string, fallback bool) (bool, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
