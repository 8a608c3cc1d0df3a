// Package chat orchestrates a metered conversation turn: rate check, balance
// check, provider call, chunked delivery and the post-delivery charge.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rpg-stars-bot/internal/ledger"
	"rpg-stars-bot/internal/metrics"
	"rpg-stars-bot/internal/payments"
	"rpg-stars-bot/internal/ratelimit"
	"rpg-stars-bot/internal/tg"
)

const (
	startAdventureCallback = "start_adventure"
	adventureOpenerPrompt  = "Start a new adventure for me, describing the initial scene and asking what I want to do."

	thinkingPlaceholder  = "Обдумываю ваши слова..."
	adventurePlaceholder = "Начинаем приключение..."

	apologyMessage = "Таинственная сила препятствует продолжению вашего приключения. Попробуйте позже."

	noBalanceMessage = "🌌 Магическая энергия иссякла! Для продолжения путешествия нужны звёзды силы.\n\n" +
		"Используйте /topup чтобы восполнить запас энергии ⭐"

	settleShortfallMessage = "🌌 Недостаточно звёзд для продолжения приключения.\n" +
		"Используйте /topup для пополнения баланса ⭐"

	helpMessage = "Каждое сообщение стоит 1 Звезду ⭐\n\n" +
		"Команды:\n/topup - Пополнить баланс\n/refund - Вернуть последний платёж\n/help - Показать это сообщение"
)

// Provider generates the roleplay reply for one turn.
type Provider interface {
	Generate(ctx context.Context, systemPrompt, defaultPrompt, userText string) (string, error)
}

// Transport is the outbound message surface of the chat host.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string) (int64, error)
	SendTextWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *tg.InlineKeyboardMarkup) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	AnswerCallbackQuery(ctx context.Context, queryID string) error
}

// Wallet is the ledger surface the pipeline needs.
type Wallet interface {
	GetBalance(ctx context.Context, userID int64) (int64, error)
	InitUser(ctx context.Context, userID int64) error
	HasEnoughBalance(ctx context.Context, userID, cost int64) (bool, error)
	Deduct(ctx context.Context, userID, amount int64) error
}

// EngineConfig tunes the delivery pipeline.
type EngineConfig struct {
	MessageCost       int64
	MaxPartLength     int
	PartSendDelay     time.Duration
	StartDedupWindow  time.Duration
	MessageRateWindow time.Duration
	SystemPrompt      string
	DefaultPrompt     string
}

// Engine routes inbound updates through the metered turn pipeline.
type Engine struct {
	wallet       Wallet
	provider     Provider
	transport    Transport
	payments     *payments.Bridge
	startLimiter *ratelimit.Limiter
	msgLimiter   *ratelimit.Limiter
	metrics      *metrics.Metrics
	logger       *slog.Logger
	cfg          EngineConfig
}

// New creates the chat engine with its two independent cooldown gates.
func New(wallet Wallet, provider Provider, transport Transport, paymentBridge *payments.Bridge, metricRegistry *metrics.Metrics, logger *slog.Logger, cfg EngineConfig) *Engine {
	if cfg.MessageCost <= 0 {
		cfg.MessageCost = 1
	}
	if cfg.MaxPartLength <= 0 {
		cfg.MaxPartLength = DefaultMaxPartLength
	}
	if cfg.StartDedupWindow <= 0 {
		cfg.StartDedupWindow = 2 * time.Second
	}
	if cfg.MessageRateWindow <= 0 {
		cfg.MessageRateWindow = 2 * time.Second
	}
	return &Engine{
		wallet:       wallet,
		provider:     provider,
		transport:    transport,
		payments:     paymentBridge,
		startLimiter: ratelimit.New(cfg.StartDedupWindow),
		msgLimiter:   ratelimit.New(cfg.MessageRateWindow),
		metrics:      metricRegistry,
		logger:       logger.With("component", "chat"),
		cfg:          cfg,
	}
}

// RunCleanup periodically evicts stale rate-limiter entries until ctx ends.
func (e *Engine) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.startLimiter.Cleanup(interval)
			e.msgLimiter.Cleanup(interval)
		}
	}
}

// HandleUpdate dispatches one inbound update. It satisfies tg.UpdateHandler.
func (e *Engine) HandleUpdate(ctx context.Context, update tg.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		if err := e.payments.HandlePreCheckout(ctx, *update.PreCheckoutQuery); err != nil {
			e.logger.Error("pre-checkout failed", "error", err)
		}
	case update.CallbackQuery != nil:
		e.handleCallback(ctx, *update.CallbackQuery)
	case update.Message != nil:
		e.handleIncomingMessage(ctx, *update.Message)
	}
}

func (e *Engine) handleCallback(ctx context.Context, query tg.CallbackQuery) {
	if query.Message == nil {
		return
	}
	chatID := query.Message.Chat.ID

	if err := e.transport.AnswerCallbackQuery(ctx, query.ID); err != nil {
		e.logger.Debug("failed answering callback", "error", err)
	}

	switch {
	case query.Data == startAdventureCallback:
		e.logger.Info("starting adventure", "user_id", query.From.ID, "chat_id", chatID)
		e.runTurn(ctx, chatID, query.From.ID, adventureOpenerPrompt, adventurePlaceholder)
	case strings.HasPrefix(query.Data, "buy_"):
		if err := e.payments.HandleBuyCallback(ctx, chatID, query.Data); err != nil {
			e.logger.Error("buy callback failed", "error", err, "data", query.Data)
		}
	}
}

func (e *Engine) handleIncomingMessage(ctx context.Context, msg tg.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if msg.SuccessfulPayment != nil {
		if err := e.payments.HandleSuccessfulPayment(ctx, chatID, userID, *msg.SuccessfulPayment); err != nil {
			e.logger.Error("payment handling failed", "error", err, "user_id", userID)
			if e.metrics != nil {
				e.metrics.Errors.WithLabelValues("payments").Inc()
			}
		}
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "/start":
		e.handleStart(ctx, chatID, userID)
	case text == "/topup":
		if err := e.payments.HandleTopupCommand(ctx, chatID); err != nil {
			e.logger.Error("topup command failed", "error", err)
		}
	case text == "/refund":
		if err := e.payments.HandleRefundCommand(ctx, chatID, userID); err != nil {
			e.logger.Error("refund command failed", "error", err)
		}
	case text == "/help":
		if _, err := e.transport.SendText(ctx, chatID, helpMessage); err != nil {
			e.logger.Error("help message failed", "error", err)
		}
	case text == "" || strings.HasPrefix(text, "/") || msg.ViaBot != nil:
		// Unknown commands and bot-originated messages are ignored.
	case msg.ReplyToMessage != nil && strings.HasPrefix(msg.ReplyToMessage.Text, "/"):
		// Replies to command output are not chat turns.
	default:
		e.handleMessage(ctx, chatID, userID, text)
	}
}

// handleStart greets the user and lazily creates the account. Rapid double
// taps on /start are deduplicated by the start limiter.
func (e *Engine) handleStart(ctx context.Context, chatID, userID int64) {
	if !e.startLimiter.CanExecute(chatID) {
		return
	}

	if err := e.wallet.InitUser(ctx, userID); err != nil {
		e.logger.Error("init user failed", "error", err, "user_id", userID)
		return
	}
	balance, err := e.wallet.GetBalance(ctx, userID)
	if err != nil {
		e.logger.Error("get balance failed", "error", err, "user_id", userID)
		return
	}

	welcome := fmt.Sprintf(`Приветствуем в мире Рунтерры! 🌌

Вас ждёт увлекательная ролевая игра в стиле «Аркейн» — с интригами, загадками и выбором, который меняет всё.

Готов начать нашу ролевую игру в мире Рунтерры?

Ваш баланс: %d ⭐

Команды:
/topup - Пополнить баланс`, balance)

	keyboard := &tg.InlineKeyboardMarkup{
		InlineKeyboard: [][]tg.InlineKeyboardButton{{
			{Text: "Начать приключение ⚔️", CallbackData: startAdventureCallback},
		}},
	}
	if _, err := e.transport.SendTextWithKeyboard(ctx, chatID, welcome, keyboard); err != nil {
		e.logger.Error("welcome message failed", "error", err, "chat_id", chatID)
	}
}

// handleMessage is the metered turn entry point for free-form user text.
func (e *Engine) handleMessage(ctx context.Context, chatID, userID int64, text string) {
	if !e.msgLimiter.CanExecute(chatID) {
		return
	}
	e.runTurn(ctx, chatID, userID, text, thinkingPlaceholder)
}

// runTurn walks one turn through balance check, generation, chunked delivery
// and settlement. The charge happens only after the whole reply was confirmed
// delivered; a turn that fails at any earlier point leaves the ledger untouched.
func (e *Engine) runTurn(ctx context.Context, chatID, userID int64, userText, placeholderText string) {
	enough, err := e.wallet.HasEnoughBalance(ctx, userID, e.cfg.MessageCost)
	if err != nil {
		e.logger.Error("balance check failed", "error", err, "user_id", userID)
		if e.metrics != nil {
			e.metrics.Errors.WithLabelValues("ledger").Inc()
		}
		e.sendApology(ctx, chatID)
		return
	}
	if !enough {
		if _, err := e.transport.SendTextWithKeyboard(ctx, chatID, noBalanceMessage, payments.TopupKeyboard()); err != nil {
			e.logger.Error("balance warning failed", "error", err, "chat_id", chatID)
		}
		return
	}

	placeholderID, err := e.transport.SendText(ctx, chatID, placeholderText)
	if err != nil {
		e.logger.Error("placeholder send failed", "error", err, "chat_id", chatID)
		placeholderID = 0
	}

	response, err := e.provider.Generate(ctx, e.cfg.SystemPrompt, e.cfg.DefaultPrompt, userText)
	if err != nil {
		e.logger.Error("provider call failed", "error", err, "user_id", userID)
		if e.metrics != nil {
			e.metrics.Errors.WithLabelValues("provider").Inc()
		}
		e.failTurn(ctx, chatID, placeholderID)
		return
	}

	e.deletePlaceholder(ctx, chatID, placeholderID)

	parts := SplitMessage(response, e.cfg.MaxPartLength)
	if len(parts) == 0 {
		e.logger.Error("provider returned no deliverable content", "user_id", userID)
		e.sendApology(ctx, chatID)
		return
	}

	for i, part := range parts {
		if e.cfg.PartSendDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.PartSendDelay):
			}
		}
		if _, err := e.transport.SendText(ctx, chatID, part); err != nil {
			// Already delivered parts stay, the rest of the turn is dropped
			// and the charge step is skipped.
			e.logger.Error("part delivery failed", "error", err, "chat_id", chatID, "part", i+1, "total", len(parts))
			if e.metrics != nil {
				e.metrics.Errors.WithLabelValues("delivery").Inc()
			}
			return
		}
	}

	e.settle(ctx, chatID, userID)
}

// settle charges the turn after confirmed delivery. A shortfall here means the
// balance changed between the pre-check and now; the reply is not reversed.
func (e *Engine) settle(ctx context.Context, chatID, userID int64) {
	err := e.wallet.Deduct(ctx, userID, e.cfg.MessageCost)
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		e.logger.Info("balance dropped before settlement", "user_id", userID)
		if _, sendErr := e.transport.SendText(ctx, chatID, settleShortfallMessage); sendErr != nil {
			e.logger.Error("settle notice failed", "error", sendErr, "chat_id", chatID)
		}
	case err != nil:
		e.logger.Error("deduct failed after delivery", "error", err, "user_id", userID)
		if e.metrics != nil {
			e.metrics.Errors.WithLabelValues("ledger").Inc()
		}
	default:
		if e.metrics != nil {
			e.metrics.TurnsSettled.Inc()
		}
		e.logger.Info("turn settled", "user_id", userID, "cost", e.cfg.MessageCost)
	}
}

// failTurn surfaces a turn failure to the user, reusing the placeholder
// message when one is still on screen.
func (e *Engine) failTurn(ctx context.Context, chatID, placeholderID int64) {
	if placeholderID != 0 {
		if err := e.transport.EditMessage(ctx, chatID, placeholderID, apologyMessage); err == nil {
			return
		}
		e.deletePlaceholder(ctx, chatID, placeholderID)
	}
	e.sendApology(ctx, chatID)
}

func (e *Engine) deletePlaceholder(ctx context.Context, chatID, messageID int64) {
	if messageID == 0 {
		return
	}
	if err := e.transport.DeleteMessage(ctx, chatID, messageID); err != nil {
		e.logger.Debug("failed deleting placeholder", "error", err, "message_id", messageID)
	}
}

func (e *Engine) sendApology(ctx context.Context, chatID int64) {
	if _, err := e.transport.SendText(ctx, chatID, apologyMessage); err != nil {
		e.logger.Error("apology send failed", "error", err, "chat_id", chatID)
	}
}
