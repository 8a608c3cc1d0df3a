// Package payments bridges Telegram Stars purchases into ledger credits and
// tracks payment references for refunds.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"rpg-stars-bot/internal/metrics"
	"rpg-stars-bot/internal/repo"
	"rpg-stars-bot/internal/tg"
)

const (
	currencyStars = "XTR"
	payloadPrefix = "stars_"
	buyPrefix     = "buy_"

	// Processed payment ids are remembered long enough to absorb any
	// replayed confirmation events.
	dedupTTL = 30 * 24 * time.Hour
)

// Pack is one purchasable star bundle.
type Pack struct {
	Stars    int64
	PriceUSD float64
}

// Packs lists the star bundles offered in the top-up keyboard.
var Packs = []Pack{
	{Stars: 50, PriceUSD: 0.99},
	{Stars: 100, PriceUSD: 1.99},
	{Stars: 500, PriceUSD: 8.99},
	{Stars: 1000, PriceUSD: 16.99},
}

// Transport is the outbound message surface the bridge needs.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string) (int64, error)
	SendTextWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *tg.InlineKeyboardMarkup) (int64, error)
	SendInvoice(ctx context.Context, chatID int64, title, description, payload, currency string, prices []tg.LabeledPrice) error
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
	RefundStarPayment(ctx context.Context, userID int64, chargeID string) error
}

// Wallet is the ledger surface the bridge needs.
type Wallet interface {
	Credit(ctx context.Context, userID, amount int64) error
}

// Dedup guards against replayed purchase confirmations.
type Dedup interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Store persists payment references.
type Store interface {
	RecordPayment(ctx context.Context, payment repo.Payment) error
	GetLastPaymentID(ctx context.Context, userID int64) (string, error)
}

// Bridge reacts to payment events. It never initiates a charge.
type Bridge struct {
	wallet    Wallet
	store     Store
	transport Transport
	dedup     Dedup
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a payment bridge. dedup may be nil, replay protection then
// relies on the store's unique payment reference alone.
func New(wallet Wallet, store Store, transport Transport, dedup Dedup, metricRegistry *metrics.Metrics, logger *slog.Logger) *Bridge {
	return &Bridge{
		wallet:    wallet,
		store:     store,
		transport: transport,
		dedup:     dedup,
		metrics:   metricRegistry,
		logger:    logger.With("component", "payments"),
	}
}

// TopupKeyboard builds the star-pack selection keyboard.
func TopupKeyboard() *tg.InlineKeyboardMarkup {
	rows := make([][]tg.InlineKeyboardButton, 0, len(Packs))
	for _, pack := range Packs {
		rows = append(rows, []tg.InlineKeyboardButton{{
			Text:         fmt.Sprintf("⭐ Пополнить на %d Звезд за %.2f$", pack.Stars, pack.PriceUSD),
			CallbackData: fmt.Sprintf("%s%d", buyPrefix, pack.Stars),
		}})
	}
	return &tg.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// HandleTopupCommand shows the star-pack keyboard.
func (b *Bridge) HandleTopupCommand(ctx context.Context, chatID int64) error {
	_, err := b.transport.SendTextWithKeyboard(ctx, chatID,
		"💫 Выберите количество Звезд для восполнения магической энергии:",
		TopupKeyboard())
	if err != nil {
		return fmt.Errorf("send topup keyboard: %w", err)
	}
	return nil
}

// HandleBuyCallback turns a buy_<stars> button press into an invoice.
func (b *Bridge) HandleBuyCallback(ctx context.Context, chatID int64, data string) error {
	stars, ok := parseBuyCallback(data)
	if !ok {
		return nil
	}
	pack, ok := findPack(stars)
	if !ok {
		return nil
	}

	priceInCents := int64(math.Round(pack.PriceUSD * 100))
	err := b.transport.SendInvoice(ctx, chatID,
		fmt.Sprintf("%d Звезд", pack.Stars),
		fmt.Sprintf("Пополнение магической энергии на %d Звезд", pack.Stars),
		fmt.Sprintf("%s%d", payloadPrefix, pack.Stars),
		currencyStars,
		[]tg.LabeledPrice{{Label: fmt.Sprintf("%d Звезд", pack.Stars), Amount: priceInCents}},
	)
	if err != nil {
		b.logger.Error("invoice creation failed", "error", err, "chat_id", chatID, "stars", pack.Stars)
		if _, sendErr := b.transport.SendText(ctx, chatID,
			"Не удалось создать платёж. Пожалуйста, попробуйте ещё раз."); sendErr != nil {
			b.logger.Error("failed sending invoice error notice", "error", sendErr)
		}
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

// HandlePreCheckout approves the checkout. Telegram requires an answer within
// ten seconds or the payment fails.
func (b *Bridge) HandlePreCheckout(ctx context.Context, query tg.PreCheckoutQuery) error {
	if err := b.transport.AnswerPreCheckoutQuery(ctx, query.ID, true, ""); err != nil {
		return fmt.Errorf("approve pre-checkout: %w", err)
	}
	return nil
}

// HandleSuccessfulPayment credits the purchased stars exactly once and
// durably records the payment reference for later refund lookups.
func (b *Bridge) HandleSuccessfulPayment(ctx context.Context, chatID, userID int64, payment tg.SuccessfulPayment) error {
	stars, err := starsFromPayload(payment.InvoicePayload)
	if err != nil {
		return fmt.Errorf("parse payment payload: %w", err)
	}

	if b.dedup != nil {
		fresh, err := b.dedup.SetNX(ctx, "payment:"+payment.TelegramPaymentChargeID, strconv.FormatInt(userID, 10), dedupTTL)
		if err != nil {
			// Redis being down must not lose a purchase, fall through to the
			// store's unique payment reference.
			b.logger.Warn("payment dedup unavailable", "error", err)
		} else if !fresh {
			b.logger.Info("duplicate payment event ignored", "user_id", userID, "payment_id", payment.TelegramPaymentChargeID)
			return nil
		}
	}

	if err := b.wallet.Credit(ctx, userID, stars); err != nil {
		return fmt.Errorf("credit purchase: %w", err)
	}

	if err := b.store.RecordPayment(ctx, repo.Payment{
		UserID:     userID,
		Stars:      stars,
		PaymentRef: payment.TelegramPaymentChargeID,
	}); err != nil {
		// The balance is already credited, only the refund reference is lost.
		b.logger.Error("failed recording payment reference", "error", err, "user_id", userID)
	}

	if b.metrics != nil {
		b.metrics.Payments.Inc()
		b.metrics.PaymentsStars.Add(float64(stars))
	}
	b.logger.Info("purchase credited", "user_id", userID, "stars", stars, "payment_id", payment.TelegramPaymentChargeID)

	if _, err := b.transport.SendText(ctx, chatID,
		fmt.Sprintf("✨ Великолепно! %d Звезд добавлено к вашей магической силе.\nТеперь вы можете продолжить своё приключение!", stars)); err != nil {
		b.logger.Error("failed sending payment confirmation", "error", err)
	}
	return nil
}

// LastPaymentID returns the most recent payment reference for the user.
func (b *Bridge) LastPaymentID(ctx context.Context, userID int64) (string, error) {
	return b.store.GetLastPaymentID(ctx, userID)
}

// HandleRefundCommand triggers a Stars refund of the user's last payment.
func (b *Bridge) HandleRefundCommand(ctx context.Context, chatID, userID int64) error {
	paymentID, err := b.store.GetLastPaymentID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if _, sendErr := b.transport.SendText(ctx, chatID, "У вас пока нет платежей для возврата."); sendErr != nil {
				return fmt.Errorf("send no-payments notice: %w", sendErr)
			}
			return nil
		}
		return fmt.Errorf("lookup last payment: %w", err)
	}

	if err := b.transport.RefundStarPayment(ctx, userID, paymentID); err != nil {
		b.logger.Error("refund failed", "error", err, "user_id", userID, "payment_id", paymentID)
		if b.metrics != nil {
			b.metrics.Errors.WithLabelValues("payments_refund").Inc()
		}
		if _, sendErr := b.transport.SendText(ctx, chatID,
			"❌ Извините, произошла ошибка при обработке возврата. Пожалуйста, попробуйте позже."); sendErr != nil {
			b.logger.Error("failed sending refund error notice", "error", sendErr)
		}
		return fmt.Errorf("refund payment: %w", err)
	}

	if _, err := b.transport.SendText(ctx, chatID, "✅ Ваши Звезды были успешно возвращены."); err != nil {
		b.logger.Error("failed sending refund confirmation", "error", err)
	}
	return nil
}

func parseBuyCallback(data string) (int64, bool) {
	if !strings.HasPrefix(data, buyPrefix) {
		return 0, false
	}
	stars, err := strconv.ParseInt(strings.TrimPrefix(data, buyPrefix), 10, 64)
	if err != nil || stars <= 0 {
		return 0, false
	}
	return stars, true
}

func starsFromPayload(payload string) (int64, error) {
	if !strings.HasPrefix(payload, payloadPrefix) {
		return 0, fmt.Errorf("unexpected payload %q", payload)
	}
	stars, err := strconv.ParseInt(strings.TrimPrefix(payload, payloadPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stars from payload %q: %w", payload, err)
	}
	if stars <= 0 {
		return 0, fmt.Errorf("non-positive stars in payload %q", payload)
	}
	return stars, nil
}

func findPack(stars int64) (Pack, bool) {
	for _, pack := range Packs {
		if pack.Stars == stars {
			return pack, true
		}
	}
	return Pack{}, false
}
