package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rpg-stars-bot/internal/ledger"
	"rpg-stars-bot/internal/logging"
	"rpg-stars-bot/internal/metrics"
	"rpg-stars-bot/internal/repo"
	"rpg-stars-bot/internal/tg"
)

type fakeTransport struct {
	mu       sync.Mutex
	texts    []string
	invoices []string
	refunds  []string
}

func (t *fakeTransport) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.texts = append(t.texts, text)
	return int64(len(t.texts)), nil
}

func (t *fakeTransport) SendTextWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *tg.InlineKeyboardMarkup) (int64, error) {
	return t.SendText(ctx, chatID, text)
}

func (t *fakeTransport) SendInvoice(ctx context.Context, chatID int64, title, description, payload, currency string, prices []tg.LabeledPrice) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invoices = append(t.invoices, payload)
	return nil
}

func (t *fakeTransport) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	return nil
}

func (t *fakeTransport) RefundStarPayment(ctx context.Context, userID int64, chargeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refunds = append(t.refunds, chargeID)
	return nil
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *fakeDedup) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func newTestBridge(dedup Dedup) (*Bridge, *repo.MemoryStore, *fakeTransport, *ledger.Ledger) {
	store := repo.NewMemory()
	logger := logging.NewLogger("error")
	reg := metrics.Registry("test")
	wallet := ledger.New(store, 0, logger, reg)
	transport := &fakeTransport{}
	return New(wallet, store, transport, dedup, reg, logger), store, transport, wallet
}

func TestSuccessfulPaymentCreditsBalance(t *testing.T) {
	ctx := context.Background()
	bridge, store, transport, _ := newTestBridge(nil)

	if err := store.CreateUserIfAbsent(ctx, 42, 5); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	payment := tg.SuccessfulPayment{
		Currency:                "XTR",
		InvoicePayload:          "stars_100",
		TelegramPaymentChargeID: "abc",
	}
	if err := bridge.HandleSuccessfulPayment(ctx, 7, 42, payment); err != nil {
		t.Fatalf("handle payment: %v", err)
	}

	u, err := store.GetUser(ctx, 42)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Balance != 105 {
		t.Fatalf("expected balance 105, got %d", u.Balance)
	}
	if u.StarsPurchased != 100 {
		t.Fatalf("expected stars_purchased 100, got %d", u.StarsPurchased)
	}

	lastID, err := bridge.LastPaymentID(ctx, 42)
	if err != nil {
		t.Fatalf("last payment id: %v", err)
	}
	if lastID != "abc" {
		t.Fatalf("expected last payment id abc, got %q", lastID)
	}
	if len(transport.texts) != 1 {
		t.Fatalf("expected one confirmation message, got %d", len(transport.texts))
	}
}

func TestSuccessfulPaymentCreatesAccount(t *testing.T) {
	ctx := context.Background()
	bridge, store, _, _ := newTestBridge(nil)

	payment := tg.SuccessfulPayment{InvoicePayload: "stars_50", TelegramPaymentChargeID: "xyz"}
	if err := bridge.HandleSuccessfulPayment(ctx, 7, 99, payment); err != nil {
		t.Fatalf("handle payment: %v", err)
	}

	u, err := store.GetUser(ctx, 99)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Balance != 50 || u.StarsPurchased != 50 {
		t.Fatalf("new account must be seeded with the purchase, got balance=%d purchased=%d", u.Balance, u.StarsPurchased)
	}
}

func TestReplayedPaymentIsCreditedOnce(t *testing.T) {
	ctx := context.Background()
	bridge, store, _, _ := newTestBridge(&fakeDedup{})

	payment := tg.SuccessfulPayment{InvoicePayload: "stars_100", TelegramPaymentChargeID: "dup-1"}
	if err := bridge.HandleSuccessfulPayment(ctx, 7, 42, payment); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := bridge.HandleSuccessfulPayment(ctx, 7, 42, payment); err != nil {
		t.Fatalf("replayed event: %v", err)
	}

	u, err := store.GetUser(ctx, 42)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Balance != 100 {
		t.Fatalf("replayed payment must not credit twice, got %d", u.Balance)
	}
}

func TestMalformedPayloadIsRejected(t *testing.T) {
	ctx := context.Background()
	bridge, store, _, _ := newTestBridge(nil)

	payment := tg.SuccessfulPayment{InvoicePayload: "gift_100", TelegramPaymentChargeID: "bad"}
	if err := bridge.HandleSuccessfulPayment(ctx, 7, 42, payment); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if _, err := store.GetUser(ctx, 42); !errors.Is(err, repo.ErrNotFound) {
		t.Fatal("malformed payment must not create an account")
	}
}

func TestBuyCallbackSendsInvoice(t *testing.T) {
	ctx := context.Background()
	bridge, _, transport, _ := newTestBridge(nil)

	if err := bridge.HandleBuyCallback(ctx, 7, "buy_500"); err != nil {
		t.Fatalf("buy callback: %v", err)
	}
	if len(transport.invoices) != 1 || transport.invoices[0] != "stars_500" {
		t.Fatalf("expected invoice with payload stars_500, got %v", transport.invoices)
	}
}

func TestBuyCallbackUnknownPackIgnored(t *testing.T) {
	ctx := context.Background()
	bridge, _, transport, _ := newTestBridge(nil)

	if err := bridge.HandleBuyCallback(ctx, 7, "buy_123"); err != nil {
		t.Fatalf("unknown pack should be ignored, got %v", err)
	}
	if len(transport.invoices) != 0 {
		t.Fatalf("no invoice expected for unknown pack, got %v", transport.invoices)
	}
}

func TestRefundUsesLastPaymentID(t *testing.T) {
	ctx := context.Background()
	bridge, _, transport, _ := newTestBridge(nil)

	payment := tg.SuccessfulPayment{InvoicePayload: "stars_50", TelegramPaymentChargeID: "charge-9"}
	if err := bridge.HandleSuccessfulPayment(ctx, 7, 42, payment); err != nil {
		t.Fatalf("handle payment: %v", err)
	}

	if err := bridge.HandleRefundCommand(ctx, 7, 42); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(transport.refunds) != 1 || transport.refunds[0] != "charge-9" {
		t.Fatalf("expected refund of charge-9, got %v", transport.refunds)
	}
}

func TestRefundWithoutPayments(t *testing.T) {
	ctx := context.Background()
	bridge, _, transport, _ := newTestBridge(nil)

	if err := bridge.HandleRefundCommand(ctx, 7, 42); err != nil {
		t.Fatalf("refund without payments: %v", err)
	}
	if len(transport.refunds) != 0 {
		t.Fatalf("no refund expected, got %v", transport.refunds)
	}
	if len(transport.texts) != 1 {
		t.Fatalf("expected a no-payments notice, got %d messages", len(transport.texts))
	}
}
