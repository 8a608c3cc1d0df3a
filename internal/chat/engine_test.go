package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"rpg-stars-bot/internal/ledger"
	"rpg-stars-bot/internal/logging"
	"rpg-stars-bot/internal/metrics"
	"rpg-stars-bot/internal/payments"
	"rpg-stars-bot/internal/ratelimit"
	"rpg-stars-bot/internal/repo"
	"rpg-stars-bot/internal/tg"
)

type fakeProvider struct {
	response     string
	err          error
	calls        int
	lastUserText string
}

func (p *fakeProvider) Generate(ctx context.Context, systemPrompt, defaultPrompt, userText string) (string, error) {
	p.calls++
	p.lastUserText = userText
	if p.err != nil {
		return "", p.err
	}
	return p.response, nil
}

type sentMessage struct {
	chatID   int64
	text     string
	keyboard bool
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentMessage
	edited    []sentMessage
	deleted   []int64
	refunds   []string
	nextID    int64
	failAfter int // fail sends once this many messages have gone out, 0 = never
}

func (t *fakeTransport) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	return t.send(chatID, text, false)
}

func (t *fakeTransport) SendTextWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *tg.InlineKeyboardMarkup) (int64, error) {
	return t.send(chatID, text, keyboard != nil)
}

func (t *fakeTransport) send(chatID int64, text string, keyboard bool) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAfter > 0 && len(t.sent) >= t.failAfter {
		return 0, errors.New("send failed")
	}
	t.nextID++
	t.sent = append(t.sent, sentMessage{chatID: chatID, text: text, keyboard: keyboard})
	return t.nextID, nil
}

func (t *fakeTransport) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edited = append(t.edited, sentMessage{chatID: chatID, text: text})
	return nil
}

func (t *fakeTransport) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = append(t.deleted, messageID)
	return nil
}

func (t *fakeTransport) AnswerCallbackQuery(ctx context.Context, queryID string) error { return nil }

func (t *fakeTransport) SendInvoice(ctx context.Context, chatID int64, title, description, payload, currency string, prices []tg.LabeledPrice) error {
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

func (t *fakeTransport) messages() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentMessage(nil), t.sent...)
}

type testRig struct {
	engine    *Engine
	store     *repo.MemoryStore
	wallet    *ledger.Ledger
	provider  *fakeProvider
	transport *fakeTransport
}

func newTestRig(t *testing.T, provider *fakeProvider, transport *fakeTransport) *testRig {
	t.Helper()
	store := repo.NewMemory()
	logger := logging.NewLogger("error")
	reg := metrics.Registry("test")
	wallet := ledger.New(store, 0, logger, reg)
	bridge := payments.New(wallet, store, transport, nil, reg, logger)

	engine := New(wallet, provider, transport, bridge, reg, logger, EngineConfig{
		MessageCost:   1,
		MaxPartLength: 4000,
		SystemPrompt:  "You are a game master.",
	})
	return &testRig{engine: engine, store: store, wallet: wallet, provider: provider, transport: transport}
}

func userMessage(chatID, userID int64, text string) tg.Update {
	return tg.Update{Message: &tg.Message{
		MessageID: 1,
		From:      &tg.User{ID: userID},
		Chat:      tg.Chat{ID: chatID},
		Text:      text,
	}}
}

func TestTurnDeliversChunkedReplyAndCharges(t *testing.T) {
	ctx := context.Background()

	var b strings.Builder
	for b.Len() < 9000 {
		b.WriteString("The shimmer of hextech lights the lanes of Piltover tonight. ")
	}
	provider := &fakeProvider{response: b.String()}
	transport := &fakeTransport{}
	rig := newTestRig(t, provider, transport)

	if err := rig.wallet.Credit(ctx, 10, 1); err != nil {
		t.Fatalf("credit: %v", err)
	}

	rig.engine.HandleUpdate(ctx, userMessage(100, 10, "What do I see?"))

	msgs := transport.messages()
	if len(msgs) == 0 {
		t.Fatal("expected messages sent")
	}
	if msgs[0].text != thinkingPlaceholder {
		t.Fatalf("expected placeholder first, got %q", msgs[0].text)
	}
	if len(transport.deleted) != 1 {
		t.Fatalf("expected placeholder deleted, got %d deletions", len(transport.deleted))
	}

	parts := msgs[1:]
	if len(parts) < 3 {
		t.Fatalf("expected at least 3 content parts, got %d", len(parts))
	}
	for i, part := range parts {
		if utf8.RuneCountInString(part.text) > 4000 {
			t.Fatalf("part %d exceeds 4000 chars", i)
		}
	}

	u, err := rig.store.GetUser(ctx, 10)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Balance != 0 {
		t.Fatalf("expected balance 0 after settle, got %d", u.Balance)
	}
	if u.MessagesReceived != 1 {
		t.Fatalf("expected messages_received 1, got %d", u.MessagesReceived)
	}
	if provider.calls != 1 {
		t.Fatalf("expected one provider call, got %d", provider.calls)
	}
}

func TestZeroBalanceSkipsProviderAndDelivery(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{response: "A grand reply worth reading."}
	transport := &fakeTransport{}
	rig := newTestRig(t, provider, transport)

	rig.engine.HandleUpdate(ctx, userMessage(100, 10, "hello?"))

	if provider.calls != 0 {
		t.Fatalf("provider must not be called on zero balance, got %d calls", provider.calls)
	}
	msgs := transport.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one warning message, got %d", len(msgs))
	}
	if !msgs[0].keyboard {
		t.Fatal("warning must carry the top-up keyboard")
	}
	balance, err := rig.wallet.GetBalance(ctx, 10)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance must stay 0, got %d", balance)
	}
}

func TestProviderFailureSendsOneApologyNoCharge(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{err: errors.New("upstream down")}
	transport := &fakeTransport{}
	rig := newTestRig(t, provider, transport)

	if err := rig.wallet.Credit(ctx, 10, 1); err != nil {
		t.Fatalf("credit: %v", err)
	}

	rig.engine.HandleUpdate(ctx, userMessage(100, 10, "tell me a story"))

	// The placeholder is edited into the apology rather than replaced.
	var apologies, content int
	for _, m := range append(transport.messages(), transport.edited...) {
		switch m.text {
		case apologyMessage:
			apologies++
		case thinkingPlaceholder:
		default:
			content++
		}
	}
	if apologies != 1 {
		t.Fatalf("expected exactly one apology, got %d", apologies)
	}
	if content != 0 {
		t.Fatalf("expected zero content parts, got %d", content)
	}

	balance, err := rig.wallet.GetBalance(ctx, 10)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 1 {
		t.Fatalf("balance must be unchanged, got %d", balance)
	}
}

func TestDeliveryFailureSkipsCharge(t *testing.T) {
	ctx := context.Background()

	var b strings.Builder
	for b.Len() < 9000 {
		b.WriteString("Smoke coils from the chem vents of the undercity below. ")
	}
	provider := &fakeProvider{response: b.String()}
	// Allow the placeholder and the first part, then fail.
	transport := &fakeTransport{failAfter: 2}
	rig := newTestRig(t, provider, transport)

	if err := rig.wallet.Credit(ctx, 10, 1); err != nil {
		t.Fatalf("credit: %v", err)
	}

	rig.engine.HandleUpdate(ctx, userMessage(100, 10, "continue"))

	balance, err := rig.wallet.GetBalance(ctx, 10)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 1 {
		t.Fatalf("delivery aborted mid-turn, charge must be skipped, balance %d", balance)
	}

	// The part that made it out is not retracted.
	if len(transport.deleted) != 1 {
		t.Fatalf("only the placeholder should be deleted, got %d deletions", len(transport.deleted))
	}
}

func TestDeliveryTotalFailureNoCharge(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{response: "A reply that never reaches the user but is long enough."}
	// Allow only the placeholder, every content part fails.
	transport := &fakeTransport{failAfter: 1}
	rig := newTestRig(t, provider, transport)

	if err := rig.wallet.Credit(ctx, 10, 1); err != nil {
		t.Fatalf("credit: %v", err)
	}

	rig.engine.HandleUpdate(ctx, userMessage(100, 10, "continue"))

	balance, err := rig.wallet.GetBalance(ctx, 10)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 1 {
		t.Fatalf("no part delivered, balance must be unchanged, got %d", balance)
	}
}

func TestRateLimiterDropsRapidMessages(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{response: "The mists part and a figure emerges."}
	transport := &fakeTransport{}
	rig := newTestRig(t, provider, transport)
	rig.engine.msgLimiter = ratelimit.New(time.Minute)

	if err := rig.wallet.Credit(ctx, 10, 5); err != nil {
		t.Fatalf("credit: %v", err)
	}

	rig.engine.HandleUpdate(ctx, userMessage(100, 10, "first"))
	rig.engine.HandleUpdate(ctx, userMessage(100, 10, "second"))

	if provider.calls != 1 {
		t.Fatalf("second message inside cooldown must be dropped, provider calls %d", provider.calls)
	}
}

func TestStartInitialisesUserOnce(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	transport := &fakeTransport{}
	rig := newTestRig(t, provider, transport)

	rig.engine.HandleUpdate(ctx, userMessage(100, 10, "/start"))

	u, err := rig.store.GetUser(ctx, 10)
	if err != nil {
		t.Fatalf("expected account created, got %v", err)
	}
	if u.Balance != 0 {
		t.Fatalf("expected initial balance 0, got %d", u.Balance)
	}

	msgs := transport.messages()
	if len(msgs) != 1 || !msgs[0].keyboard {
		t.Fatalf("expected one welcome message with keyboard, got %+v", msgs)
	}
	if !strings.Contains(msgs[0].text, "Ваш баланс: 0") {
		t.Fatalf("welcome must show the balance, got %q", msgs[0].text)
	}
}

// shortfallWallet passes the balance pre-check but reports a shortfall at
// settle time, as if a concurrent turn or refund drained the balance between
// the two.
type shortfallWallet struct {
	*ledger.Ledger
	deducts int
}

func (w *shortfallWallet) Deduct(ctx context.Context, userID, amount int64) error {
	w.deducts++
	return ledger.ErrInsufficientBalance
}

func TestSettleShortfallNotifiesWithoutRetraction(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{response: "The gates of Piltover swing open before you."}
	transport := &fakeTransport{}
	store := repo.NewMemory()
	logger := logging.NewLogger("error")
	reg := metrics.Registry("test")
	wallet := &shortfallWallet{Ledger: ledger.New(store, 0, logger, reg)}
	bridge := payments.New(wallet.Ledger, store, transport, nil, reg, logger)
	engine := New(wallet, provider, transport, bridge, reg, logger, EngineConfig{
		MessageCost:   1,
		MaxPartLength: 4000,
		SystemPrompt:  "You are a game master.",
	})

	if err := wallet.Ledger.Credit(ctx, 10, 1); err != nil {
		t.Fatalf("credit: %v", err)
	}

	engine.HandleUpdate(ctx, userMessage(100, 10, "onward"))

	if wallet.deducts != 1 {
		t.Fatalf("expected one settle attempt, got %d", wallet.deducts)
	}

	var shortfalls, content int
	for _, m := range transport.messages() {
		switch m.text {
		case settleShortfallMessage:
			shortfalls++
		case thinkingPlaceholder:
		default:
			content++
		}
	}
	if shortfalls != 1 {
		t.Fatalf("expected exactly one shortfall notice, got %d", shortfalls)
	}
	// The delivered reply stays; only the placeholder is removed.
	if content != 1 {
		t.Fatalf("expected the delivered part to remain, got %d content messages", content)
	}
	if len(transport.deleted) != 1 {
		t.Fatalf("only the placeholder should be deleted, got %d deletions", len(transport.deleted))
	}

	// The rejected deduct must leave the stored balance untouched.
	u, err := store.GetUser(ctx, 10)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Balance != 1 {
		t.Fatalf("expected balance 1, got %d", u.Balance)
	}
}

func TestStartAdventureCallbackRunsTurn(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{response: "Mist swallows the gate as your journey begins."}
	transport := &fakeTransport{}
	rig := newTestRig(t, provider, transport)

	if err := rig.wallet.Credit(ctx, 10, 1); err != nil {
		t.Fatalf("credit: %v", err)
	}

	rig.engine.HandleUpdate(ctx, tg.Update{CallbackQuery: &tg.CallbackQuery{
		ID:      "cb-1",
		From:    tg.User{ID: 10},
		Message: &tg.Message{MessageID: 1, Chat: tg.Chat{ID: 100}},
		Data:    "start_adventure",
	}})

	if provider.calls != 1 {
		t.Fatalf("expected one provider call, got %d", provider.calls)
	}
	if provider.lastUserText != adventureOpenerPrompt {
		t.Fatalf("expected the adventure opener prompt, got %q", provider.lastUserText)
	}

	msgs := transport.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected placeholder plus one part, got %d messages", len(msgs))
	}
	if msgs[0].text != adventurePlaceholder {
		t.Fatalf("expected adventure placeholder first, got %q", msgs[0].text)
	}

	balance, err := rig.wallet.GetBalance(ctx, 10)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("callback turn must be charged, got balance %d", balance)
	}
}

func TestCommandsAndBotMessagesAreIgnored(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{response: "Ignored anyway."}
	transport := &fakeTransport{}
	rig := newTestRig(t, provider, transport)

	if err := rig.wallet.Credit(ctx, 10, 5); err != nil {
		t.Fatalf("credit: %v", err)
	}

	rig.engine.HandleUpdate(ctx, userMessage(100, 10, "/unknowncommand"))
	viaBot := userMessage(100, 10, "hi there")
	viaBot.Message.ViaBot = &tg.User{ID: 999}
	rig.engine.HandleUpdate(ctx, viaBot)

	if provider.calls != 0 {
		t.Fatalf("commands and bot messages must not start turns, provider calls %d", provider.calls)
	}
}
