// Package ledger implements the credit balance manager on top of the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"rpg-stars-bot/internal/metrics"
	"rpg-stars-bot/internal/repo"
)

// ErrInsufficientBalance is returned by Deduct when the balance cannot cover
// the requested amount. No mutation happens in that case.
var ErrInsufficientBalance = repo.ErrInsufficientBalance

// Ledger provides balance operations over the persistent store. Atomicity of
// the debit is delegated to the store's conditional update, which is the sole
// backstop against concurrent turns driving a balance negative.
type Ledger struct {
	store          repo.Store
	logger         *slog.Logger
	metrics        *metrics.Metrics
	initialBalance int64
}

// New creates a Ledger seeded with the configured initial balance for new accounts.
func New(store repo.Store, initialBalance int64, logger *slog.Logger, metricRegistry *metrics.Metrics) *Ledger {
	return &Ledger{
		store:          store,
		logger:         logger.With("component", "ledger"),
		metrics:        metricRegistry,
		initialBalance: initialBalance,
	}
}

// GetBalance returns the user's balance. An unknown user reads as zero and no
// record is created.
func (l *Ledger) GetBalance(ctx context.Context, userID int64) (int64, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return user.Balance, nil
}

// InitUser creates the account with the initial balance if it does not exist.
// Calling it again never resets an existing balance.
func (l *Ledger) InitUser(ctx context.Context, userID int64) error {
	if err := l.store.CreateUserIfAbsent(ctx, userID, l.initialBalance); err != nil {
		return fmt.Errorf("init user: %w", err)
	}
	return nil
}

// HasEnoughBalance reports whether the user can afford cost.
func (l *Ledger) HasEnoughBalance(ctx context.Context, userID, cost int64) (bool, error) {
	balance, err := l.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= cost, nil
}

// Deduct atomically debits amount and increments the delivered-message
// counter. It returns ErrInsufficientBalance, with no mutation, when the
// stored balance is below amount at the moment of the update.
func (l *Ledger) Deduct(ctx context.Context, userID, amount int64) error {
	err := l.store.DeductBalance(ctx, userID, amount)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		l.metrics.LedgerOps.WithLabelValues("deduct", "insufficient").Inc()
		l.logger.Info("deduct rejected", "user_id", userID, "amount", amount)
		return ErrInsufficientBalance
	case err != nil:
		l.metrics.LedgerOps.WithLabelValues("deduct", "error").Inc()
		return fmt.Errorf("deduct: %w", err)
	}
	l.metrics.LedgerOps.WithLabelValues("deduct", "ok").Inc()
	l.logger.Debug("deducted", "user_id", userID, "amount", amount)
	return nil
}

// Credit adds amount to the balance and to the purchased counter. A fresh
// account is seeded with amount, not with the initial balance plus amount.
func (l *Ledger) Credit(ctx context.Context, userID, amount int64) error {
	if err := l.store.CreditBalance(ctx, userID, amount); err != nil {
		l.metrics.LedgerOps.WithLabelValues("credit", "error").Inc()
		return fmt.Errorf("credit: %w", err)
	}
	l.metrics.LedgerOps.WithLabelValues("credit", "ok").Inc()
	l.logger.Info("credited", "user_id", userID, "amount", amount)
	return nil
}
