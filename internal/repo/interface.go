package repo

import (
	"context"
	"errors"
	"io/fs"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientBalance indicates a conditional debit found too few credits.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Store defines the interface for ledger persistence.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Users
	GetUser(ctx context.Context, userID int64) (*User, error)
	CreateUserIfAbsent(ctx context.Context, userID, initialBalance int64) error

	// Balance mutations. DeductBalance is a conditional update: it fails with
	// ErrInsufficientBalance and leaves the row untouched when the stored
	// balance is below amount, even under concurrent callers.
	DeductBalance(ctx context.Context, userID, amount int64) error
	CreditBalance(ctx context.Context, userID, amount int64) error

	// Payments
	RecordPayment(ctx context.Context, payment Payment) error
	GetLastPaymentID(ctx context.Context, userID int64) (string, error)
}
