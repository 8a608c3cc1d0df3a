package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRepository provides access to a local SQLite ledger store.
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	// Busy timeout and WAL mode are recommended for SQLite concurrency.
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	r := &SQLiteRepository{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
	}

	return r, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the SQLite schema from the embedded filesystem.
func (r *SQLiteRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	entries, err := fs.ReadDir(filesystem, "sqlite")
	if err != nil {
		return fmt.Errorf("read sqlite migrations: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sqlContent, err := fs.ReadFile(filesystem, "sqlite/"+entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := r.db.ExecContext(ctx, string(sqlContent)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// GetUser returns the ledger row for userID, or ErrNotFound.
func (r *SQLiteRepository) GetUser(ctx context.Context, userID int64) (*User, error) {
	const q = `
SELECT user_id, balance, messages_received, stars_purchased, last_payment_id, created_at
FROM users
WHERE user_id = ?
LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, userID)
	var u User
	var lastPayment sql.NullString
	if err := row.Scan(&u.UserID, &u.Balance, &u.MessagesReceived, &u.StarsPurchased, &lastPayment, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if lastPayment.Valid {
		u.LastPaymentID = &lastPayment.String
	}
	return &u, nil
}

// CreateUserIfAbsent inserts the account with the initial balance. An existing
// account is left untouched.
func (r *SQLiteRepository) CreateUserIfAbsent(ctx context.Context, userID, initialBalance int64) error {
	const q = `
INSERT INTO users (user_id, balance)
VALUES (?, ?)
ON CONFLICT (user_id) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, userID, initialBalance); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// DeductBalance debits amount and bumps the delivered-message counter in a
// single conditional update. Zero rows affected means the balance was short.
func (r *SQLiteRepository) DeductBalance(ctx context.Context, userID, amount int64) error {
	const q = `
UPDATE users
SET balance = balance - ?, messages_received = messages_received + 1
WHERE user_id = ? AND balance >= ?;
`
	ct, err := r.db.ExecContext(ctx, q, amount, userID, amount)
	if err != nil {
		return fmt.Errorf("deduct balance: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// CreditBalance adds amount to the balance, seeding a fresh account with the
// credited amount rather than the configured initial balance.
func (r *SQLiteRepository) CreditBalance(ctx context.Context, userID, amount int64) error {
	const q = `
INSERT INTO users (user_id, balance, stars_purchased)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    balance = users.balance + excluded.balance,
    stars_purchased = users.stars_purchased + excluded.stars_purchased;
`
	if _, err := r.db.ExecContext(ctx, q, userID, amount, amount); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

// RecordPayment stores the audit row and the user's latest payment reference
// in one transaction. A replayed payment reference is ignored.
func (r *SQLiteRepository) RecordPayment(ctx context.Context, payment Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin payment tx: %w", err)
	}
	defer tx.Rollback()

	const insertQ = `
INSERT INTO payments (id, user_id, stars, payment_ref)
VALUES (?, ?, ?, ?)
ON CONFLICT (payment_ref) DO NOTHING;
`
	if _, err := tx.ExecContext(ctx, insertQ, payment.ID, payment.UserID, payment.Stars, payment.PaymentRef); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	const updateQ = `UPDATE users SET last_payment_id = ? WHERE user_id = ?;`
	if _, err := tx.ExecContext(ctx, updateQ, payment.PaymentRef, payment.UserID); err != nil {
		return fmt.Errorf("update last payment id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit payment tx: %w", err)
	}
	return nil
}

// GetLastPaymentID returns the most recent payment reference for the user, or
// ErrNotFound when the user never paid.
func (r *SQLiteRepository) GetLastPaymentID(ctx context.Context, userID int64) (string, error) {
	const q = `SELECT last_payment_id FROM users WHERE user_id = ? LIMIT 1;`
	var ref sql.NullString
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get last payment id: %w", err)
	}
	if !ref.Valid || ref.String == "" {
		return "", ErrNotFound
	}
	return ref.String, nil
}
