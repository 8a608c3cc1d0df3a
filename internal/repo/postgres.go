package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository provides typed access to the Postgres ledger store.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// NewPostgres opens a new connection pool to the database with the desired search_path.
func NewPostgres(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo_postgres"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// GetUser returns the ledger row for userID, or ErrNotFound.
func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*User, error) {
	const q = `
SELECT user_id, balance, messages_received, stars_purchased, last_payment_id, created_at
FROM users
WHERE user_id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, userID)
	var u User
	if err := row.Scan(&u.UserID, &u.Balance, &u.MessagesReceived, &u.StarsPurchased, &u.LastPaymentID, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CreateUserIfAbsent inserts the account with the initial balance. An existing
// account is left untouched.
func (r *PostgresRepository) CreateUserIfAbsent(ctx context.Context, userID, initialBalance int64) error {
	const q = `
INSERT INTO users (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, userID, initialBalance); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// DeductBalance debits amount and bumps the delivered-message counter in a
// single conditional update. Zero rows affected means the balance was short.
func (r *PostgresRepository) DeductBalance(ctx context.Context, userID, amount int64) error {
	const q = `
UPDATE users
SET balance = balance - $2, messages_received = messages_received + 1
WHERE user_id = $1 AND balance >= $2;
`
	ct, err := r.pool.Exec(ctx, q, userID, amount)
	if err != nil {
		return fmt.Errorf("deduct balance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// CreditBalance adds amount to the balance, seeding a fresh account with the
// credited amount rather than the configured initial balance.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID, amount int64) error {
	const q = `
INSERT INTO users (user_id, balance, stars_purchased)
VALUES ($1, $2, $2)
ON CONFLICT (user_id) DO UPDATE SET
    balance = users.balance + EXCLUDED.balance,
    stars_purchased = users.stars_purchased + EXCLUDED.stars_purchased;
`
	if _, err := r.pool.Exec(ctx, q, userID, amount); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

// RecordPayment stores the audit row and the user's latest payment reference
// in one transaction. A replayed payment reference is ignored.
func (r *PostgresRepository) RecordPayment(ctx context.Context, payment Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		const insertQ = `
INSERT INTO payments (id, user_id, stars, payment_ref)
VALUES ($1, $2, $3, $4)
ON CONFLICT (payment_ref) DO NOTHING;
`
		if _, err := tx.Exec(ctx, insertQ, payment.ID, payment.UserID, payment.Stars, payment.PaymentRef); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		const updateQ = `UPDATE users SET last_payment_id = $2 WHERE user_id = $1;`
		if _, err := tx.Exec(ctx, updateQ, payment.UserID, payment.PaymentRef); err != nil {
			return fmt.Errorf("update last payment id: %w", err)
		}
		return nil
	})
}

// GetLastPaymentID returns the most recent payment reference for the user, or
// ErrNotFound when the user never paid.
func (r *PostgresRepository) GetLastPaymentID(ctx context.Context, userID int64) (string, error) {
	const q = `SELECT last_payment_id FROM users WHERE user_id = $1 LIMIT 1;`
	var ref *string
	if err := r.pool.QueryRow(ctx, q, userID).Scan(&ref); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get last payment id: %w", err)
	}
	if ref == nil || *ref == "" {
		return "", ErrNotFound
	}
	return *ref, nil
}
