package repo

import (
	"context"
	"io/fs"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for development and tests. All
// mutations happen under one mutex, which gives the same per-user atomicity
// guarantee as the SQL conditional updates.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[int64]*User
	payments []Payment
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{users: make(map[int64]*User)}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// RunMigrations is a no-op for the in-memory store.
func (s *MemoryStore) RunMigrations(ctx context.Context, filesystem fs.FS) error { return nil }

// GetUser returns a copy of the stored row, or ErrNotFound.
func (s *MemoryStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

// CreateUserIfAbsent inserts the account with the initial balance.
func (s *MemoryStore) CreateUserIfAbsent(ctx context.Context, userID, initialBalance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; ok {
		return nil
	}
	s.users[userID] = &User{
		UserID:    userID,
		Balance:   initialBalance,
		CreatedAt: time.Now(),
	}
	return nil
}

// DeductBalance performs the conditional debit under the store lock.
func (s *MemoryStore) DeductBalance(ctx context.Context, userID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.Balance < amount {
		return ErrInsufficientBalance
	}
	u.Balance -= amount
	u.MessagesReceived++
	return nil
}

// CreditBalance adds amount, creating the account seeded with amount if absent.
func (s *MemoryStore) CreditBalance(ctx context.Context, userID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		s.users[userID] = &User{
			UserID:         userID,
			Balance:        amount,
			StarsPurchased: amount,
			CreatedAt:      time.Now(),
		}
		return nil
	}
	u.Balance += amount
	u.StarsPurchased += amount
	return nil
}

// RecordPayment appends the audit row and updates the last payment reference.
func (s *MemoryStore) RecordPayment(ctx context.Context, payment Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.PaymentRef == payment.PaymentRef {
			return nil
		}
	}
	payment.CreatedAt = time.Now()
	s.payments = append(s.payments, payment)
	if u, ok := s.users[payment.UserID]; ok {
		ref := payment.PaymentRef
		u.LastPaymentID = &ref
	}
	return nil
}

// GetLastPaymentID returns the stored payment reference, or ErrNotFound.
func (s *MemoryStore) GetLastPaymentID(ctx context.Context, userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.LastPaymentID == nil || *u.LastPaymentID == "" {
		return "", ErrNotFound
	}
	return *u.LastPaymentID, nil
}
