package repo

import "time"

// User represents the users table row: the credit account for one chat user.
type User struct {
	UserID           int64
	Balance          int64
	MessagesReceived int64
	StarsPurchased   int64
	LastPaymentID    *string
	CreatedAt        time.Time
}

// Payment represents a row in the payments audit table.
type Payment struct {
	ID         string
	UserID     int64
	Stars      int64
	PaymentRef string
	CreatedAt  time.Time
}
