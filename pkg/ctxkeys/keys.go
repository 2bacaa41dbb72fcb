// Package ctxkeys defines typed context keys shared by middleware and handlers.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

// Auth context keys
const (
	KeyUserID    Key = "user_id"
	KeyAccountID Key = "account_id"
	KeyEmail     Key = "email"
	KeyRole      Key = "role"
	KeyAuthType  Key = "auth_type"
)

// Request context keys
const (
	KeyRequestID Key = "request_id"
)

// GetAccountID extracts account_id from context.
func GetAccountID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyAccountID).(string); ok {
		return v
	}
	return ""
}

// WithAccountID returns a child context carrying the account id.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, KeyAccountID, accountID)
}
