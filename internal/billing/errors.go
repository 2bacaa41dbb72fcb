package billing

import "errors"

// Error kinds returned across the reconciliation and metering paths.
// Callers wrap them with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrAuthentication = errors.New("not authenticated")
	ErrAuthorization  = errors.New("not authorized")
	ErrValidation     = errors.New("invalid request")
	ErrUpstream       = errors.New("payment provider unavailable")
	ErrNotFound       = errors.New("not found")
	ErrSignature      = errors.New("webhook signature verification failed")
	// ErrConflict marks a write rejected because another account already
	// holds the same provider subscription.
	ErrConflict = errors.New("record conflicts with another account")
)
