package billing

// GrantsAccess reports whether a subscription status unlocks the product.
// Only trialing and active qualify; unknown statuses never do.
func GrantsAccess(status string) bool {
	switch status {
	case StatusTrialing, StatusActive:
		return true
	default:
		return false
	}
}
