package billing

import "time"

// Subscription statuses the provider is known to emit. Status is an open
// string; values outside this list are stored as received.
const (
	StatusTrialing          = "trialing"
	StatusActive            = "active"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusUnpaid            = "unpaid"
	StatusPaused            = "paused"
)

// Fields is the provider-derived part of a billing record. Every
// reconciliation path overwrites all of it at once.
type Fields struct {
	CustomerID        string
	SubscriptionID    string
	Status            string
	PlanSlug          string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// Record is the persisted billing state of one account.
type Record struct {
	AccountID string
	Fields
	UpdatedAt time.Time
}

// HasSubscription reports whether the record points at a provider subscription.
func (r *Record) HasSubscription() bool {
	return r != nil && r.SubscriptionID != ""
}

// IsTrial reports whether the record is in its trial phase.
func (r *Record) IsTrial() bool {
	return r != nil && r.Status == StatusTrialing
}

// SubscriptionItem is one line of a provider subscription.
type SubscriptionItem struct {
	PriceID            string
	PriceNickname      string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// Subscription is the provider subscription object reduced to what the
// mapper reads. Subscription-level period fields are only populated by
// older provider API versions.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	EndedAt            *time.Time
	Items              []SubscriptionItem
	Metadata           map[string]string
}

// AccountHint returns the account id the subscription was tagged with at
// checkout, if any.
func (s *Subscription) AccountHint() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return s.Metadata["account_id"]
}

// CheckoutSession is a completed provider checkout.
type CheckoutSession struct {
	ID             string
	Mode           string
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// CheckoutModeSubscription is the only checkout mode that can be synced.
const CheckoutModeSubscription = "subscription"

// Event is a verified provider webhook event.
type Event struct {
	ID           string
	Type         string
	Created      time.Time
	Subscription *Subscription // nil for event kinds that carry no subscription
}

// Webhook event kinds acted upon.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventSubscriptionPaused  = "customer.subscription.paused"
	EventSubscriptionResumed = "customer.subscription.resumed"
)

// IsSubscriptionEvent reports whether the event kind carries a subscription object.
func IsSubscriptionEvent(kind string) bool {
	switch kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed:
		return true
	}
	return false
}
