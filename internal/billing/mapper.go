package billing

import "time"

// PlanResolver maps a provider price id to a catalog plan slug.
type PlanResolver interface {
	SlugForPrice(priceID string) (string, bool)
}

// MapSubscription derives billing record fields from a provider subscription.
//
// The primary item is the first item carrying a price id. Its plan slug is the
// catalog slug for the price, else the price nickname, else the raw price id.
// Period bounds come from the primary item when both are present and ordered,
// else from the subscription-level pair under the same rule, else stay nil.
// The function holds no state.
func MapSubscription(plans PlanResolver, sub *Subscription) Fields {
	if sub == nil {
		return Fields{}
	}

	f := Fields{
		CustomerID:        sub.CustomerID,
		SubscriptionID:    sub.ID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}

	item := primaryItem(sub.Items)
	if item != nil {
		f.PlanSlug = planSlug(plans, item)
	}

	switch {
	case item != nil && ordered(item.CurrentPeriodStart, item.CurrentPeriodEnd):
		f.PeriodStart, f.PeriodEnd = utcPtr(item.CurrentPeriodStart), utcPtr(item.CurrentPeriodEnd)
	case ordered(sub.CurrentPeriodStart, sub.CurrentPeriodEnd):
		f.PeriodStart, f.PeriodEnd = utcPtr(sub.CurrentPeriodStart), utcPtr(sub.CurrentPeriodEnd)
	}

	return f
}

// MapCanceled derives the fields written for a deleted subscription: status
// canceled, no pending cancellation, and the last known period end, replaced
// by ended_at when that falls after the period start.
func MapCanceled(plans PlanResolver, sub *Subscription) Fields {
	f := MapSubscription(plans, sub)
	f.Status = StatusCanceled
	f.CancelAtPeriodEnd = false
	if sub != nil && sub.EndedAt != nil {
		if f.PeriodStart == nil || sub.EndedAt.After(*f.PeriodStart) {
			f.PeriodEnd = utcPtr(sub.EndedAt)
		}
	}
	return f
}

func ordered(start, end *time.Time) bool {
	return start != nil && end != nil && start.Before(*end)
}

func primaryItem(items []SubscriptionItem) *SubscriptionItem {
	for i := range items {
		if items[i].PriceID != "" {
			return &items[i]
		}
	}
	return nil
}

func planSlug(plans PlanResolver, item *SubscriptionItem) string {
	if plans != nil {
		if slug, ok := plans.SlugForPrice(item.PriceID); ok {
			return slug
		}
	}
	if item.PriceNickname != "" {
		return item.PriceNickname
	}
	return item.PriceID
}

func utcPtr(t *time.Time) *time.Time {
	u := t.UTC()
	return &u
}
