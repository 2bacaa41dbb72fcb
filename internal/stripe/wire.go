package stripe

import (
	"encoding/json"
	"time"

	"github.com/RickSF09/eva-sub001/internal/billing"
)

// The provider's typed structs only carry item-level periods on recent API
// versions, so responses are decoded from raw JSON into these shapes, which
// accept both layouts.

// expandable decodes a field that is either an id string or an expanded object.
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*e = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type wirePrice struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

type wireItem struct {
	Price              *wirePrice `json:"price"`
	Plan               *wirePrice `json:"plan"`
	CurrentPeriodStart int64      `json:"current_period_start"`
	CurrentPeriodEnd   int64      `json:"current_period_end"`
}

type wireSubscription struct {
	ID                 string     `json:"id"`
	Customer           expandable `json:"customer"`
	Status             string     `json:"status"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CurrentPeriodStart int64      `json:"current_period_start"`
	CurrentPeriodEnd   int64      `json:"current_period_end"`
	EndedAt            int64      `json:"ended_at"`
	Items              struct {
		Data []wireItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type wireCheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     expandable        `json:"customer"`
	Subscription expandable        `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func decodeSubscription(raw []byte) (*billing.Subscription, error) {
	var w wireSubscription
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	sub := &billing.Subscription{
		ID:                 w.ID,
		CustomerID:         string(w.Customer),
		Status:             w.Status,
		CancelAtPeriodEnd:  w.CancelAtPeriodEnd,
		CurrentPeriodStart: unixPtr(w.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(w.CurrentPeriodEnd),
		EndedAt:            unixPtr(w.EndedAt),
		Metadata:           w.Metadata,
	}
	for _, it := range w.Items.Data {
		price := it.Price
		if price == nil {
			price = it.Plan
		}
		item := billing.SubscriptionItem{
			CurrentPeriodStart: unixPtr(it.CurrentPeriodStart),
			CurrentPeriodEnd:   unixPtr(it.CurrentPeriodEnd),
		}
		if price != nil {
			item.PriceID = price.ID
			item.PriceNickname = price.Nickname
		}
		sub.Items = append(sub.Items, item)
	}
	return sub, nil
}

func decodeCheckoutSession(raw []byte) (*billing.CheckoutSession, error) {
	var w wireCheckoutSession
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &billing.CheckoutSession{
		ID:             w.ID,
		Mode:           w.Mode,
		CustomerID:     string(w.Customer),
		SubscriptionID: string(w.Subscription),
		Metadata:       w.Metadata,
	}, nil
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
