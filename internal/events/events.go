// Package events announces billing record changes to other services.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/pkg/redis"
	"github.com/RickSF09/eva-sub001/pkg/validation"
)

// SchemaVersion of SubscriptionChanged payloads.
const SchemaVersion = "1"

// SubscriptionChanged is emitted after a billing record write.
type SubscriptionChanged struct {
	EventID           string     `json:"eventId" validate:"required,uuid4"`
	SchemaVersion     string     `json:"schemaVersion" validate:"required"`
	AccountID         string     `json:"accountId" validate:"required"`
	Trigger           string     `json:"trigger" validate:"oneof=push checkout resync"`
	SubscriptionID    string     `json:"subscriptionId,omitempty"`
	Status            string     `json:"status"`
	Plan              string     `json:"plan,omitempty"`
	PeriodStart       *time.Time `json:"periodStart,omitempty"`
	PeriodEnd         *time.Time `json:"periodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	HasAccess         bool       `json:"hasAccess"`
	OccurredAt        time.Time  `json:"occurredAt" validate:"required"`
}

// NewSubscriptionChanged builds the event for fields just written to accountID.
func NewSubscriptionChanged(accountID, trigger string, f billing.Fields, now time.Time) SubscriptionChanged {
	return SubscriptionChanged{
		EventID:           uuid.NewString(),
		SchemaVersion:     SchemaVersion,
		AccountID:         accountID,
		Trigger:           trigger,
		SubscriptionID:    f.SubscriptionID,
		Status:            f.Status,
		Plan:              f.PlanSlug,
		PeriodStart:       f.PeriodStart,
		PeriodEnd:         f.PeriodEnd,
		CancelAtPeriodEnd: f.CancelAtPeriodEnd,
		HasAccess:         billing.GrantsAccess(f.Status),
		OccurredAt:        now.UTC(),
	}
}

// Publisher delivers change events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev SubscriptionChanged) error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, SubscriptionChanged) error { return nil }

// KafkaProducer is the subset of pkg/kafka.Producer used here.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaPublisher writes events keyed by account so one account's events stay ordered.
type KafkaPublisher struct {
	producer KafkaProducer
	topic    string
}

func NewKafkaPublisher(producer KafkaProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev SubscriptionChanged) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal subscription event: %w", err)
	}
	headers := map[string]string{
		"source":         "tally",
		"event_type":     "subscription_changed",
		"schema_version": ev.SchemaVersion,
	}
	return p.producer.Produce(ctx, p.topic, []byte(ev.AccountID), value, headers)
}

// RedisPublisher fans events out on a Redis channel.
type RedisPublisher struct {
	pubsub  *redis.TypedPubSub[SubscriptionChanged]
	channel string
}

func NewRedisPublisher(pubsub *redis.TypedPubSub[SubscriptionChanged], channel string) *RedisPublisher {
	return &RedisPublisher{pubsub: pubsub, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev SubscriptionChanged) error {
	return p.pubsub.Publish(ctx, p.channel, ev)
}

// Fanout publishes to every target and joins their errors.
type Fanout struct {
	targets []Publisher
}

func NewFanout(targets ...Publisher) *Fanout {
	return &Fanout{targets: targets}
}

func (f *Fanout) Publish(ctx context.Context, ev SubscriptionChanged) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// Validated checks each event before handing it to next. Invalid events are
// returned as errors and never reach the broker.
type Validated struct {
	next      Publisher
	validator *validation.EventValidator
}

func NewValidated(next Publisher) *Validated {
	return &Validated{next: next, validator: validation.NewEventValidator()}
}

func (p *Validated) Publish(ctx context.Context, ev SubscriptionChanged) error {
	if err := p.validator.Validate(ev); err != nil {
		return err
	}
	return p.next.Publish(ctx, ev)
}
