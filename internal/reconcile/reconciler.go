// Package reconcile keeps local billing records in line with the payment
// provider. Three triggers write records: pushed webhook events, a pull
// after checkout, and an on-demand pull. Each ends in a full overwrite of
// the record's provider fields.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/internal/events"
	"github.com/RickSF09/eva-sub001/pkg/logging"
)

// Trigger labels.
const (
	TriggerPush     = "push"
	TriggerCheckout = "checkout"
	TriggerResync   = "resync"
)

const publishTimeout = 5 * time.Second

// Store is the persistence the reconciler writes through.
type Store interface {
	GetRecord(ctx context.Context, accountID string) (*billing.Record, error)
	FindAccountBySubscription(ctx context.Context, subscriptionID string) (string, error)
	FindAccountByCustomer(ctx context.Context, customerID string) (string, error)
	UpsertRecord(ctx context.Context, accountID string, f billing.Fields) error
	MarkCanceled(ctx context.Context, accountID string, f billing.Fields) error
}

// Provider fetches authoritative state from the payment provider.
type Provider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*billing.CheckoutSession, error)
}

// Reconciler implements the three reconciliation triggers.
type Reconciler struct {
	store     Store
	provider  Provider
	plans     billing.PlanResolver
	publisher events.Publisher
	logger    logging.Logger
	total     *prometheus.CounterVec
	now       func() time.Time

	resyncs singleflight.Group
}

// Config wires a Reconciler. Publisher and Reconciles are optional.
type Config struct {
	Store     Store
	Provider  Provider
	Plans     billing.PlanResolver
	Publisher events.Publisher
	Logger    logging.Logger
	// Reconciles counts outcomes by trigger and result.
	Reconciles *prometheus.CounterVec
}

func New(cfg Config) *Reconciler {
	pub := cfg.Publisher
	if pub == nil {
		pub = events.Noop{}
	}
	return &Reconciler{
		store:     cfg.Store,
		provider:  cfg.Provider,
		plans:     cfg.Plans,
		publisher: pub,
		logger:    cfg.Logger,
		total:     cfg.Reconciles,
		now:       time.Now,
	}
}

// ApplyEvent applies a verified webhook event. Subscription lifecycle events
// are applied from their payload without a provider fetch. It returns the
// account written, or "" when the event was acknowledged without a write.
func (r *Reconciler) ApplyEvent(ctx context.Context, ev *billing.Event) (accountID string, err error) {
	log := r.logger.WithFields(logging.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})

	if !billing.IsSubscriptionEvent(ev.Type) || ev.Subscription == nil {
		log.Debug("Ignoring unhandled Stripe event type")
		r.count(TriggerPush, "ignored")
		return "", nil
	}
	sub := ev.Subscription

	accountID, err = r.resolveAccount(ctx, sub)
	if errors.Is(err, billing.ErrNotFound) {
		log.WithFields(logging.Fields{
			"subscription_id": sub.ID,
			"customer_id":     sub.CustomerID,
		}).Warn("No account found for Stripe subscription")
		r.count(TriggerPush, "unresolved")
		return "", nil
	}
	if err != nil {
		r.count(TriggerPush, "error")
		return "", err
	}

	var fields billing.Fields
	if ev.Type == billing.EventSubscriptionDeleted {
		fields = billing.MapCanceled(r.plans, sub)
		err = r.store.MarkCanceled(ctx, accountID, fields)
	} else {
		fields = billing.MapSubscription(r.plans, sub)
		err = r.store.UpsertRecord(ctx, accountID, fields)
	}
	if err != nil {
		r.count(TriggerPush, "error")
		return "", err
	}

	log.WithFields(logging.Fields{
		"account_id":      accountID,
		"subscription_id": fields.SubscriptionID,
		"status":          fields.Status,
		"plan":            fields.PlanSlug,
	}).Info("Updated billing record from Stripe webhook")

	r.count(TriggerPush, "ok")
	r.publish(ctx, accountID, TriggerPush, fields)
	return accountID, nil
}

// resolveAccount finds the owner of a subscription by subscription id, then
// customer id, then the account id stamped into the subscription metadata.
func (r *Reconciler) resolveAccount(ctx context.Context, sub *billing.Subscription) (string, error) {
	accountID, err := r.store.FindAccountBySubscription(ctx, sub.ID)
	if err == nil {
		return accountID, nil
	}
	if !errors.Is(err, billing.ErrNotFound) {
		return "", err
	}

	accountID, err = r.store.FindAccountByCustomer(ctx, sub.CustomerID)
	if err == nil {
		return accountID, nil
	}
	if !errors.Is(err, billing.ErrNotFound) {
		return "", err
	}

	if hint := sub.AccountHint(); hint != "" {
		return hint, nil
	}
	return "", billing.ErrNotFound
}

// SyncCheckout pulls the subscription created by a completed checkout and
// writes it to the caller's record. The session must be a subscription
// checkout started for this account (metadata account_id, when present)
// and belonging to the account's customer; an account without a customer
// adopts the session's.
func (r *Reconciler) SyncCheckout(ctx context.Context, accountID, sessionID string) (*billing.Record, error) {
	rec, err := r.syncCheckout(ctx, accountID, sessionID)
	r.count(TriggerCheckout, resultLabel(err))
	return rec, err
}

func (r *Reconciler) syncCheckout(ctx context.Context, accountID, sessionID string) (*billing.Record, error) {
	if accountID == "" {
		return nil, billing.ErrAuthentication
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", billing.ErrValidation)
	}

	sess, err := r.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Mode != billing.CheckoutModeSubscription {
		return nil, fmt.Errorf("%w: checkout session %s is not a subscription checkout", billing.ErrValidation, sessionID)
	}
	if sess.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: checkout session %s has no subscription", billing.ErrValidation, sessionID)
	}

	if owner := sess.Metadata["account_id"]; owner != "" && owner != accountID {
		r.logger.WithFields(logging.Fields{
			"account_id": accountID,
			"session_id": sessionID,
		}).Warn("Checkout session was started for a different account")
		return nil, fmt.Errorf("%w: checkout session does not belong to this account", billing.ErrAuthorization)
	}

	existing, err := r.store.GetRecord(ctx, accountID)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.CustomerID != "" && existing.CustomerID != sess.CustomerID {
		r.logger.WithFields(logging.Fields{
			"account_id": accountID,
			"session_id": sessionID,
		}).Warn("Checkout session belongs to a different customer")
		return nil, fmt.Errorf("%w: checkout session does not belong to this account", billing.ErrAuthorization)
	}

	if err := r.checkOwner(ctx, accountID, sessionID, r.store.FindAccountBySubscription, sess.SubscriptionID); err != nil {
		return nil, err
	}
	if existing == nil || existing.CustomerID == "" {
		if err := r.checkOwner(ctx, accountID, sessionID, r.store.FindAccountByCustomer, sess.CustomerID); err != nil {
			return nil, err
		}
	}

	sub, err := r.provider.GetSubscription(ctx, sess.SubscriptionID)
	if err != nil {
		return nil, err
	}
	fields := billing.MapSubscription(r.plans, sub)
	if fields.CustomerID == "" {
		fields.CustomerID = sess.CustomerID
	}

	rec, err := r.write(ctx, accountID, TriggerCheckout, fields)
	if errors.Is(err, billing.ErrConflict) {
		r.logger.WithError(err).WithFields(logging.Fields{
			"account_id": accountID,
			"session_id": sessionID,
		}).Warn("Checkout subscription already linked to another account")
		return nil, fmt.Errorf("%w: subscription is linked to another account", billing.ErrAuthorization)
	}
	return rec, err
}

// checkOwner rejects a checkout whose provider id already maps to a
// different account.
func (r *Reconciler) checkOwner(ctx context.Context, accountID, sessionID string, find func(context.Context, string) (string, error), id string) error {
	if id == "" {
		return nil
	}
	owner, err := find(ctx, id)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return nil
	case err != nil:
		return err
	case owner != accountID:
		r.logger.WithFields(logging.Fields{
			"account_id": accountID,
			"session_id": sessionID,
		}).Warn("Checkout session belongs to another account")
		return fmt.Errorf("%w: checkout session does not belong to this account", billing.ErrAuthorization)
	}
	return nil
}

// Resync re-reads the account's known subscription from the provider.
// Concurrent calls for one account share a single fetch and write.
func (r *Reconciler) Resync(ctx context.Context, accountID string) (*billing.Record, error) {
	if accountID == "" {
		return nil, billing.ErrAuthentication
	}

	v, err, shared := r.resyncs.Do(accountID, func() (any, error) {
		// Detached so one caller going away does not fail the others.
		return r.resync(context.WithoutCancel(ctx), accountID)
	})
	if shared {
		r.logger.WithField("account_id", accountID).Debug("Joined in-flight resync")
	}
	r.count(TriggerResync, resultLabel(err))
	if err != nil {
		return nil, err
	}
	return v.(*billing.Record), nil
}

func (r *Reconciler) resync(ctx context.Context, accountID string) (*billing.Record, error) {
	rec, err := r.store.GetRecord(ctx, accountID)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, fmt.Errorf("%w: nothing to sync", billing.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !rec.HasSubscription() {
		return nil, fmt.Errorf("%w: nothing to sync", billing.ErrNotFound)
	}

	sub, err := r.provider.GetSubscription(ctx, rec.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return r.write(ctx, accountID, TriggerResync, billing.MapSubscription(r.plans, sub))
}

func (r *Reconciler) write(ctx context.Context, accountID, trigger string, fields billing.Fields) (*billing.Record, error) {
	if err := r.store.UpsertRecord(ctx, accountID, fields); err != nil {
		return nil, err
	}

	r.logger.WithFields(logging.Fields{
		"account_id":      accountID,
		"trigger":         trigger,
		"subscription_id": fields.SubscriptionID,
		"status":          fields.Status,
	}).Info("Billing record reconciled")

	r.publish(ctx, accountID, trigger, fields)
	return &billing.Record{AccountID: accountID, Fields: fields, UpdatedAt: r.now().UTC()}, nil
}

func (r *Reconciler) publish(ctx context.Context, accountID, trigger string, fields billing.Fields) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	ev := events.NewSubscriptionChanged(accountID, trigger, fields, r.now())
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.WithError(err).WithField("account_id", accountID).Warn("Failed to publish subscription event")
	}
}

func (r *Reconciler) count(trigger, result string) {
	if r.total != nil {
		r.total.WithLabelValues(trigger, result).Inc()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, billing.ErrNotFound):
		return "not_found"
	case errors.Is(err, billing.ErrValidation), errors.Is(err, billing.ErrAuthorization), errors.Is(err, billing.ErrAuthentication):
		return "rejected"
	case errors.Is(err, billing.ErrUpstream):
		return "upstream_error"
	default:
		return "error"
	}
}
