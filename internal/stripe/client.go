// Package stripe adapts the Stripe API and webhooks to the billing domain.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/pkg/clients"
	"github.com/RickSF09/eva-sub001/pkg/logging"
)

// ProviderName labels Stripe in logs, metrics and the webhook event log.
const ProviderName = "stripe"

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	APIURL        string // STRIPE_API_URL, empty for the public API
	Timeout       time.Duration
	// MaxNetworkRetries is handed to the SDK backend.
	MaxNetworkRetries int64
	Breaker           *clients.CircuitBreaker
	// RequestDuration, when set, observes each call labelled by operation.
	RequestDuration *prometheus.HistogramVec
	Logger          logging.Logger
}

// Client wraps the Stripe calls the reconciler needs.
type Client struct {
	subscriptions *subscription.Client
	sessions      *checkoutsession.Client
	webhookSecret string
	timeout       time.Duration
	breaker       *clients.CircuitBreaker
	duration      *prometheus.HistogramVec
	logger        logging.Logger
}

// NewClient creates a Stripe client with its own backend; the global
// stripe.Key is left untouched.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        clients.NewHTTPClient(cfg.Timeout),
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	if cfg.Logger != nil {
		backendCfg.LeveledLogger = cfg.Logger
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &Client{
		subscriptions: &subscription.Client{B: backend, Key: cfg.SecretKey},
		sessions:      &checkoutsession.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
		timeout:       cfg.Timeout,
		breaker:       cfg.Breaker,
		duration:      cfg.RequestDuration,
		logger:        cfg.Logger,
	}
}

// WebhookConfigured reports whether events can be verified.
func (c *Client) WebhookConfigured() bool {
	return c.webhookSecret != ""
}

// GetSubscription fetches the current state of a subscription.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription id is required", billing.ErrValidation)
	}

	var sub *billing.Subscription
	err := c.call(ctx, "get_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
		resp, err := c.subscriptions.Get(subscriptionID, params)
		if err != nil {
			return err
		}
		sub, err = decodeSubscription(resp.LastResponse.RawJSON)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetCheckoutSession fetches a checkout session.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (*billing.CheckoutSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", billing.ErrValidation)
	}

	var sess *billing.CheckoutSession
	err := c.call(ctx, "get_checkout_session", func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}}
		resp, err := c.sessions.Get(sessionID, params)
		if err != nil {
			return err
		}
		sess, err = decodeCheckoutSession(resp.LastResponse.RawJSON)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// call runs fn under the provider timeout and circuit breaker and converts
// failures into billing error kinds.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var err error
	if c.breaker != nil {
		err = c.breaker.CallContext(ctx, fn)
	} else {
		err = fn(ctx)
	}
	if c.duration != nil {
		c.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return nil
	}

	classified := classify(op, err)
	if c.logger != nil && !errors.Is(classified, billing.ErrNotFound) {
		c.logger.WithError(err).WithField("operation", op).Warn("Stripe request failed")
	}
	return classified
}

func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.HTTPStatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s: %s", billing.ErrNotFound, op, se.Msg)
		}
		return fmt.Errorf("%w: %s: status %d: %s", billing.ErrUpstream, op, se.HTTPStatusCode, se.Msg)
	}
	if clients.IsCircuitOpen(err) {
		return fmt.Errorf("%w: %s: circuit open", billing.ErrUpstream, op)
	}
	return fmt.Errorf("%w: %s: %v", billing.ErrUpstream, op, err)
}

// IsBreakerFailure decides which errors count against the provider breaker:
// client errors such as a missing object do not.
func IsBreakerFailure(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == 0 || se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500
	}
	return true
}

// ConstructEvent verifies a webhook delivery and decodes it. Signature
// problems are reported as billing.ErrSignature, undecodable bodies as
// billing.ErrValidation.
func (c *Client) ConstructEvent(payload []byte, signatureHeader string) (*billing.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return nil, fmt.Errorf("%w: %v", billing.ErrSignature, err)
		}
		return nil, fmt.Errorf("%w: webhook payload: %v", billing.ErrValidation, err)
	}

	out := &billing.Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if billing.IsSubscriptionEvent(out.Type) {
		if event.Data == nil || len(event.Data.Raw) == 0 {
			return nil, fmt.Errorf("%w: %s event without data", billing.ErrValidation, out.Type)
		}
		sub, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return nil, fmt.Errorf("%w: subscription object: %v", billing.ErrValidation, err)
		}
		out.Subscription = sub
	}
	return out, nil
}
