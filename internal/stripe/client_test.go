package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/pkg/clients"
)

const subscriptionJSON = `{
  "id": "sub_123",
  "object": "subscription",
  "customer": "cus_123",
  "status": "trialing",
  "cancel_at_period_end": false,
  "metadata": {"account_id": "acct_1"},
  "items": {
    "object": "list",
    "data": [{
      "id": "si_1",
      "object": "subscription_item",
      "current_period_start": 1704067200,
      "current_period_end": 1706745600,
      "price": {"id": "price_family_monthly", "object": "price", "nickname": "Family"}
    }]
  }
}`

const legacySubscriptionJSON = `{
  "id": "sub_legacy",
  "object": "subscription",
  "customer": {"id": "cus_9", "object": "customer"},
  "status": "active",
  "current_period_start": 1704067200,
  "current_period_end": 1706745600,
  "items": {"object": "list", "data": [{"id": "si_1", "plan": {"id": "price_old", "nickname": "Old"}}]}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, breaker *clients.CircuitBreaker) (*Client, *prometheus.HistogramVec) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "provider_request_duration_seconds"}, []string{"operation"})
	return NewClient(Config{
		SecretKey:       "sk_test_123",
		WebhookSecret:   "whsec_test",
		APIURL:          srv.URL,
		Timeout:         2 * time.Second,
		Breaker:         breaker,
		RequestDuration: hist,
	}), hist
}

func TestGetSubscription(t *testing.T) {
	c, hist := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/sub_123", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, subscriptionJSON)
	}, nil)

	sub, err := c.GetSubscription(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, "sub_123", sub.ID)
	assert.Equal(t, "cus_123", sub.CustomerID)
	assert.Equal(t, "trialing", sub.Status)
	assert.Equal(t, "acct_1", sub.AccountHint())
	require.Len(t, sub.Items, 1)
	assert.Equal(t, "price_family_monthly", sub.Items[0].PriceID)
	assert.Equal(t, "Family", sub.Items[0].PriceNickname)
	require.NotNil(t, sub.Items[0].CurrentPeriodStart)
	assert.True(t, sub.Items[0].CurrentPeriodStart.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, sub.CurrentPeriodStart)
	assert.Equal(t, 1, testutil.CollectAndCount(hist))
}

func TestGetSubscriptionLegacyLayout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, legacySubscriptionJSON)
	}, nil)

	sub, err := c.GetSubscription(context.Background(), "sub_legacy")
	require.NoError(t, err)
	assert.Equal(t, "cus_9", sub.CustomerID)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
	require.Len(t, sub.Items, 1)
	assert.Equal(t, "price_old", sub.Items[0].PriceID)
	assert.Nil(t, sub.Items[0].CurrentPeriodEnd)

	f := billing.MapSubscription(nil, sub)
	require.NotNil(t, f.PeriodEnd)
	assert.True(t, f.PeriodEnd.Equal(*sub.CurrentPeriodEnd))
}

func TestGetCheckoutSession(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions/cs_test_1", r.URL.Path)
		fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","mode":"subscription","customer":"cus_123","subscription":"sub_123"}`)
	}, nil)

	sess, err := c.GetCheckoutSession(context.Background(), "cs_test_1")
	require.NoError(t, err)
	assert.Equal(t, billing.CheckoutModeSubscription, sess.Mode)
	assert.Equal(t, "cus_123", sess.CustomerID)
	assert.Equal(t, "sub_123", sess.SubscriptionID)
}

func TestEmptyIDsAreValidationErrors(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected, got %s", r.URL.Path)
	}, nil)

	_, err := c.GetSubscription(context.Background(), "")
	assert.ErrorIs(t, err, billing.ErrValidation)
	_, err = c.GetCheckoutSession(context.Background(), "")
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestErrorClassification(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/subscriptions/sub_missing" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"boom"}}`)
	}, nil)

	_, err := c.GetSubscription(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)

	_, err = c.GetSubscription(context.Background(), "sub_broken")
	assert.ErrorIs(t, err, billing.ErrUpstream)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits int32
	breaker := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:         "stripe",
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
		IsFailure:    IsBreakerFailure,
	})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"unavailable"}}`)
	}, breaker)

	for i := 0; i < 2; i++ {
		_, err := c.GetSubscription(context.Background(), "sub_1")
		require.ErrorIs(t, err, billing.ErrUpstream)
	}
	require.True(t, breaker.IsOpen())

	_, err := c.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billing.ErrUpstream)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker must not reach the provider")
}

func TestIsBreakerFailure(t *testing.T) {
	assert.True(t, IsBreakerFailure(errors.New("dial tcp: connection refused")))
}
