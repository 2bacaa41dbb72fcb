package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/RickSF09/eva-sub001/internal/billing"
	tallystripe "github.com/RickSF09/eva-sub001/internal/stripe"
	"github.com/RickSF09/eva-sub001/internal/usage"
	"github.com/RickSF09/eva-sub001/pkg/auth"
	"github.com/RickSF09/eva-sub001/pkg/logging"
	"github.com/RickSF09/eva-sub001/pkg/testutil"
)

const webhookSecret = "whsec_handlers_test"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReconciler struct {
	mu       sync.Mutex
	applied  []string
	applyErr error

	checkoutAccount string
	checkoutSession string
	record          *billing.Record
	err             error
}

func (f *fakeReconciler) ApplyEvent(_ context.Context, ev *billing.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return "", f.applyErr
	}
	f.applied = append(f.applied, ev.ID)
	return "acct-1", nil
}

func (f *fakeReconciler) SyncCheckout(_ context.Context, accountID, sessionID string) (*billing.Record, error) {
	f.checkoutAccount, f.checkoutSession = accountID, sessionID
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *fakeReconciler) Resync(_ context.Context, accountID string) (*billing.Record, error) {
	f.checkoutAccount = accountID
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

type fakeMeter struct {
	snap usage.Snapshot
	err  error
}

func (f *fakeMeter) Snapshot(context.Context, string, time.Time) (usage.Snapshot, error) {
	return f.snap, f.err
}

type fakeRecords struct {
	rec *billing.Record
	err error
}

func (f *fakeRecords) GetRecord(context.Context, string) (*billing.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.rec == nil {
		return nil, billing.ErrNotFound
	}
	return f.rec, nil
}

type memEventLog struct {
	mu      sync.Mutex
	seen    map[string]bool
	readErr error
}

func (l *memEventLog) Processed(_ context.Context, provider, eventID string) (bool, error) {
	if l.readErr != nil {
		return false, l.readErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[provider+":"+eventID], nil
}

func (l *memEventLog) MarkProcessed(_ context.Context, provider, eventID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[provider+":"+eventID] = true
	return nil
}

type fixture struct {
	router     *gin.Engine
	reconciler *fakeReconciler
	meter      *fakeMeter
	records    *fakeRecords
	eventLog   *memEventLog
	sigFails   *prometheus.CounterVec
	jwt        *testutil.JWTTestHelper
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	f := &fixture{
		reconciler: &fakeReconciler{},
		meter:      &fakeMeter{},
		records:    &fakeRecords{},
		eventLog:   &memEventLog{seen: map[string]bool{}},
		sigFails:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_signature_failures_total"}, []string{"provider"}),
		jwt:        testutil.NewJWTTestHelper(),
	}
	h := New(Config{
		Reconciler:        f.reconciler,
		Verifier:          tallystripe.NewClient(tallystripe.Config{SecretKey: "sk_test", WebhookSecret: secret}),
		Meter:             f.meter,
		Records:           f.records,
		EventLog:          f.eventLog,
		Provider:          tallystripe.ProviderName,
		SignatureFailures: f.sigFails,
		Logger:            logging.NewTestLogger(),
	})
	f.router = gin.New()
	h.RegisterRoutes(f.router, auth.JWTAuthMiddleware(f.jwt.Secret), "ops-token")
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) authed(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	require.NoError(t, testutil.TestUserAccount1.Authorize(f.jwt, req))
	return req
}

func webhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	s := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(s.Payload)))
	req.Header.Set("Stripe-Signature", s.Header)
	return req
}

const subscriptionEvent = `{"id":"evt_1","object":"event","type":"customer.subscription.updated","created":1704067200,
"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","cancel_at_period_end":false,
"items":{"data":[{"id":"si_1","price":{"id":"price_family_monthly"},"current_period_start":1709251200,"current_period_end":1711929600}]}}}}`

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestStripeWebhook_AppliesOnceAndAcknowledges(t *testing.T) {
	f := newFixture(t, webhookSecret)

	w := f.do(t, webhookRequest(t, webhookSecret, subscriptionEvent))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["received"])

	w = f.do(t, webhookRequest(t, webhookSecret, subscriptionEvent))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"evt_1"}, f.reconciler.applied)
	assert.True(t, f.eventLog.seen["stripe:evt_1"])
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	f := newFixture(t, webhookSecret)

	w := f.do(t, webhookRequest(t, "whsec_attacker", subscriptionEvent))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid signature", decode(t, w)["error"])
	assert.Empty(t, f.reconciler.applied)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.sigFails.WithLabelValues("stripe")))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(subscriptionEvent))
	w = f.do(t, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 2.0, promtestutil.ToFloat64(f.sigFails.WithLabelValues("stripe")))
}

func TestStripeWebhook_BadPayload(t *testing.T) {
	f := newFixture(t, webhookSecret)

	w := f.do(t, webhookRequest(t, webhookSecret, `{not json`))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid payload", decode(t, w)["error"])
	assert.Zero(t, promtestutil.ToFloat64(f.sigFails.WithLabelValues("stripe")))
}

func TestStripeWebhook_NotConfigured(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, webhookRequest(t, webhookSecret, subscriptionEvent))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStripeWebhook_ProcessingFailureIsRetried(t *testing.T) {
	f := newFixture(t, webhookSecret)
	f.reconciler.applyErr = errors.New("db down")

	w := f.do(t, webhookRequest(t, webhookSecret, subscriptionEvent))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, f.eventLog.seen["stripe:evt_1"])

	f.reconciler.applyErr = nil
	w = f.do(t, webhookRequest(t, webhookSecret, subscriptionEvent))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"evt_1"}, f.reconciler.applied)
}

func TestStripeWebhook_EventLogDownStillProcesses(t *testing.T) {
	f := newFixture(t, webhookSecret)
	f.eventLog.readErr = errors.New("redis down")

	w := f.do(t, webhookRequest(t, webhookSecret, subscriptionEvent))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.reconciler.applied, 1)
}

func TestSyncCheckout(t *testing.T) {
	f := newFixture(t, webhookSecret)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	f.reconciler.record = &billing.Record{AccountID: "acct-1", Fields: billing.Fields{
		SubscriptionID: "sub_1",
		Status:         "trialing",
		PlanSlug:       "family",
		PeriodStart:    &start,
		PeriodEnd:      &end,
	}}

	w := f.do(t, f.authed(t, http.MethodPost, "/billing/checkout/sync", `{"sessionId":"cs_123"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "sub_1", body["subscriptionId"])
	assert.Equal(t, "trialing", body["status"])
	assert.Equal(t, "family", body["plan"])
	assert.Equal(t, "2024-03-01T00:00:00Z", body["periodStart"])
	assert.Equal(t, false, body["cancelAtPeriodEnd"])
	assert.Equal(t, "acct-1", f.reconciler.checkoutAccount)
	assert.Equal(t, "cs_123", f.reconciler.checkoutSession)
}

func TestSyncRoutes_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: sessionId is required", billing.ErrValidation), http.StatusBadRequest},
		{"authorization", billing.ErrAuthorization, http.StatusForbidden},
		{"not found", fmt.Errorf("%w: nothing to sync", billing.ErrNotFound), http.StatusNotFound},
		{"upstream", fmt.Errorf("get_subscription: %w", billing.ErrUpstream), http.StatusBadGateway},
		{"internal", errors.New("pq: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, webhookSecret)
			f.reconciler.err = tt.err

			w := f.do(t, f.authed(t, http.MethodPost, "/billing/sync", ""))
			require.Equal(t, tt.want, w.Code)
			msg, _ := decode(t, w)["error"].(string)
			assert.NotEmpty(t, msg)
			assert.NotContains(t, msg, "pq:")

			w = f.do(t, f.authed(t, http.MethodPost, "/billing/checkout/sync", `{"sessionId":"cs_1"}`))
			require.Equal(t, tt.want, w.Code)
		})
	}
}

func TestSyncCheckout_BadBody(t *testing.T) {
	f := newFixture(t, webhookSecret)

	w := f.do(t, f.authed(t, http.MethodPost, "/billing/checkout/sync", `not json`))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.reconciler.checkoutSession)
}

func TestBillingRoutesRequireAuth(t *testing.T) {
	f := newFixture(t, webhookSecret)

	for _, r := range []struct{ method, path string }{
		{http.MethodPost, "/billing/checkout/sync"},
		{http.MethodPost, "/billing/sync"},
		{http.MethodGet, "/billing/usage"},
		{http.MethodGet, "/billing/status"},
	} {
		w := f.do(t, httptest.NewRequest(r.method, r.path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, r.path)
	}

	expired, err := f.jwt.GenerateExpiredJWT("u", "acct-1", "u@example.com", "user")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/billing/usage", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, req).Code)
}

func TestGetUsage(t *testing.T) {
	f := newFixture(t, webhookSecret)
	f.meter.snap = usage.Snapshot{MinutesUsed: 2, MinutesIncluded: 300, MinutesRemaining: 298, UsagePercent: 1, CallCount: 2}

	w := f.do(t, f.authed(t, http.MethodGet, "/billing/usage", ""))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["minutesUsed"])
	assert.Equal(t, float64(298), body["minutesRemaining"])
	assert.Equal(t, false, body["usageUnavailable"])
}

func TestGetUsage_DegradesOnError(t *testing.T) {
	f := newFixture(t, webhookSecret)
	f.meter.err = errors.New("db down")

	w := f.do(t, f.authed(t, http.MethodGet, "/billing/usage", ""))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["usageUnavailable"])
	assert.Equal(t, float64(0), body["minutesUsed"])
	assert.Equal(t, float64(0), body["minutesIncluded"])
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t, webhookSecret)

	w := f.do(t, f.authed(t, http.MethodGet, "/billing/status", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["hasAccess"])

	f.records.rec = &billing.Record{AccountID: "acct-1", Fields: billing.Fields{SubscriptionID: "sub_1", Status: "past_due"}}
	w = f.do(t, f.authed(t, http.MethodGet, "/billing/status", ""))
	body := decode(t, w)
	assert.Equal(t, "past_due", body["status"])
	assert.Equal(t, false, body["hasAccess"])
	assert.Equal(t, "acct-1", body["accountId"])

	f.records.rec.Status = "trialing"
	w = f.do(t, f.authed(t, http.MethodGet, "/billing/status", ""))
	assert.Equal(t, true, decode(t, w)["hasAccess"])
}

func TestOperatorResync(t *testing.T) {
	f := newFixture(t, webhookSecret)
	f.reconciler.record = &billing.Record{AccountID: "acct-9", Fields: billing.Fields{SubscriptionID: "sub_9", Status: "active"}}

	req := httptest.NewRequest(http.MethodPost, "/internal/accounts/acct-9/resync", nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/accounts/acct-9/resync", nil)
	req.Header.Set("Authorization", "Bearer ops-token")
	w := f.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acct-9", f.reconciler.checkoutAccount)
	assert.Equal(t, "sub_9", decode(t, w)["subscriptionId"])
}
