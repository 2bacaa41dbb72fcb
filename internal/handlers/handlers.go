// Package handlers exposes reconciliation and usage over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/internal/store"
	"github.com/RickSF09/eva-sub001/internal/usage"
	"github.com/RickSF09/eva-sub001/pkg/logging"
	"github.com/RickSF09/eva-sub001/pkg/middleware"
)

// maxBodyBytes caps webhook and JSON request bodies.
const maxBodyBytes = 1 << 20

// Reconciler is the reconciliation core behind the billing routes.
type Reconciler interface {
	ApplyEvent(ctx context.Context, ev *billing.Event) (string, error)
	SyncCheckout(ctx context.Context, accountID, sessionID string) (*billing.Record, error)
	Resync(ctx context.Context, accountID string) (*billing.Record, error)
}

// WebhookVerifier authenticates provider webhook deliveries.
type WebhookVerifier interface {
	WebhookConfigured() bool
	ConstructEvent(payload []byte, signatureHeader string) (*billing.Event, error)
}

// UsageMeter computes usage snapshots.
type UsageMeter interface {
	Snapshot(ctx context.Context, accountID string, now time.Time) (usage.Snapshot, error)
}

// RecordReader loads stored billing records.
type RecordReader interface {
	GetRecord(ctx context.Context, accountID string) (*billing.Record, error)
}

// Config wires the handlers.
type Config struct {
	Reconciler Reconciler
	Verifier   WebhookVerifier
	Meter      UsageMeter
	Records    RecordReader
	EventLog   store.EventLog
	// Provider names the webhook source in the event log and metrics.
	Provider string
	// SignatureFailures counts rejected webhook signatures by provider.
	SignatureFailures *prometheus.CounterVec
	Logger            logging.Logger
}

// Handlers serves the billing HTTP API.
type Handlers struct {
	reconciler        Reconciler
	verifier          WebhookVerifier
	meter             UsageMeter
	records           RecordReader
	eventLog          store.EventLog
	provider          string
	signatureFailures *prometheus.CounterVec
	logger            logging.Logger
	now               func() time.Time
}

func New(cfg Config) *Handlers {
	return &Handlers{
		reconciler:        cfg.Reconciler,
		verifier:          cfg.Verifier,
		meter:             cfg.Meter,
		records:           cfg.Records,
		eventLog:          cfg.EventLog,
		provider:          cfg.Provider,
		signatureFailures: cfg.SignatureFailures,
		logger:            cfg.Logger,
		now:               time.Now,
	}
}

// RegisterRoutes mounts the webhook route unauthenticated and the billing
// routes behind auth. A non-empty serviceToken also mounts operator routes.
func (h *Handlers) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc, serviceToken string) {
	r.POST("/webhooks/stripe", h.HandleStripeWebhook)

	b := r.Group("/billing", auth)
	b.POST("/checkout/sync", h.SyncCheckout)
	b.POST("/sync", h.Sync)
	b.GET("/usage", h.GetUsage)
	b.GET("/status", h.GetStatus)

	if serviceToken != "" {
		ops := r.Group("/internal", middleware.ServiceAuthMiddleware(serviceToken))
		ops.POST("/accounts/:accountId/resync", h.ResyncAccount)
	}
}

// writeError maps an error kind to its HTTP status. Upstream failures are
// reported as 502 on pull routes; the webhook route answers 500 itself.
func (h *Handlers) writeError(c *gin.Context, err error) {
	log := middleware.GetContextLogger(c, h.logger).WithError(err)

	var status int
	msg := err.Error()
	switch {
	case errors.Is(err, billing.ErrAuthentication):
		status = http.StatusUnauthorized
	case errors.Is(err, billing.ErrAuthorization):
		status = http.StatusForbidden
		log.Warn("Billing request not authorized")
	case errors.Is(err, billing.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, billing.ErrNotFound):
		status = http.StatusNotFound
		log.Info("Nothing to sync")
	case errors.Is(err, billing.ErrUpstream):
		status = http.StatusBadGateway
		msg = billing.ErrUpstream.Error()
		log.Error("Payment provider call failed")
	default:
		status = http.StatusInternalServerError
		msg = "internal error"
		log.Error("Billing request failed")
	}

	c.JSON(status, gin.H{"error": msg})
}
