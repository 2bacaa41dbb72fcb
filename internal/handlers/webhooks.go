package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/pkg/logging"
	"github.com/RickSF09/eva-sub001/pkg/middleware"
)

// HandleStripeWebhook handles POST /webhooks/stripe.
//
// The signature is checked before anything else. A 2xx is returned only
// once the event is applied; processing failures answer 500 so the
// provider redelivers. Events are marked processed after a successful
// apply, which makes redelivered duplicates a no-op.
func (h *Handlers) HandleStripeWebhook(c *gin.Context) {
	log := middleware.GetContextLogger(c, h.logger)

	if h.verifier == nil || !h.verifier.WebhookConfigured() {
		log.Error("STRIPE_WEBHOOK_SECRET not configured; rejecting webhook")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Webhook verification not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		log.WithError(err).Warn("Failed to read Stripe webhook body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	ev, err := h.verifier.ConstructEvent(body, c.GetHeader("Stripe-Signature"))
	if errors.Is(err, billing.ErrSignature) {
		log.WithError(err).Warn("Invalid Stripe webhook signature")
		h.recordSignatureFailure()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	}
	if err != nil {
		log.WithError(err).Warn("Invalid Stripe webhook payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	log = log.WithFields(logging.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})
	log.Info("Received Stripe webhook")

	ctx := c.Request.Context()
	if h.eventLog != nil && ev.ID != "" {
		done, err := h.eventLog.Processed(ctx, h.provider, ev.ID)
		if err != nil {
			log.WithError(err).Warn("Webhook event log unavailable, processing anyway")
		} else if done {
			log.Debug("Stripe webhook already processed, skipping")
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
	}

	if _, err := h.reconciler.ApplyEvent(ctx, ev); err != nil {
		log.WithError(err).Error("Failed to process Stripe webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
		return
	}

	if h.eventLog != nil && ev.ID != "" {
		if err := h.eventLog.MarkProcessed(ctx, h.provider, ev.ID, ev.Type); err != nil {
			log.WithError(err).Warn("Failed to mark webhook as processed")
		}
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handlers) recordSignatureFailure() {
	if h.signatureFailures == nil {
		return
	}
	h.signatureFailures.WithLabelValues(h.provider).Inc()
}
