package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/internal/usage"
	"github.com/RickSF09/eva-sub001/pkg/auth"
	"github.com/RickSF09/eva-sub001/pkg/middleware"
)

// SubscriptionResponse is returned by the sync routes.
type SubscriptionResponse struct {
	SubscriptionID    string     `json:"subscriptionId"`
	Status            string     `json:"status"`
	Plan              string     `json:"plan"`
	PeriodStart       *time.Time `json:"periodStart"`
	PeriodEnd         *time.Time `json:"periodEnd"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
}

// StatusResponse is the stored billing record plus the access decision.
type StatusResponse struct {
	AccountID string `json:"accountId"`
	SubscriptionResponse
	HasAccess bool `json:"hasAccess"`
}

func subscriptionResponse(rec *billing.Record) SubscriptionResponse {
	return SubscriptionResponse{
		SubscriptionID:    rec.SubscriptionID,
		Status:            rec.Status,
		Plan:              rec.PlanSlug,
		PeriodStart:       rec.PeriodStart,
		PeriodEnd:         rec.PeriodEnd,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
	}
}

type checkoutSyncRequest struct {
	SessionID string `json:"sessionId"`
}

// SyncCheckout handles POST /billing/checkout/sync
func (h *Handlers) SyncCheckout(c *gin.Context) {
	accountID := auth.AccountID(c)
	if accountID == "" {
		h.writeError(c, billing.ErrAuthentication)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	var req checkoutSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	rec, err := h.reconciler.SyncCheckout(c.Request.Context(), accountID, req.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscriptionResponse(rec))
}

// Sync handles POST /billing/sync
func (h *Handlers) Sync(c *gin.Context) {
	accountID := auth.AccountID(c)
	if accountID == "" {
		h.writeError(c, billing.ErrAuthentication)
		return
	}

	rec, err := h.reconciler.Resync(c.Request.Context(), accountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscriptionResponse(rec))
}

// ResyncAccount handles POST /internal/accounts/:accountId/resync
func (h *Handlers) ResyncAccount(c *gin.Context) {
	rec, err := h.reconciler.Resync(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscriptionResponse(rec))
}

// GetUsage handles GET /billing/usage. Failures never fail the request:
// the caller gets a zeroed snapshot flagged usageUnavailable.
func (h *Handlers) GetUsage(c *gin.Context) {
	accountID := auth.AccountID(c)
	if accountID == "" {
		h.writeError(c, billing.ErrAuthentication)
		return
	}

	snap, err := h.meter.Snapshot(c.Request.Context(), accountID, h.now())
	if err != nil {
		middleware.GetContextLogger(c, h.logger).WithError(err).Error("Failed to load usage")
		snap = usage.Unavailable()
	}
	c.JSON(http.StatusOK, snap)
}

// GetStatus handles GET /billing/status
func (h *Handlers) GetStatus(c *gin.Context) {
	accountID := auth.AccountID(c)
	if accountID == "" {
		h.writeError(c, billing.ErrAuthentication)
		return
	}

	rec, err := h.records.GetRecord(c.Request.Context(), accountID)
	if errors.Is(err, billing.ErrNotFound) {
		c.JSON(http.StatusOK, StatusResponse{AccountID: accountID})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		AccountID:            accountID,
		SubscriptionResponse: subscriptionResponse(rec),
		HasAccess:            billing.GrantsAccess(rec.Status),
	})
}
