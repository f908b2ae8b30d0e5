package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/reviewyai/reviewy/internal/billing"
)

// BillingSyncer re-reads a user's subscription from the payment provider.
type BillingSyncer interface {
	Sync(ctx context.Context, userID uint64) (*billing.SyncResult, error)
}

// BillingHandler handles billing endpoints.
type BillingHandler struct {
	syncer BillingSyncer
}

// NewBillingHandler constructs a BillingHandler.
func NewBillingHandler(syncer BillingSyncer) *BillingHandler {
	return &BillingHandler{syncer: syncer}
}

// Sync refreshes the caller's plan from the payment provider.
func (h *BillingHandler) Sync(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	result, errSync := h.syncer.Sync(c.Request.Context(), userID)
	if errSync != nil {
		writeError(c, errSync)
		return
	}
	c.JSON(http.StatusOK, result)
}
