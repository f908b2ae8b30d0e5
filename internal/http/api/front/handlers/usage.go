package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/reviewyai/reviewy/internal/quota"
)

// LimitsReader reports usage against tier limits.
type LimitsReader interface {
	RemainingLimits(ctx context.Context, userID uint64) (*quota.UserLimits, error)
}

// UsageHandler handles usage endpoints.
type UsageHandler struct {
	limits LimitsReader
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(limits LimitsReader) *UsageHandler {
	return &UsageHandler{limits: limits}
}

// Limits returns current usage and limits for repositories and per-repository reviews.
func (h *UsageHandler) Limits(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limits, errLimits := h.limits.RemainingLimits(c.Request.Context(), userID)
	if errLimits != nil {
		writeError(c, errLimits)
		return
	}
	c.JSON(http.StatusOK, limits)
}
