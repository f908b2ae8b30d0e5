package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/reviewyai/reviewy/internal/billing"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
)

const maxStripeBody = int64(65536)

// SubscriptionApplier applies verified billing events.
type SubscriptionApplier interface {
	HandleEvent(ctx context.Context, event stripe.Event) error
}

// StripeHandler handles billing webhook deliveries.
type StripeHandler struct {
	billing SubscriptionApplier
	secret  string
}

// NewStripeHandler constructs a StripeHandler.
func NewStripeHandler(applier SubscriptionApplier, secret string) *StripeHandler {
	return &StripeHandler{billing: applier, secret: secret}
}

// Handle verifies and applies one billing event.
func (h *StripeHandler) Handle(c *gin.Context) {
	if h.secret == "" {
		log.Error("stripe webhook: secret not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook not configured"})
		return
	}
	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxStripeBody))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	event, errParse := billing.ParseEvent(body, c.GetHeader("Stripe-Signature"), h.secret)
	if errParse != nil {
		log.WithError(errParse).Warn("stripe webhook: signature verification failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
		return
	}

	if errHandle := h.billing.HandleEvent(c.Request.Context(), event); errHandle != nil {
		log.WithError(errHandle).WithFields(log.Fields{"event_id": event.ID, "type": event.Type}).Error("stripe webhook: apply event failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
