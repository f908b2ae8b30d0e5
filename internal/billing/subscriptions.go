// Package billing applies payment-provider subscription events to user tiers.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/models"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"gorm.io/gorm"
)

// ErrInvalidSignature is returned when an event fails signature verification.
var ErrInvalidSignature = errors.New("billing: invalid webhook signature")

// Handled event types.
const (
	eventCustomerCreated     = "customer.created"
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// Plan is the tier and status derived from a subscription.
type Plan struct {
	Tier   models.SubscriptionTier
	Status models.SubscriptionStatus
}

// ParseEvent verifies and decodes a webhook delivery.
func ParseEvent(body []byte, signatureHeader, secret string) (stripe.Event, error) {
	event, errConstruct := webhook.ConstructEventWithOptions(body, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if errConstruct != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, errConstruct)
	}
	return event, nil
}

// PlanFor maps a subscription to the plan it grants. ok is false for transitional
// states that leave the user unchanged.
func PlanFor(sub *stripe.Subscription, deleted bool) (Plan, bool) {
	if deleted {
		return Plan{Tier: models.TierFree, Status: models.StatusCancelled}, true
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		if sub.CancelAtPeriodEnd {
			// Access continues until the period ends.
			return Plan{Tier: models.TierPro, Status: models.StatusCancelled}, true
		}
		return Plan{Tier: models.TierPro, Status: models.StatusActive}, true
	case stripe.SubscriptionStatusCanceled:
		return Plan{Tier: models.TierFree, Status: models.StatusCancelled}, true
	case stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return Plan{Tier: models.TierFree, Status: models.StatusExpired}, true
	default:
		return Plan{}, false
	}
}

// Service updates users from billing events and, when an API client is attached, from the
// provider's subscription list.
type Service struct {
	db  *gorm.DB
	api *client.API
}

// NewService constructs a billing service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// HandleEvent applies one verified event. Unhandled event types are ignored.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return nil
	}
	switch event.Type {
	case eventCustomerCreated:
		var customer stripe.Customer
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &customer); errUnmarshal != nil {
			return fmt.Errorf("billing: decode customer: %w", errUnmarshal)
		}
		return s.LinkCustomer(ctx, customer.Email, customer.ID)
	case eventSubscriptionCreated,
		eventSubscriptionUpdated,
		eventSubscriptionDeleted:
		var sub stripe.Subscription
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &sub); errUnmarshal != nil {
			return fmt.Errorf("billing: decode subscription: %w", errUnmarshal)
		}
		if sub.Customer == nil || sub.Customer.ID == "" {
			return fmt.Errorf("billing: subscription %s has no customer", sub.ID)
		}
		plan, ok := PlanFor(&sub, event.Type == eventSubscriptionDeleted)
		if !ok {
			log.WithFields(log.Fields{"subscription": sub.ID, "status": sub.Status}).Debug("billing: transitional subscription status ignored")
			return nil
		}
		return s.ApplyPlan(ctx, sub.Customer.ID, sub.ID, plan)
	default:
		return nil
	}
}

// LinkCustomer stores the billing customer reference on the user with the given email.
func (s *Service) LinkCustomer(ctx context.Context, email, customerID string) error {
	email = strings.TrimSpace(email)
	if email == "" || customerID == "" {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("LOWER(email) = ? AND billing_customer_id IS NULL", strings.ToLower(email)).
		Update("billing_customer_id", customerID)
	if result.Error != nil {
		return apperr.Persistence("link billing customer", result.Error)
	}
	if result.RowsAffected == 0 {
		log.WithField("customer", customerID).Info("billing: no unlinked user for customer")
	}
	return nil
}

// ApplyPlan sets the tier and status of the user owning customerID. Unknown customers are logged and ignored.
func (s *Service) ApplyPlan(ctx context.Context, customerID, subscriptionID string, plan Plan) error {
	updates := map[string]any{
		"subscription_tier":   plan.Tier,
		"subscription_status": plan.Status,
	}
	if subscriptionID != "" {
		updates["billing_subscription_id"] = subscriptionID
	}
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("billing_customer_id = ?", customerID).
		Updates(updates)
	if result.Error != nil {
		return apperr.Persistence("apply subscription plan", result.Error)
	}
	if result.RowsAffected == 0 {
		log.WithField("customer", customerID).Warn("billing: subscription for unknown customer")
		return nil
	}
	log.WithFields(log.Fields{"customer": customerID, "tier": plan.Tier, "status": plan.Status}).Info("billing: plan updated")
	return nil
}
