package billing

import (
	"context"
	"errors"

	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/models"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"gorm.io/gorm"
)

const syncListLimit = 20

// SyncResult reports the plan a user holds after a sync.
type SyncResult struct {
	SubscriptionID     string                    `json:"subscription_id,omitempty"`
	ProviderStatus     string                    `json:"provider_status,omitempty"`
	SubscriptionTier   models.SubscriptionTier   `json:"subscription_tier"`
	SubscriptionStatus models.SubscriptionStatus `json:"subscription_status"`
	Changed            bool                      `json:"changed"`
}

// WithAPI attaches the Stripe API client used by Sync.
func (s *Service) WithAPI(api *client.API) *Service {
	s.api = api
	return s
}

// Sync re-reads the subscriptions of the user's billing customer and applies the plan of the
// current one. It repairs tiers when a webhook delivery was missed.
func (s *Service) Sync(ctx context.Context, userID uint64) (*SyncResult, error) {
	if s.api == nil {
		return nil, apperr.Upstream("billing provider is not configured", nil)
	}
	var user models.User
	if errFind := s.db.WithContext(ctx).First(&user, userID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Persistence("load user", errFind)
	}
	if user.BillingCustomerID == nil || *user.BillingCustomerID == "" {
		return nil, apperr.NotFound("no billing customer is linked to this account")
	}
	customerID := *user.BillingCustomerID

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(syncListLimit)

	var current *stripe.Subscription
	iter := s.api.Subscriptions.List(params)
	for iter.Next() {
		current = preferSubscription(current, iter.Subscription())
	}
	if errList := iter.Err(); errList != nil {
		return nil, apperr.Upstream("list subscriptions", errList)
	}

	result := &SyncResult{SubscriptionTier: user.EffectiveTier(), SubscriptionStatus: user.SubscriptionStatus}
	fields := log.Fields{"user_id": userID, "customer": customerID}
	if current == nil {
		log.WithFields(fields).Info("billing: sync found no subscriptions")
		return result, nil
	}
	result.SubscriptionID = current.ID
	result.ProviderStatus = string(current.Status)

	plan, ok := PlanFor(current, false)
	if !ok {
		log.WithFields(fields).WithField("status", current.Status).Info("billing: sync left transitional subscription alone")
		return result, nil
	}
	if errApply := s.ApplyPlan(ctx, customerID, current.ID, plan); errApply != nil {
		return nil, errApply
	}
	result.Changed = plan.Tier != user.SubscriptionTier || plan.Status != user.SubscriptionStatus
	result.SubscriptionTier = plan.Tier
	result.SubscriptionStatus = plan.Status
	return result, nil
}

// preferSubscription keeps an active or trialing subscription over any other, then the newest.
func preferSubscription(best, candidate *stripe.Subscription) *stripe.Subscription {
	if candidate == nil {
		return best
	}
	if best == nil {
		return candidate
	}
	bestLive, candidateLive := isLive(best), isLive(candidate)
	if bestLive != candidateLive {
		if candidateLive {
			return candidate
		}
		return best
	}
	if candidate.Created > best.Created {
		return candidate
	}
	return best
}

func isLive(sub *stripe.Subscription) bool {
	return sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing
}
