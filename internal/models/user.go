package models

import "time"

// SubscriptionTier is the plan controlling quota limits.
type SubscriptionTier string

// Subscription tiers.
const (
	TierFree SubscriptionTier = "FREE"
	TierPro  SubscriptionTier = "PRO"
)

// SubscriptionStatus tracks the billing state of the current tier.
type SubscriptionStatus string

// Subscription statuses.
const (
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusCancelled SubscriptionStatus = "CANCELLED"
	StatusExpired   SubscriptionStatus = "EXPIRED"
)

// User represents an account signed in through the hosting provider.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Login string `gorm:"type:text;not null;uniqueIndex"` // Provider login name.
	Name  string `gorm:"type:text"`                      // Display name.
	Email string `gorm:"type:text;index"`                // Email address.

	SubscriptionTier      SubscriptionTier   `gorm:"type:text;not null;default:FREE"` // Current plan.
	SubscriptionStatus    SubscriptionStatus `gorm:"type:text"`                       // Billing state of the plan.
	BillingCustomerID     *string            `gorm:"type:text;uniqueIndex"`           // External billing customer reference.
	BillingSubscriptionID string             `gorm:"type:text"`                       // Latest external subscription reference.

	Accounts     []Account    `gorm:"foreignKey:UserID"` // Linked provider accounts.
	Repositories []Repository `gorm:"foreignKey:UserID"` // Connected repositories.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// EffectiveTier returns the tier, treating an unset value as FREE.
func (u *User) EffectiveTier() SubscriptionTier {
	if u == nil || u.SubscriptionTier == "" {
		return TierFree
	}
	return u.SubscriptionTier
}
