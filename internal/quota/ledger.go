// Package quota tracks repository and review usage against subscription tier limits.
package quota

import (
	"context"
	"errors"

	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Unlimited marks a limit that never denies.
const Unlimited = -1

// Limits are the quotas granted by a tier.
type Limits struct {
	Repositories   int
	ReviewsPerRepo int
}

var tierLimits = map[models.SubscriptionTier]Limits{
	models.TierFree: {Repositories: 3, ReviewsPerRepo: 3},
	models.TierPro:  {Repositories: Unlimited, ReviewsPerRepo: Unlimited},
}

// LimitsFor returns the limits for tier; unknown tiers get FREE limits.
func LimitsFor(tier models.SubscriptionTier) Limits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits[models.TierFree]
}

// UsageLimit describes one counter for display.
type UsageLimit struct {
	Current    int  `json:"current"`
	Limit      *int `json:"limit"` // nil when unlimited.
	IsExceeded bool `json:"is_exceeded"`
}

// UserLimits is the remaining-limits view for a user.
type UserLimits struct {
	Tier         models.SubscriptionTier `json:"tier"`
	Repositories UsageLimit              `json:"repositories"`
	Reviews      map[string]UsageLimit   `json:"reviews"` // Keyed by repository ID.
}

// Ledger answers admission questions and records usage in the relational store.
type Ledger struct {
	db *gorm.DB
}

// NewLedger constructs a quota ledger.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx returns a ledger bound to tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

func (l *Ledger) tier(ctx context.Context, userID uint64) (models.SubscriptionTier, error) {
	var user models.User
	errFind := l.db.WithContext(ctx).Select("id", "subscription_tier").First(&user, userID).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return "", apperr.NotFound("user not found")
		}
		return "", apperr.Persistence("load user tier", errFind)
	}
	return user.EffectiveTier(), nil
}

// ensureUsage creates the zero-valued usage row when missing.
func (l *Ledger) ensureUsage(ctx context.Context, userID uint64) error {
	errCreate := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&models.UserUsage{UserID: userID}).Error
	if errCreate != nil {
		return apperr.Persistence("create usage row", errCreate)
	}
	return nil
}

func (l *Ledger) ensureReviewQuota(ctx context.Context, userID, repositoryID uint64) error {
	errCreate := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "repository_id"}}, DoNothing: true}).
		Create(&models.ReviewQuota{UserID: userID, RepositoryID: repositoryID}).Error
	if errCreate != nil {
		return apperr.Persistence("create review quota row", errCreate)
	}
	return nil
}

// Usage returns the user's usage row with ReviewCount populated, creating it on first access.
func (l *Ledger) Usage(ctx context.Context, userID uint64) (*models.UserUsage, error) {
	if errEnsure := l.ensureUsage(ctx, userID); errEnsure != nil {
		return nil, errEnsure
	}
	var usage models.UserUsage
	if errFind := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&usage).Error; errFind != nil {
		return nil, apperr.Persistence("load usage", errFind)
	}
	var rows []models.ReviewQuota
	if errFind := l.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; errFind != nil {
		return nil, apperr.Persistence("load review counts", errFind)
	}
	usage.ReviewCount = make(map[string]int, len(rows))
	for _, row := range rows {
		usage.ReviewCount[models.RepositoryKey(row.RepositoryID)] = row.Used
	}
	return &usage, nil
}

// CanAddRepository reports whether the user may connect one more repository.
func (l *Ledger) CanAddRepository(ctx context.Context, userID uint64) (bool, error) {
	tier, errTier := l.tier(ctx, userID)
	if errTier != nil {
		return false, errTier
	}
	limit := LimitsFor(tier).Repositories
	if limit == Unlimited {
		return true, nil
	}
	usage, errUsage := l.Usage(ctx, userID)
	if errUsage != nil {
		return false, errUsage
	}
	return usage.RepositoryCount < limit, nil
}

// CanGenerateReview reports whether one more review may be dispatched for the repository.
func (l *Ledger) CanGenerateReview(ctx context.Context, userID, repositoryID uint64) (bool, error) {
	tier, errTier := l.tier(ctx, userID)
	if errTier != nil {
		return false, errTier
	}
	limit := LimitsFor(tier).ReviewsPerRepo
	if limit == Unlimited {
		return true, nil
	}
	used, errUsed := l.reviewsUsed(ctx, repositoryID)
	if errUsed != nil {
		return false, errUsed
	}
	return used < limit, nil
}

func (l *Ledger) reviewsUsed(ctx context.Context, repositoryID uint64) (int, error) {
	var row models.ReviewQuota
	errFind := l.db.WithContext(ctx).Where("repository_id = ?", repositoryID).First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, apperr.Persistence("load review count", errFind)
	}
	return row.Used, nil
}

// IncrementRepositoryCount adds one to the repository counter without checking the limit.
// Paired with CanAddRepository it admits a check-then-act race; prefer ReserveRepository.
func (l *Ledger) IncrementRepositoryCount(ctx context.Context, userID uint64) error {
	if errEnsure := l.ensureUsage(ctx, userID); errEnsure != nil {
		return errEnsure
	}
	errUpdate := l.db.WithContext(ctx).Model(&models.UserUsage{}).
		Where("user_id = ?", userID).
		Update("repository_count", gorm.Expr("repository_count + 1")).Error
	if errUpdate != nil {
		return apperr.Persistence("increment repository count", errUpdate)
	}
	return nil
}

// IncrementReviewCount adds one to the repository's review counter without checking the limit.
// Paired with CanGenerateReview it admits a check-then-act race; prefer ReserveReview.
func (l *Ledger) IncrementReviewCount(ctx context.Context, userID, repositoryID uint64) error {
	if errEnsure := l.ensureUsage(ctx, userID); errEnsure != nil {
		return errEnsure
	}
	if errEnsure := l.ensureReviewQuota(ctx, userID, repositoryID); errEnsure != nil {
		return errEnsure
	}
	errUpdate := l.db.WithContext(ctx).Model(&models.ReviewQuota{}).
		Where("repository_id = ?", repositoryID).
		Update("used", gorm.Expr("used + 1")).Error
	if errUpdate != nil {
		return apperr.Persistence("increment review count", errUpdate)
	}
	return nil
}

// DecrementRepositoryCount subtracts one from the repository counter, never going below zero.
func (l *Ledger) DecrementRepositoryCount(ctx context.Context, userID uint64) error {
	errUpdate := l.db.WithContext(ctx).Model(&models.UserUsage{}).
		Where("user_id = ? AND repository_count > 0", userID).
		Update("repository_count", gorm.Expr("repository_count - 1")).Error
	if errUpdate != nil {
		return apperr.Persistence("decrement repository count", errUpdate)
	}
	return nil
}

// ReserveRepository atomically takes one repository slot if the tier allows it.
func (l *Ledger) ReserveRepository(ctx context.Context, userID uint64) (bool, error) {
	tier, errTier := l.tier(ctx, userID)
	if errTier != nil {
		return false, errTier
	}
	limit := LimitsFor(tier).Repositories
	if limit == Unlimited {
		return true, l.IncrementRepositoryCount(ctx, userID)
	}
	if errEnsure := l.ensureUsage(ctx, userID); errEnsure != nil {
		return false, errEnsure
	}
	result := l.db.WithContext(ctx).Model(&models.UserUsage{}).
		Where("user_id = ? AND repository_count < ?", userID, limit).
		Update("repository_count", gorm.Expr("repository_count + 1"))
	if result.Error != nil {
		return false, apperr.Persistence("reserve repository slot", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseRepository returns a slot taken by ReserveRepository.
func (l *Ledger) ReleaseRepository(ctx context.Context, userID uint64) error {
	return l.DecrementRepositoryCount(ctx, userID)
}

// ReserveReview atomically counts one review if the repository is still under its tier limit.
func (l *Ledger) ReserveReview(ctx context.Context, userID, repositoryID uint64) (bool, error) {
	tier, errTier := l.tier(ctx, userID)
	if errTier != nil {
		return false, errTier
	}
	limit := LimitsFor(tier).ReviewsPerRepo
	if limit == Unlimited {
		return true, l.IncrementReviewCount(ctx, userID, repositoryID)
	}
	if errEnsure := l.ensureUsage(ctx, userID); errEnsure != nil {
		return false, errEnsure
	}
	if errEnsure := l.ensureReviewQuota(ctx, userID, repositoryID); errEnsure != nil {
		return false, errEnsure
	}
	result := l.db.WithContext(ctx).Model(&models.ReviewQuota{}).
		Where("repository_id = ? AND used < ?", repositoryID, limit).
		Update("used", gorm.Expr("used + 1"))
	if result.Error != nil {
		return false, apperr.Persistence("reserve review", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseReview returns a review taken by ReserveReview when dispatch did not happen.
func (l *Ledger) ReleaseReview(ctx context.Context, repositoryID uint64) error {
	errUpdate := l.db.WithContext(ctx).Model(&models.ReviewQuota{}).
		Where("repository_id = ? AND used > 0", repositoryID).
		Update("used", gorm.Expr("used - 1")).Error
	if errUpdate != nil {
		return apperr.Persistence("release review", errUpdate)
	}
	return nil
}

// DropRepository removes the review counter of a disconnected repository.
func (l *Ledger) DropRepository(ctx context.Context, repositoryIDs ...uint64) error {
	if len(repositoryIDs) == 0 {
		return nil
	}
	errDelete := l.db.WithContext(ctx).Where("repository_id IN ?", repositoryIDs).Delete(&models.ReviewQuota{}).Error
	if errDelete != nil {
		return apperr.Persistence("drop review counters", errDelete)
	}
	return nil
}

// Reconcile resets the repository counter to the number of connected repositories.
func (l *Ledger) Reconcile(ctx context.Context, userID uint64) error {
	if errEnsure := l.ensureUsage(ctx, userID); errEnsure != nil {
		return errEnsure
	}
	var live int64
	if errCount := l.db.WithContext(ctx).Model(&models.Repository{}).Where("user_id = ?", userID).Count(&live).Error; errCount != nil {
		return apperr.Persistence("count repositories", errCount)
	}
	errUpdate := l.db.WithContext(ctx).Model(&models.UserUsage{}).
		Where("user_id = ?", userID).
		Update("repository_count", live).Error
	if errUpdate != nil {
		return apperr.Persistence("reconcile repository count", errUpdate)
	}
	return nil
}

// RemainingLimits reports current usage and limits for every counter of the user.
func (l *Ledger) RemainingLimits(ctx context.Context, userID uint64) (*UserLimits, error) {
	tier, errTier := l.tier(ctx, userID)
	if errTier != nil {
		return nil, errTier
	}
	usage, errUsage := l.Usage(ctx, userID)
	if errUsage != nil {
		return nil, errUsage
	}
	var repos []models.Repository
	if errFind := l.db.WithContext(ctx).Select("id").Where("user_id = ?", userID).Find(&repos).Error; errFind != nil {
		return nil, apperr.Persistence("list repositories", errFind)
	}

	limits := LimitsFor(tier)
	out := &UserLimits{
		Tier:         tier,
		Repositories: usageLimit(usage.RepositoryCount, limits.Repositories),
		Reviews:      make(map[string]UsageLimit, len(repos)),
	}
	for _, repo := range repos {
		key := repo.Key()
		out.Reviews[key] = usageLimit(usage.ReviewCount[key], limits.ReviewsPerRepo)
	}
	return out, nil
}

func usageLimit(current, limit int) UsageLimit {
	if limit == Unlimited {
		return UsageLimit{Current: current}
	}
	l := limit
	return UsageLimit{Current: current, Limit: &l, IsExceeded: current >= limit}
}
