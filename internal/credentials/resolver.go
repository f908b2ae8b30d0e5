// Package credentials maps users to the hosting-provider token they granted.
package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Resolver looks up stored provider tokens by user ID.
type Resolver struct {
	db *gorm.DB
}

// NewResolver constructs a credential resolver.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// TokenForUser returns the GitHub access token stored for userID.
func (r *Resolver) TokenForUser(ctx context.Context, userID uint64) (string, error) {
	if r == nil || r.db == nil {
		return "", apperr.Persistence("credential store unavailable", nil)
	}
	if userID == 0 {
		return "", apperr.Unauthorized("missing user")
	}
	var account models.Account
	errFind := r.db.WithContext(ctx).
		Where("user_id = ? AND provider_id = ?", userID, models.ProviderGitHub).
		First(&account).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return "", apperr.Unauthorized("no GitHub token stored for user")
		}
		return "", apperr.Persistence("load account", errFind)
	}
	token := strings.TrimSpace(account.AccessToken)
	if token == "" {
		return "", apperr.Unauthorized("no GitHub token stored for user")
	}
	return token, nil
}

// StoreToken creates or replaces the GitHub token for userID.
func (r *Resolver) StoreToken(ctx context.Context, userID uint64, token, scope string) error {
	if r == nil || r.db == nil {
		return apperr.Persistence("credential store unavailable", nil)
	}
	account := models.Account{
		UserID:      userID,
		ProviderID:  models.ProviderGitHub,
		AccessToken: strings.TrimSpace(token),
		Scope:       strings.TrimSpace(scope),
	}
	errUpsert := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "scope", "updated_at"}),
	}).Create(&account).Error
	if errUpsert != nil {
		return apperr.Persistence("store account token", errUpsert)
	}
	return nil
}
