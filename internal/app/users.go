package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reviewyai/reviewy/internal/credentials"
	"github.com/reviewyai/reviewy/internal/models"
	"github.com/reviewyai/reviewy/internal/security"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserParams describes a user provisioned from the command line.
type UserParams struct {
	Login string
	Name  string
	Email string
	Token string // Hosting provider OAuth token.
	Scope string
}

// UpsertUser creates or updates the user with p.Login, stores the provider token when given
// and returns a dashboard session token.
func UpsertUser(ctx context.Context, conn *gorm.DB, jwtSecret string, expiry time.Duration, p UserParams) (*models.User, string, error) {
	login := strings.TrimSpace(p.Login)
	if login == "" {
		return nil, "", errors.New("login is required")
	}
	if strings.TrimSpace(jwtSecret) == "" {
		return nil, "", errors.New("jwt secret is not configured")
	}

	user := models.User{
		Login:            login,
		Name:             strings.TrimSpace(p.Name),
		Email:            strings.TrimSpace(p.Email),
		SubscriptionTier: models.TierFree,
	}
	updates := []string{"updated_at"}
	if user.Name != "" {
		updates = append(updates, "name")
	}
	if user.Email != "" {
		updates = append(updates, "email")
	}
	errCreate := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "login"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).
		Create(&user).Error
	if errCreate != nil {
		return nil, "", fmt.Errorf("save user: %w", errCreate)
	}
	if errFind := conn.WithContext(ctx).Where("login = ?", login).First(&user).Error; errFind != nil {
		return nil, "", fmt.Errorf("load user: %w", errFind)
	}

	if token := strings.TrimSpace(p.Token); token != "" {
		scope := p.Scope
		if scope == "" {
			scope = "repo"
		}
		if errStore := credentials.NewResolver(conn).StoreToken(ctx, user.ID, token, scope); errStore != nil {
			return nil, "", errStore
		}
	}

	session, errToken := security.GenerateToken(jwtSecret, user.ID, user.Login, expiry)
	if errToken != nil {
		return nil, "", fmt.Errorf("sign session: %w", errToken)
	}
	return &user, session, nil
}
