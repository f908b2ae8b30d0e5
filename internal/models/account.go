package models

import "time"

// ProviderGitHub identifies accounts linked through GitHub OAuth.
const ProviderGitHub = "github"

// Account stores the OAuth credential a user granted for a hosting provider.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID     uint64 `gorm:"not null;uniqueIndex:idx_account_user_provider"`           // Owning user ID.
	ProviderID string `gorm:"type:text;not null;uniqueIndex:idx_account_user_provider"` // Provider name, e.g. github.

	AccessToken string `gorm:"type:text"` // Provider access token.
	Scope       string `gorm:"type:text"` // Granted OAuth scopes.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
