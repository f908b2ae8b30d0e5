package models

import "time"

// Repository is a hosting-provider repository connected for automated reviews.
type Repository struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex:idx_repository_user_github"` // Owning user ID.
	User   *User  `gorm:"foreignKey:UserID"`                               // Owning user.

	GithubID int64  `gorm:"not null;uniqueIndex:idx_repository_user_github"` // Provider-side numeric repository ID.
	Owner    string `gorm:"type:text;not null;index:idx_repository_owner_name"`
	Name     string `gorm:"type:text;not null;index:idx_repository_owner_name"`
	FullName string `gorm:"type:text;not null"` // owner/name.
	URL      string `gorm:"type:text;not null"` // Canonical web URL.

	WebhookID int64 `gorm:"not null;default:0"` // Remote webhook handle obtained on connect.

	Reviews []Review `gorm:"foreignKey:RepositoryID;constraint:OnDelete:CASCADE"` // Review history.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// Key returns the repository identifier used by the quota ledger and vector index.
func (r *Repository) Key() string {
	if r == nil {
		return ""
	}
	return RepositoryKey(r.ID)
}
