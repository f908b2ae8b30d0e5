package models

import (
	"strconv"
	"time"
)

// UserUsage holds the per-user repository counter. It is created lazily on first access.
type UserUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex"` // Owning user ID.
	User   *User  `gorm:"foreignKey:UserID"`    // Owning user.

	RepositoryCount int `gorm:"not null;default:0"` // Connected repositories counted against the tier.

	ReviewCount map[string]int `gorm:"-"` // Per-repository review counts keyed by RepositoryKey.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (UserUsage) TableName() string {
	return "user_usage"
}

// RepositoryKey formats a repository ID the way usage maps and vector metadata key it.
func RepositoryKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
