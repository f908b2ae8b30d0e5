package models

import "time"

// ReviewQuota counts reviews dispatched for one repository connection.
// Rows are removed with their repository, so a reconnected repository starts from zero.
type ReviewQuota struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID       uint64 `gorm:"not null;index"`       // Owning user ID.
	RepositoryID uint64 `gorm:"not null;uniqueIndex"` // Counted repository ID.

	Used int `gorm:"not null;default:0"` // Reviews dispatched so far.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (ReviewQuota) TableName() string {
	return "review_quota"
}
