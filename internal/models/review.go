package models

import (
	"time"

	"gorm.io/datatypes"
)

// Review statuses.
const (
	ReviewStatusCompleted = "completed"
	ReviewStatusFailed    = "failed"
)

// Review is the durable record of one orchestration attempt.
type Review struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RepositoryID uint64      `gorm:"not null;index"`          // Parent repository ID.
	Repository   *Repository `gorm:"foreignKey:RepositoryID"` // Parent repository.

	EventID *string `gorm:"type:text;uniqueIndex"` // Bus event that produced the row; nil for dispatch failures.

	PRNumber int    `gorm:"not null"`  // Pull request number.
	PRTitle  string `gorm:"type:text"` // Pull request title.
	PRBody   string `gorm:"type:text"` // Pull request description.
	PRURL    string `gorm:"type:text"` // Pull request web URL.

	Content string `gorm:"type:text"`          // Review text or failure diagnostic.
	Status  string `gorm:"type:text;not null"` // completed or failed.

	Request datatypes.JSON `gorm:"type:jsonb"` // Snapshot of the review request payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
