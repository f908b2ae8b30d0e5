package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeadLetter stores a bus event whose handler kept failing after all delivery attempts.
type DeadLetter struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventID string `gorm:"type:text;not null;index"` // Envelope ID.
	Name    string `gorm:"type:text;not null;index"` // Event name.
	Attempt int    `gorm:"not null"`                 // Attempts consumed.

	Payload datatypes.JSON `gorm:"type:jsonb"` // Event payload.
	Error   string         `gorm:"type:text"`  // Last handler error.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
