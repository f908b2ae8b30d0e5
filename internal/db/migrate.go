package db

import (
	"fmt"

	"github.com/reviewyai/reviewy/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table owned by the service.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.User{},
		&models.Account{},
		&models.Repository{},
		&models.Review{},
		&models.UserUsage{},
		&models.ReviewQuota{},
		&models.DeadLetter{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
