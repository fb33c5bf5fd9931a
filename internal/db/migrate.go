package db

import (
	"fmt"

	"github.com/zulandar/relay/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model that lives in the relay store.
func AllModels() []interface{} {
	return []interface{}{
		&models.ConversationRecord{},
		&models.ProcessedDelivery{},
		&models.RateCounter{},
		&models.ConversationLease{},
	}
}

// AutoMigrate creates or updates all relay tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
