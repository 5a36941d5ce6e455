package postgres

import (
	"context"
	"fmt"

	"github.com/imagegen/server/internal/model"
	"gorm.io/gorm"
)

// Migrate creates or updates every table owned by the service.
func Migrate(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).AutoMigrate(
		&model.CreditAccount{},
		&model.LedgerEntry{},
		&model.CreditReservation{},
		&model.BillingEventRecord{},
		&model.GenerationTask{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
