package postgres

import (
	"context"
	"fmt"

	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
	"gorm.io/gorm"
)

// billingEventAdapter implements outbound.BillingEventLogPort.
type billingEventAdapter struct {
	db *gorm.DB
}

// NewBillingEventAdapter creates a new billing event log adapter.
func NewBillingEventAdapter(db *gorm.DB) outbound.BillingEventLogPort {
	return &billingEventAdapter{db: db}
}

func (a *billingEventAdapter) EventSeen(ctx context.Context, eventID string) (bool, error) {
	return eventSeen(ctx, a.db, eventID)
}

func (a *billingEventAdapter) RecordEvent(ctx context.Context, record *model.BillingEventRecord) error {
	return recordEvent(ctx, a.db, record)
}

func eventSeen(ctx context.Context, db *gorm.DB, eventID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&model.BillingEventRecord{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check billing event exists: %w", err)
	}
	return count > 0, nil
}

func recordEvent(ctx context.Context, db *gorm.DB, record *model.BillingEventRecord) error {
	if err := db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create billing event: %w", translateError(err))
	}
	return nil
}

// Compile-time check
var _ outbound.BillingEventLogPort = (*billingEventAdapter)(nil)
