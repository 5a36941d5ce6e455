package model

import (
	"time"

	"github.com/google/uuid"
)

// BillingEventRecord remembers every billing event id that has been processed.
type BillingEventRecord struct {
	EventID    string     `json:"event_id" gorm:"primaryKey"`
	Type       string     `json:"type" gorm:"not null;index"`
	AccountID  *uuid.UUID `json:"account_id,omitempty" gorm:"type:uuid;index"`
	Outcome    string     `json:"outcome" gorm:"not null"`
	Detail     string     `json:"detail,omitempty" gorm:"type:text"`
	Sequence   int64      `json:"sequence"`
	OccurredAt time.Time  `json:"occurred_at"`
	ReceivedAt time.Time  `json:"received_at"`
}

// TableName returns the table name for BillingEventRecord.
func (BillingEventRecord) TableName() string {
	return "billing_events"
}
