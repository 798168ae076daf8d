package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderTimelineEntry is the read-model row the order-timeline consumer appends
// for each order, payment and shipment fact it observes.
type OrderTimelineEntry struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OrderID    string    `gorm:"column:order_id;not null;index"`
	EventID    string    `gorm:"column:event_id;not null"`
	EventType  string    `gorm:"column:event_type;not null"`
	Summary    string    `gorm:"column:summary;not null"`
	OccurredAt time.Time `gorm:"column:occurred_at;not null"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null"`
}

func (OrderTimelineEntry) TableName() string { return "order_timeline_entries" }

func (o *OrderTimelineEntry) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
