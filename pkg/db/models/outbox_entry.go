package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/enums"
)

// OutboxEntry is an append-only announcement of a committed business fact.
type OutboxEntry struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	AggregateType string             `gorm:"column:aggregate_type;not null"`
	AggregateID   string             `gorm:"column:aggregate_id;not null"`
	EventType     string             `gorm:"column:event_type;not null"`
	Payload       json.RawMessage    `gorm:"column:payload;type:jsonb;not null"`
	Status        enums.OutboxStatus `gorm:"column:status;not null;index:idx_outbox_entries_status_created,priority:1"`
	AttemptCount  int                `gorm:"column:attempt_count;not null"`
	LastError     *string            `gorm:"column:last_error"`
	CreatedAt     time.Time          `gorm:"column:created_at;not null;index:idx_outbox_entries_status_created,priority:2"`
	PublishedAt   *time.Time         `gorm:"column:published_at"`
	FailedAt      *time.Time         `gorm:"column:failed_at"`
}

func (OutboxEntry) TableName() string { return "outbox_entries" }

func (e *OutboxEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
