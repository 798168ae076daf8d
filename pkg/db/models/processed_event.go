package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProcessedEventKeyIndex is the unique index that makes the ledger the
// arbiter between concurrent deliveries of the same fact.
const ProcessedEventKeyIndex = "ux_processed_events_key"

// ProcessedEvent proves that a consumer already applied the effect of a fact.
type ProcessedEvent struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Consumer    string          `gorm:"column:consumer;not null;uniqueIndex:ux_processed_events_key,priority:1"`
	EventType   string          `gorm:"column:event_type;not null;uniqueIndex:ux_processed_events_key,priority:2"`
	EventKey    string          `gorm:"column:event_key;not null;uniqueIndex:ux_processed_events_key,priority:3"`
	Payload     json.RawMessage `gorm:"column:payload;type:jsonb"`
	ProcessedAt time.Time       `gorm:"column:processed_at;not null;index"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

func (p *ProcessedEvent) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
