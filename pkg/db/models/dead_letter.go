package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/enums"
)

// DeadLetter captures a message that could not be applied, for operator triage.
type DeadLetter struct {
	ID           uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	Consumer     string                 `gorm:"column:consumer;not null;uniqueIndex:ux_dead_letters_dedupe,priority:1"`
	Topic        string                 `gorm:"column:topic;not null"`
	Partition    int                    `gorm:"column:message_partition;not null"`
	Offset       int64                  `gorm:"column:message_offset;not null"`
	MessageKey   string                 `gorm:"column:message_key"`
	EventType    string                 `gorm:"column:event_type"`
	EventKey     string                 `gorm:"column:event_key"`
	Payload      []byte                 `gorm:"column:payload;type:bytea"`
	Reason       enums.DeadLetterReason `gorm:"column:reason;not null"`
	ErrorMessage *string                `gorm:"column:error_message"`
	ErrorChain   []string               `gorm:"column:error_chain;type:jsonb;serializer:json"`
	Attempts     int                    `gorm:"column:attempts;not null"`
	FailedAt     time.Time              `gorm:"column:failed_at;not null;index"`
	// DedupeKey identifies the failed message within its consumer so a
	// redelivered message maps onto the same row.
	DedupeKey    string                 `gorm:"column:dedupe_key;not null;uniqueIndex:ux_dead_letters_dedupe,priority:2"`
}

func (DeadLetter) TableName() string { return "dead_letters" }

func (d *DeadLetter) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DedupeKey == "" {
		d.DedupeKey = d.ID.String()
	}
	return nil
}
