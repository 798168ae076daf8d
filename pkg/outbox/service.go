package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/db/models"
	pkgerrors "github.com/ordergrid/eventing/pkg/errors"
	"github.com/ordergrid/eventing/pkg/logger"
)

// DomainEvent is what business code hands to Emit as the last step of its
// transaction.
type DomainEvent struct {
	EventType     string `validate:"required"`
	AggregateType string `validate:"required"`
	AggregateID   string `validate:"required"`
	Data          any    `validate:"required"`
	Version       int
	OccurredAt    time.Time
}

type appender interface {
	Append(ctx context.Context, tx *gorm.DB, entry *models.OutboxEntry) error
}

type Service struct {
	repo     appender
	logg     *logger.Logger
	validate *validator.Validate
}

func NewService(repo appender, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, validate: validator.New()}
}

// Emit wraps the event in a PayloadEnvelope and appends it to the outbox inside
// tx. The returned envelope carries the generated event id.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) (*PayloadEnvelope, error) {
	if tx == nil {
		return nil, ErrTransactionRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.validateEvent(event); err != nil {
		return nil, err
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSerialization, err, "marshal event data")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if event.Version <= 0 {
		event.Version = EnvelopeVersion
	}
	envelope := PayloadEnvelope{
		Version:       event.Version,
		EventID:       uuid.NewString(),
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		OccurredAt:    event.OccurredAt.UTC(),
		Data:          data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSerialization, err, "marshal envelope")
	}

	entry := &models.OutboxEntry{
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(payload),
	}
	if err := s.repo.Append(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append outbox entry: %w", err)
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"outbox_id":      entry.ID.String(),
			"event_id":       envelope.EventID,
			"event_type":     event.EventType,
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
		})
		s.logg.Debug(logCtx, "outbox event queued")
	}
	return &envelope, nil
}

func (s *Service) validateEvent(event DomainEvent) error {
	if err := s.validate.Struct(event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid domain event")
	}
	// Payload structs opt in with validate tags; anything else passes through.
	if err := s.validate.Struct(event.Data); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("invalid %s payload", event.EventType))
	}
	return nil
}
