package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/db/models"
)

var errTransactionRequired = errors.New("transaction required")

// Repository reads and writes the processed-event ledger.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ExistsTx(tx *gorm.DB, consumer, eventType, eventKey string) (bool, error) {
	if tx == nil {
		return false, errTransactionRequired
	}
	var count int64
	err := tx.Model(&models.ProcessedEvent{}).
		Where("consumer = ? AND event_type = ? AND event_key = ?", consumer, eventType, eventKey).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

func (r *Repository) InsertTx(tx *gorm.DB, row *models.ProcessedEvent) error {
	if tx == nil {
		return errTransactionRequired
	}
	return tx.Create(row).Error
}

// Find returns the ledger row for a key, or nil when the fact was never applied.
func (r *Repository) Find(ctx context.Context, consumer, eventType, eventKey string) (*models.ProcessedEvent, error) {
	var row models.ProcessedEvent
	err := r.db.WithContext(ctx).
		Where("consumer = ? AND event_type = ? AND event_key = ?", consumer, eventType, eventKey).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// DeleteProcessedBefore purges up to limit ledger rows older than cutoff.
// Redeliveries older than the retention window are assumed impossible.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	if tx == nil {
		return 0, errTransactionRequired
	}
	if limit <= 0 {
		limit = 1000
	}
	candidates := tx.
		Model(&models.ProcessedEvent{}).
		Select("id").
		Where("processed_at < ?", cutoff).
		Order("processed_at ASC").
		Limit(limit)
	res := tx.WithContext(ctx).
		Where("id IN (?)", candidates).
		Delete(&models.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
