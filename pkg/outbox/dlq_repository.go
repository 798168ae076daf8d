package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ordergrid/eventing/pkg/db/models"
	pkgerrors "github.com/ordergrid/eventing/pkg/errors"
)

const maxDLQErrorLen = 1024

// DeadLetterRepository persists messages the consumer pipeline gave up on.
type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Insert records entry once per (consumer, dedupe key). A second insert for the
// same key is a no-op.
func (r *DeadLetterRepository) Insert(ctx context.Context, entry *models.DeadLetter) error {
	if entry == nil {
		return errors.New("dead letter required")
	}
	if entry.ErrorMessage != nil {
		msg := truncateDLQError(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "consumer"}, {Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(entry).Error
}

// FindByDedupeKey returns the dead letter recorded for the key, or nil when
// there is none.
func (r *DeadLetterRepository) FindByDedupeKey(ctx context.Context, consumer, dedupeKey string) (*models.DeadLetter, error) {
	if dedupeKey == "" {
		return nil, nil
	}
	var row models.DeadLetter
	err := r.db.WithContext(ctx).
		Where("consumer = ? AND dedupe_key = ?", consumer, dedupeKey).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *DeadLetterRepository) Get(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	var row models.DeadLetter
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found")
		}
		return nil, err
	}
	return &row, nil
}

// List returns the most recent dead letters, optionally filtered by consumer.
func (r *DeadLetterRepository) List(ctx context.Context, consumer string, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.WithContext(ctx)
	if consumer != "" {
		query = query.Where("consumer = ?", consumer)
	}
	var rows []models.DeadLetter
	err := query.
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// DeleteBefore purges up to limit dead letters that failed before cutoff.
func (r *DeadLetterRepository) DeleteBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	if tx == nil {
		return 0, ErrTransactionRequired
	}
	if limit <= 0 {
		limit = 1000
	}
	candidates := tx.
		Model(&models.DeadLetter{}).
		Select("id").
		Where("failed_at < ?", cutoff).
		Order("failed_at ASC").
		Limit(limit)
	res := tx.WithContext(ctx).
		Where("id IN (?)", candidates).
		Delete(&models.DeadLetter{})
	return res.RowsAffected, res.Error
}

func truncateDLQError(message string) string {
	return truncateRunes(message, maxDLQErrorLen)
}
