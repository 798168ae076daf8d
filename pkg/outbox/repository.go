package outbox

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/enums"
	pkgerrors "github.com/ordergrid/eventing/pkg/errors"
)

const maxLastErrorLen = 1024

// ErrTransactionRequired is returned when a write that must join the caller's
// unit of work is invoked without one.
var ErrTransactionRequired = errors.New("transaction required")

type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Append stores entry as PENDING inside tx. Any error must fail the caller's
// transaction so the business mutation is rolled back with it.
func (r *Repository) Append(ctx context.Context, tx *gorm.DB, entry *models.OutboxEntry) error {
	if tx == nil {
		return ErrTransactionRequired
	}
	if entry == nil {
		return errors.New("outbox entry required")
	}
	entry.Status = enums.OutboxStatusPending
	entry.PublishedAt = nil
	entry.FailedAt = nil
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// ListPending returns up to limit PENDING entries, oldest first.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	return r.listByStatus(ctx, enums.OutboxStatusPending, "created_at ASC", limit)
}

// ListFailed returns up to limit FAILED entries, most recent failure first.
func (r *Repository) ListFailed(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	return r.listByStatus(ctx, enums.OutboxStatusFailed, "failed_at DESC", limit)
}

func (r *Repository) listByStatus(ctx context.Context, status enums.OutboxStatus, order string, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order(order).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.OutboxEntry, error) {
	var row models.OutboxEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "outbox entry not found")
		}
		return nil, err
	}
	return &row, nil
}

// MarkPublished moves a PENDING entry to PUBLISHED. Entries in any other state
// are left untouched, so repeated calls are harmless.
func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	now := r.now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.OutboxEntry{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPending).
		Updates(map[string]any{
			"status":       enums.OutboxStatusPublished,
			"published_at": now,
		}).Error
}

// MarkFailed moves a PENDING entry to FAILED and records the cause.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	now := r.now().UTC()
	updates := map[string]any{
		"status":        enums.OutboxStatusFailed,
		"failed_at":     now,
		"attempt_count": gorm.Expr("attempt_count + 1"),
	}
	if cause != nil {
		updates["last_error"] = truncateError(cause.Error())
	}
	return r.db.WithContext(ctx).
		Model(&models.OutboxEntry{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPending).
		Updates(updates).Error
}

// Requeue resets a single FAILED entry to PENDING. It is the operator path and
// ignores the attempt budget.
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&models.OutboxEntry{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusFailed).
		Updates(map[string]any{
			"status":    enums.OutboxStatusPending,
			"failed_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return pkgerrors.New(pkgerrors.CodeStateConflict, "only FAILED entries can be requeued")
	}
	return nil
}

// RequeueFailed resets up to limit FAILED entries whose attempt count is still
// below maxAttempts.
func (r *Repository) RequeueFailed(ctx context.Context, maxAttempts, limit int) (int64, error) {
	if limit <= 0 {
		limit = 50
	}
	candidates := r.db.
		Model(&models.OutboxEntry{}).
		Select("id").
		Where("status = ? AND attempt_count < ?", enums.OutboxStatusFailed, maxAttempts).
		Order("failed_at ASC").
		Limit(limit)

	res := r.db.WithContext(ctx).
		Model(&models.OutboxEntry{}).
		Where("id IN (?)", candidates).
		Where("status = ?", enums.OutboxStatusFailed).
		Updates(map[string]any{
			"status":    enums.OutboxStatusPending,
			"failed_at": nil,
		})
	return res.RowsAffected, res.Error
}

// DeletePublishedBefore removes up to limit PUBLISHED entries published before cutoff.
func (r *Repository) DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	if tx == nil {
		return 0, ErrTransactionRequired
	}
	if limit <= 0 {
		limit = 1000
	}
	candidates := tx.
		Model(&models.OutboxEntry{}).
		Select("id").
		Where("status = ? AND published_at < ?", enums.OutboxStatusPublished, cutoff).
		Order("published_at ASC").
		Limit(limit)

	res := tx.WithContext(ctx).
		Where("id IN (?)", candidates).
		Delete(&models.OutboxEntry{})
	return res.RowsAffected, res.Error
}

func truncateError(message string) string {
	return truncateRunes(message, maxLastErrorLen)
}

// truncateRunes cuts message to at most max bytes without splitting a rune.
func truncateRunes(message string, max int) string {
	if len(message) <= max {
		return message
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
