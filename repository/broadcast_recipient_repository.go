package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/percytech/broadcast-pipeline/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BroadcastRecipientRepositoryImpl implements BroadcastRecipientRepository
type BroadcastRecipientRepositoryImpl struct {
	*BaseRepository[models.BroadcastRecipient, models.BroadcastRecipientFilter]
}

func NewBroadcastRecipientRepository(db *gorm.DB) BroadcastRecipientRepository {
	return &BroadcastRecipientRepositoryImpl{BaseRepository: NewBaseRepository[models.BroadcastRecipient, models.BroadcastRecipientFilter](db)}
}

func (r *BroadcastRecipientRepositoryImpl) ByMessageID(ctx context.Context, messageID string) (*models.BroadcastRecipient, error) {
	db := r.getDB(ctx)
	var row models.BroadcastRecipient
	if err := db.Where("message_id = ?", messageID).Last(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *BroadcastRecipientRepositoryImpl) applyFilter(db *gorm.DB, f models.BroadcastRecipientFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.BroadcastID != nil {
		db = db.Where("broadcast_id = ?", *f.BroadcastID)
	}
	if f.PersonID != nil {
		db = db.Where("person_id = ?", *f.PersonID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.MessageID != nil {
		db = db.Where("message_id = ?", *f.MessageID)
	}
	if f.MaxRetryCount != nil {
		db = db.Where("retry_count < ?", *f.MaxRetryCount)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *BroadcastRecipientRepositoryImpl) ByFilter(ctx context.Context, filter models.BroadcastRecipientFilter, orderBy string, limit, offset int) ([]*models.BroadcastRecipient, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.BroadcastRecipient{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.BroadcastRecipient
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateEntries inserts ledger rows with ON CONFLICT (broadcast_id, person_id)
// DO NOTHING. A second call with the same recipient set creates nothing, which
// is what makes ledger materialization idempotent under crash-recovery.
func (r *BroadcastRecipientRepositoryImpl) CreateEntries(ctx context.Context, entries []*models.BroadcastRecipient) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return 0, err
	}
	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "broadcast_id"}, {Name: "person_id"}},
		DoNothing: true,
	}).CreateInBatches(entries, 200)
	if res.Error != nil {
		err = fmt.Errorf("failed to create ledger entries: %w", res.Error)
		return 0, err
	}

	return res.RowsAffected, nil
}

func (r *BroadcastRecipientRepositoryImpl) ListPending(ctx context.Context, broadcastID uint, limit int) ([]*models.BroadcastRecipient, error) {
	status := models.RecipientStatusPending
	filter := models.BroadcastRecipientFilter{BroadcastID: &broadcastID, Status: &status}
	return r.ByFilter(ctx, filter, "id ASC", limit, 0)
}

func (r *BroadcastRecipientRepositoryImpl) ListRetryable(ctx context.Context, broadcastID uint, maxRetries int) ([]*models.BroadcastRecipient, error) {
	status := models.RecipientStatusFailed
	filter := models.BroadcastRecipientFilter{
		BroadcastID:   &broadcastID,
		Status:        &status,
		MaxRetryCount: &maxRetries,
	}
	return r.ByFilter(ctx, filter, "id ASC", 0, 0)
}

func (r *BroadcastRecipientRepositoryImpl) CountByBroadcast(ctx context.Context, broadcastID uint) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	err := db.Model(&models.BroadcastRecipient{}).
		Where("broadcast_id = ?", broadcastID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountsByStatus recounts ledger rows by status in one grouped query, plus a
// second query for failures that exhausted their retries.
func (r *BroadcastRecipientRepositoryImpl) CountsByStatus(ctx context.Context, broadcastID uint) (models.RecipientCounts, error) {
	db := r.getDB(ctx)

	var rows []struct {
		Status models.RecipientStatus
		N      int64
	}
	err := db.Model(&models.BroadcastRecipient{}).
		Select("status, COUNT(*) AS n").
		Where("broadcast_id = ?", broadcastID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return models.RecipientCounts{}, fmt.Errorf("failed to recount ledger for broadcast %d: %w", broadcastID, err)
	}

	var counts models.RecipientCounts
	for _, row := range rows {
		counts.Total += row.N
		switch row.Status {
		case models.RecipientStatusPending:
			counts.Pending = row.N
		case models.RecipientStatusSent:
			counts.Sent = row.N
		case models.RecipientStatusDelivered:
			counts.Delivered = row.N
		case models.RecipientStatusRead:
			counts.Read = row.N
		case models.RecipientStatusFailed:
			counts.Failed = row.N
		case models.RecipientStatusOptedOut:
			counts.OptedOut = row.N
		}
	}

	err = db.Model(&models.BroadcastRecipient{}).
		Where("broadcast_id = ? AND status = ? AND retry_count >= ?",
			broadcastID, models.RecipientStatusFailed, models.MaxSendRetries).
		Count(&counts.FailedExhausted).Error
	if err != nil {
		return models.RecipientCounts{}, fmt.Errorf("failed to count exhausted failures for broadcast %d: %w", broadcastID, err)
	}

	return counts, nil
}

// TransitionGuarded writes a validated next state only when the row still
// holds the expected prior status. The caller builds next via
// models.NextRecipientState; this method is the sole ledger writer.
func (r *BroadcastRecipientRepositoryImpl) TransitionGuarded(ctx context.Context, next *models.BroadcastRecipient, from models.RecipientStatus) (bool, error) {
	db := r.getDB(ctx)

	res := db.Model(&models.BroadcastRecipient{}).
		Where("id = ? AND status = ?", next.ID, from).
		Updates(map[string]any{
			"status":         next.Status,
			"sent_at":        next.SentAt,
			"delivered_at":   next.DeliveredAt,
			"read_at":        next.ReadAt,
			"failed_at":      next.FailedAt,
			"failure_reason": next.FailureReason,
			"retry_count":    next.RetryCount,
			"message_id":     next.MessageID,
			"api_response":   next.APIResponse,
			"updated_at":     next.UpdatedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition ledger entry %d: %w", next.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AttachProviderAck records the provider's message id and raw response on an
// entry that was already claimed for sending. Status is untouched.
func (r *BroadcastRecipientRepositoryImpl) AttachProviderAck(ctx context.Context, id uint, messageID string, raw json.RawMessage) error {
	db := r.getDB(ctx)
	res := db.Model(&models.BroadcastRecipient{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"message_id":   messageID,
			"api_response": raw,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to attach provider ack to ledger entry %d: %w", id, res.Error)
	}
	return nil
}

// SuppressPending is the set-based form of the pending-to-opted_out edge; the
// status predicate in the WHERE clause is the same guard TransitionGuarded
// applies per row.
func (r *BroadcastRecipientRepositoryImpl) SuppressPending(ctx context.Context, broadcastID uint, reason string) (int64, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.BroadcastRecipient{}).
		Where("broadcast_id = ? AND status = ?", broadcastID, models.RecipientStatusPending).
		Updates(map[string]any{
			"status":         models.RecipientStatusOptedOut,
			"failure_reason": reason,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to suppress pending entries for broadcast %d: %w", broadcastID, res.Error)
	}
	return res.RowsAffected, nil
}
