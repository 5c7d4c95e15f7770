package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/percytech/broadcast-pipeline/models"
	"gorm.io/gorm"
)

// BroadcastRepositoryImpl implements BroadcastRepository
type BroadcastRepositoryImpl struct {
	*BaseRepository[models.Broadcast, models.BroadcastFilter]
}

func NewBroadcastRepository(db *gorm.DB) BroadcastRepository {
	return &BroadcastRepositoryImpl{BaseRepository: NewBaseRepository[models.Broadcast, models.BroadcastFilter](db)}
}

func (r *BroadcastRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.Broadcast, error) {
	db := r.getDB(ctx)
	var row models.Broadcast
	if err := db.Where("uuid = ?", uuid).Last(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *BroadcastRepositoryImpl) applyFilter(db *gorm.DB, f models.BroadcastFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.InboxID != nil {
		db = db.Where("inbox_id = ?", *f.InboxID)
	}
	if f.SenderID != nil {
		db = db.Where("sender_id = ?", *f.SenderID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.Type != nil {
		db = db.Where("type = ?", *f.Type)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	if f.ScheduledBefore != nil {
		db = db.Where("scheduled_at <= ?", *f.ScheduledBefore)
	}
	return db
}

func (r *BroadcastRepositoryImpl) ByFilter(ctx context.Context, filter models.BroadcastFilter, orderBy string, limit, offset int) ([]*models.Broadcast, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Broadcast{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Broadcast
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *BroadcastRepositoryImpl) Count(ctx context.Context, filter models.BroadcastFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Broadcast{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *BroadcastRepositoryImpl) Update(ctx context.Context, broadcast *models.Broadcast) error {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
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
	err = db.Save(broadcast).Error
	if err != nil {
		return fmt.Errorf("failed to update broadcast: %w", err)
	}
	return nil
}

// UpdateStatusGuarded flips status only when the row still holds the expected
// one. sent_at is stamped on entering sending, completed_at on reaching a
// terminal outcome.
func (r *BroadcastRepositoryImpl) UpdateStatusGuarded(ctx context.Context, id uint, from, to models.BroadcastStatus, at time.Time) (bool, error) {
	db := r.getDB(ctx)

	updates := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	switch to {
	case models.BroadcastStatusSending:
		updates["sent_at"] = at
	case models.BroadcastStatusCompleted, models.BroadcastStatusFailed:
		updates["completed_at"] = at
	}

	res := db.Model(&models.Broadcast{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition broadcast %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *BroadcastRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Broadcast, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.Broadcast{}).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", models.BroadcastStatusScheduled, now).
		Order("scheduled_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*models.Broadcast
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *BroadcastRepositoryImpl) ListSending(ctx context.Context, limit int) ([]*models.Broadcast, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.Broadcast{}).
		Where("status = ?", models.BroadcastStatusSending).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*models.Broadcast
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateCounters overwrites the cached counters from an exact ledger recount.
// No component increments these ad hoc; the recount is the single writer.
func (r *BroadcastRepositoryImpl) UpdateCounters(ctx context.Context, id uint, counts models.RecipientCounts) error {
	db := r.getDB(ctx)
	res := db.Model(&models.Broadcast{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_recipients": counts.Total,
			"sent_count":       counts.EverSent(),
			"delivered_count":  counts.EverDelivered(),
			"failed_count":     counts.Failed,
			"read_count":       counts.Read,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update broadcast counters for %d: %w", id, res.Error)
	}
	return nil
}
