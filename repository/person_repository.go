package repository

import (
	"context"
	"errors"

	"github.com/lib/pq"
	"github.com/percytech/broadcast-pipeline/models"
	"gorm.io/gorm"
)

// PersonDirectoryRepositoryImpl implements PersonDirectoryRepository. All
// methods are pure reads; persons and inboxes belong to tenant management.
type PersonDirectoryRepositoryImpl struct {
	*BaseRepository[models.Person, models.PersonFilter]
}

func NewPersonDirectoryRepository(db *gorm.DB) PersonDirectoryRepository {
	return &PersonDirectoryRepositoryImpl{BaseRepository: NewBaseRepository[models.Person, models.PersonFilter](db)}
}

func (r *PersonDirectoryRepositoryImpl) ByID(ctx context.Context, id uint) (*models.Person, error) {
	db := r.getDB(ctx)
	var row models.Person
	if err := db.Last(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *PersonDirectoryRepositoryImpl) ByIDs(ctx context.Context, ids []uint) ([]*models.Person, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db := r.getDB(ctx)
	var rows []*models.Person
	if err := db.Where("id IN ?", ids).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ByCriteria returns persons matching the broadcast selection criteria,
// ordered by id ascending so re-runs resolve deterministically. Eligibility
// filtering (opt-in, blocked, spam, duplicates) is the resolver's job, not
// the query's, so exclusions stay in one reviewable place.
func (r *PersonDirectoryRepositoryImpl) ByCriteria(ctx context.Context, criteria models.SearchCriteria) ([]*models.Person, error) {
	db := r.getDB(ctx)

	query := db.Model(&models.Person{}).Where("inbox_id = ?", criteria.InboxID)
	if len(criteria.Tags) > 0 {
		query = query.Where("tags && ?", pq.StringArray(criteria.Tags))
	}
	if len(criteria.PersonIDs) > 0 {
		query = query.Where("id IN ?", criteria.PersonIDs)
	}

	var rows []*models.Person
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *PersonDirectoryRepositoryImpl) InboxExists(ctx context.Context, inboxID uint64) (bool, error) {
	db := r.getDB(ctx)
	var count int64
	if err := db.Table("inboxes").Where("id = ?", inboxID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// MissingTags returns criteria tags that no person in the inbox carries.
func (r *PersonDirectoryRepositoryImpl) MissingTags(ctx context.Context, inboxID uint64, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	db := r.getDB(ctx)

	var known pq.StringArray
	err := db.Raw(
		"SELECT COALESCE(array_agg(DISTINCT tag), '{}') FROM persons, unnest(tags) AS tag WHERE inbox_id = ? AND tag = ANY(?)",
		inboxID, pq.StringArray(tags),
	).Scan(&known).Error
	if err != nil {
		return nil, err
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, t := range known {
		knownSet[t] = struct{}{}
	}
	var missing []string
	for _, t := range tags {
		if _, ok := knownSet[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing, nil
}
