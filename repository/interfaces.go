// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/percytech/broadcast-pipeline/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

// BroadcastRepository defines operations for broadcasts
type BroadcastRepository interface {
	ByID(ctx context.Context, id uint) (*models.Broadcast, error)
	ByUUID(ctx context.Context, uuid string) (*models.Broadcast, error)
	ByFilter(ctx context.Context, filter models.BroadcastFilter, orderBy string, limit, offset int) ([]*models.Broadcast, error)
	Count(ctx context.Context, filter models.BroadcastFilter) (int64, error)
	Save(ctx context.Context, broadcast *models.Broadcast) error
	Update(ctx context.Context, broadcast *models.Broadcast) error

	// UpdateStatusGuarded moves a broadcast from one status to another with a
	// guarded UPDATE; it reports false when the broadcast was not in the
	// expected status, which makes concurrent drivers race-safe.
	UpdateStatusGuarded(ctx context.Context, id uint, from, to models.BroadcastStatus, at time.Time) (bool, error)

	// ListDue returns scheduled broadcasts whose send time has arrived
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Broadcast, error)

	// ListSending returns broadcasts currently in the sending state
	ListSending(ctx context.Context, limit int) ([]*models.Broadcast, error)

	// UpdateCounters overwrites the cached roll-up counters from a recount
	UpdateCounters(ctx context.Context, id uint, counts models.RecipientCounts) error
}

// BroadcastRecipientRepository defines operations for the recipient ledger
type BroadcastRecipientRepository interface {
	ByID(ctx context.Context, id uint) (*models.BroadcastRecipient, error)
	ByMessageID(ctx context.Context, messageID string) (*models.BroadcastRecipient, error)
	ByFilter(ctx context.Context, filter models.BroadcastRecipientFilter, orderBy string, limit, offset int) ([]*models.BroadcastRecipient, error)

	// CreateEntries bulk-inserts ledger entries, silently skipping
	// (broadcast_id, person_id) pairs that already exist. Returns the number
	// of rows actually created, making the operation idempotent under retry.
	CreateEntries(ctx context.Context, entries []*models.BroadcastRecipient) (int64, error)

	ListPending(ctx context.Context, broadcastID uint, limit int) ([]*models.BroadcastRecipient, error)
	ListRetryable(ctx context.Context, broadcastID uint, maxRetries int) ([]*models.BroadcastRecipient, error)

	CountByBroadcast(ctx context.Context, broadcastID uint) (int64, error)
	CountsByStatus(ctx context.Context, broadcastID uint) (models.RecipientCounts, error)

	// TransitionGuarded persists an already-validated next state with a
	// guarded UPDATE (WHERE status = from); false means another writer moved
	// the entry first and the transition was dropped.
	TransitionGuarded(ctx context.Context, next *models.BroadcastRecipient, from models.RecipientStatus) (bool, error)

	// AttachProviderAck stores the provider message id and raw response on an
	// already-claimed entry without touching its status
	AttachProviderAck(ctx context.Context, id uint, messageID string, raw json.RawMessage) error

	// SuppressPending marks all still-pending entries of a broadcast as
	// skipped (opted_out terminal equivalent); used by cancellation.
	SuppressPending(ctx context.Context, broadcastID uint, reason string) (int64, error)
}

// PersonDirectoryRepository provides read-only access to contact identities.
// The pipeline never writes persons; ownership stays with tenant management.
type PersonDirectoryRepository interface {
	ByID(ctx context.Context, id uint) (*models.Person, error)
	ByIDs(ctx context.Context, ids []uint) ([]*models.Person, error)
	ByCriteria(ctx context.Context, criteria models.SearchCriteria) ([]*models.Person, error)

	InboxExists(ctx context.Context, inboxID uint64) (bool, error)
	MissingTags(ctx context.Context, inboxID uint64, tags []string) ([]string, error)
}
