// Package models contains domain entities and business models for the broadcast pipeline
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// BroadcastStatus represents the lifecycle status of a broadcast
type BroadcastStatus string

const (
	BroadcastStatusDraft     BroadcastStatus = "draft"
	BroadcastStatusScheduled BroadcastStatus = "scheduled"
	BroadcastStatusSending   BroadcastStatus = "sending"
	BroadcastStatusCompleted BroadcastStatus = "completed"
	BroadcastStatusFailed    BroadcastStatus = "failed"
	BroadcastStatusCancelled BroadcastStatus = "cancelled"
)

// String returns the string representation of the status
func (s BroadcastStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s BroadcastStatus) Valid() bool {
	switch s {
	case BroadcastStatusDraft, BroadcastStatusScheduled, BroadcastStatusSending,
		BroadcastStatusCompleted, BroadcastStatusFailed, BroadcastStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions
func (s BroadcastStatus) IsTerminal() bool {
	switch s {
	case BroadcastStatusCompleted, BroadcastStatusFailed, BroadcastStatusCancelled:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for BroadcastStatus
func (s *BroadcastStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = BroadcastStatus(v)
	case []byte:
		*s = BroadcastStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into BroadcastStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for BroadcastStatus
func (s BroadcastStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid BroadcastStatus: %s", s)
	}
	return string(s), nil
}

// BroadcastType represents how a broadcast is triggered
type BroadcastType string

const (
	BroadcastTypeImmediate BroadcastType = "immediate"
	BroadcastTypeScheduled BroadcastType = "scheduled"
	BroadcastTypeRecurring BroadcastType = "recurring"
)

// String returns the string representation of the type
func (t BroadcastType) String() string {
	return string(t)
}

// Valid checks if the type is valid
func (t BroadcastType) Valid() bool {
	switch t {
	case BroadcastTypeImmediate, BroadcastTypeScheduled, BroadcastTypeRecurring:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for BroadcastType
func (t *BroadcastType) Scan(value any) error {
	if value == nil {
		*t = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*t = BroadcastType(v)
	case []byte:
		*t = BroadcastType(string(v))
	default:
		return fmt.Errorf("cannot scan %T into BroadcastType", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for BroadcastType
func (t BroadcastType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid BroadcastType: %s", t)
	}
	return string(t), nil
}

// SearchCriteria is the stored recipient-selection expression for a broadcast
type SearchCriteria struct {
	InboxID   uint64   `json:"inbox_id"`
	Tags      []string `json:"tags,omitempty"`
	PersonIDs []uint   `json:"person_ids,omitempty"`
}

// Value implements the driver.Valuer interface for SearchCriteria
func (c SearchCriteria) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements the sql.Scanner interface for SearchCriteria
func (c *SearchCriteria) Scan(value any) error {
	if value == nil {
		*c = SearchCriteria{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into SearchCriteria", value)
	}

	return json.Unmarshal(bytes, c)
}

// Broadcast represents a single bulk-send job in the database
type Broadcast struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	UUID       uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:uk_broadcasts_uuid" json:"uuid"`
	InboxID    uint64          `gorm:"not null;index:idx_broadcasts_inbox_id" json:"inbox_id"`
	SenderID   uint64          `gorm:"not null;index:idx_broadcasts_sender_id" json:"sender_id"`
	CampaignID uint64          `gorm:"not null" json:"campaign_id"`
	FromNumber string          `gorm:"size:20;not null" json:"from_number"`
	Title      string          `gorm:"size:255;not null" json:"title"`
	Body       string          `gorm:"type:text;not null" json:"body"`
	Type       BroadcastType   `gorm:"type:broadcast_type;not null;default:'immediate'" json:"type"`
	Status     BroadcastStatus `gorm:"type:broadcast_status;not null;default:'draft';index:idx_broadcasts_status" json:"status"`

	ScheduledAt *time.Time `gorm:"index:idx_broadcasts_scheduled_at" json:"scheduled_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	SearchCriteria  SearchCriteria `gorm:"type:jsonb;not null" json:"search_criteria"`
	RecipientGroups pq.StringArray `gorm:"type:text[]" json:"recipient_groups,omitempty"`

	TotalRecipients int64 `gorm:"not null;default:0" json:"total_recipients"`
	SentCount       int64 `gorm:"not null;default:0" json:"sent_count"`
	DeliveredCount  int64 `gorm:"not null;default:0" json:"delivered_count"`
	FailedCount     int64 `gorm:"not null;default:0" json:"failed_count"`
	ReadCount       int64 `gorm:"not null;default:0" json:"read_count"`

	MediaURLs    pq.StringArray `gorm:"type:text[]" json:"media_urls,omitempty"`
	IsMMS        bool           `gorm:"not null;default:false" json:"is_mms"`
	SegmentCount int            `gorm:"not null;default:1" json:"segment_count"`

	CreatedAt time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_broadcasts_created_at" json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// Relations
	Recipients []BroadcastRecipient `gorm:"foreignKey:BroadcastID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for the model
func (Broadcast) TableName() string {
	return "broadcasts"
}

// BeforeCreate is called before creating a new record
func (b *Broadcast) BeforeCreate(tx *gorm.DB) error {
	if b.UUID == uuid.Nil {
		b.UUID = uuid.New()
	}
	if b.Status == "" {
		b.Status = BroadcastStatusDraft
	}
	if b.Type == "" {
		b.Type = BroadcastTypeImmediate
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}

// BeforeUpdate is called before updating a record
func (b *Broadcast) BeforeUpdate(tx *gorm.DB) error {
	now := time.Now().UTC()
	b.UpdatedAt = &now
	return nil
}

// CanTransitionTo checks if the broadcast can transition to the given status.
// Transitions are monotonic: terminal states admit nothing.
func (b *Broadcast) CanTransitionTo(newStatus BroadcastStatus) bool {
	switch b.Status {
	case BroadcastStatusDraft:
		return newStatus == BroadcastStatusScheduled ||
			newStatus == BroadcastStatusSending ||
			newStatus == BroadcastStatusCancelled
	case BroadcastStatusScheduled:
		return newStatus == BroadcastStatusDraft ||
			newStatus == BroadcastStatusSending ||
			newStatus == BroadcastStatusCancelled
	case BroadcastStatusSending:
		return newStatus == BroadcastStatusCompleted ||
			newStatus == BroadcastStatusFailed
	default:
		return false
	}
}

// BroadcastFilter represents filter criteria for broadcasts
type BroadcastFilter struct {
	ID              *uint            `json:"id,omitempty"`
	UUID            *uuid.UUID       `json:"uuid,omitempty"`
	InboxID         *uint64          `json:"inbox_id,omitempty"`
	SenderID        *uint64          `json:"sender_id,omitempty"`
	Status          *BroadcastStatus `json:"status,omitempty"`
	Type            *BroadcastType   `json:"type,omitempty"`
	CreatedAfter    *time.Time       `json:"created_after,omitempty"`
	CreatedBefore   *time.Time       `json:"created_before,omitempty"`
	ScheduledBefore *time.Time       `json:"scheduled_before,omitempty"`
}

// Derived statistics are pure functions over a broadcast snapshot rather than
// methods mutating or reading through the persistence-mapped object.

// SuccessRate returns the delivered share of all recipients, in percent
func SuccessRate(b Broadcast) float64 {
	if b.TotalRecipients == 0 {
		return 0
	}
	return float64(b.DeliveredCount) / float64(b.TotalRecipients) * 100
}

// FailureRate returns the failed share of all recipients, in percent
func FailureRate(b Broadcast) float64 {
	if b.TotalRecipients == 0 {
		return 0
	}
	return float64(b.FailedCount) / float64(b.TotalRecipients) * 100
}

// ReadRate returns the read share of all delivered messages, in percent
func ReadRate(b Broadcast) float64 {
	if b.DeliveredCount == 0 {
		return 0
	}
	return float64(b.ReadCount) / float64(b.DeliveredCount) * 100
}

// IsOverdue reports whether a scheduled broadcast missed its send time
func IsOverdue(b Broadcast, now time.Time) bool {
	if b.ScheduledAt == nil {
		return false
	}
	return b.Status == BroadcastStatusScheduled && now.After(*b.ScheduledAt)
}

// IsReadyToSend reports whether the broadcast may enter dispatch at the given time
func IsReadyToSend(b Broadcast, now time.Time) bool {
	switch b.Type {
	case BroadcastTypeImmediate:
		return b.Status == BroadcastStatusDraft
	case BroadcastTypeScheduled, BroadcastTypeRecurring:
		return b.Status == BroadcastStatusScheduled &&
			b.ScheduledAt != nil && !now.Before(*b.ScheduledAt)
	default:
		return false
	}
}

// HasMedia reports whether the broadcast carries MMS media
func HasMedia(b Broadcast) bool {
	return len(b.MediaURLs) > 0
}
