package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RecipientStatus enumerates the per-recipient delivery state
type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "pending"
	RecipientStatusSent      RecipientStatus = "sent"
	RecipientStatusDelivered RecipientStatus = "delivered"
	RecipientStatusFailed    RecipientStatus = "failed"
	RecipientStatusRead      RecipientStatus = "read"
	RecipientStatusOptedOut  RecipientStatus = "opted_out"
)

// MaxSendRetries caps FAILED -> PENDING re-enqueues per ledger entry
const MaxSendRetries = 3

// String returns the string representation of the status
func (s RecipientStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s RecipientStatus) Valid() bool {
	switch s {
	case RecipientStatusPending, RecipientStatusSent, RecipientStatusDelivered,
		RecipientStatusFailed, RecipientStatusRead, RecipientStatusOptedOut:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for RecipientStatus
func (s *RecipientStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = RecipientStatus(v)
	case []byte:
		*s = RecipientStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into RecipientStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for RecipientStatus
func (s RecipientStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid RecipientStatus: %s", s)
	}
	return string(s), nil
}

// BroadcastRecipient is the per-recipient delivery ledger entry, unique on
// (broadcast_id, person_id). That uniqueness constraint is the idempotency
// guard against duplicate sends.
type BroadcastRecipient struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	BroadcastID uint            `gorm:"not null;uniqueIndex:uk_broadcast_recipients_pair;index:idx_broadcast_recipients_broadcast_status,priority:1" json:"broadcast_id"`
	PersonID    uint            `gorm:"not null;uniqueIndex:uk_broadcast_recipients_pair" json:"person_id"`
	Status      RecipientStatus `gorm:"type:recipient_status;not null;default:'pending';index:idx_broadcast_recipients_broadcast_status,priority:2" json:"status"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	FailureReason *string `gorm:"size:255" json:"failure_reason,omitempty"`
	RetryCount    int     `gorm:"not null;default:0" json:"retry_count"`

	MessageID   *string         `gorm:"size:255;index:idx_broadcast_recipients_message_id" json:"message_id,omitempty"`
	APIResponse json.RawMessage `gorm:"type:jsonb" json:"api_response,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

// TableName returns the table name for the model
func (BroadcastRecipient) TableName() string {
	return "broadcast_recipients"
}

// CanTransitionTo checks the ledger state machine table. The FAILED -> PENDING
// edge additionally requires the retry cap to not be exhausted.
func (e *BroadcastRecipient) CanTransitionTo(newStatus RecipientStatus) bool {
	switch e.Status {
	case RecipientStatusPending:
		return newStatus == RecipientStatusSent ||
			newStatus == RecipientStatusFailed ||
			newStatus == RecipientStatusOptedOut
	case RecipientStatusSent:
		return newStatus == RecipientStatusDelivered ||
			newStatus == RecipientStatusFailed
	case RecipientStatusDelivered:
		return newStatus == RecipientStatusRead
	case RecipientStatusFailed:
		return newStatus == RecipientStatusPending && e.RetryCount < MaxSendRetries
	default:
		return false
	}
}

// IsTerminal reports whether the entry admits no further work: delivered,
// read, opted out, or failed with retries exhausted.
func (e *BroadcastRecipient) IsTerminal() bool {
	switch e.Status {
	case RecipientStatusDelivered, RecipientStatusRead, RecipientStatusOptedOut:
		return true
	case RecipientStatusFailed:
		return e.RetryCount >= MaxSendRetries
	default:
		return false
	}
}

// TransitionMeta carries the side data stamped onto an entry by a transition
type TransitionMeta struct {
	At            time.Time
	FailureReason *string
	MessageID     *string
	APIResponse   json.RawMessage
}

// NextRecipientState applies a transition as a pure function: it returns a new
// entry value with the status and the corresponding timestamp stamped, leaving
// the input untouched. ok is false when the transition is illegal, in which
// case the returned value equals the input.
func NextRecipientState(e BroadcastRecipient, to RecipientStatus, meta TransitionMeta) (BroadcastRecipient, bool) {
	if !e.CanTransitionTo(to) {
		return e, false
	}

	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	next := e
	next.Status = to
	next.UpdatedAt = at

	switch to {
	case RecipientStatusSent:
		next.SentAt = &at
		next.MessageID = meta.MessageID
	case RecipientStatusDelivered:
		next.DeliveredAt = &at
	case RecipientStatusRead:
		next.ReadAt = &at
	case RecipientStatusFailed:
		next.FailedAt = &at
		next.FailureReason = meta.FailureReason
	case RecipientStatusPending:
		// Retry re-enqueue is the only edge into pending
		next.RetryCount = e.RetryCount + 1
		next.FailedAt = nil
		next.FailureReason = nil
	case RecipientStatusOptedOut:
		next.FailureReason = meta.FailureReason
	}

	if meta.APIResponse != nil {
		next.APIResponse = meta.APIResponse
	}

	return next, true
}

// BroadcastRecipientFilter provides filter fields for repository queries
type BroadcastRecipientFilter struct {
	ID            *uint
	BroadcastID   *uint
	PersonID      *uint
	Status        *RecipientStatus
	MessageID     *string
	MaxRetryCount *int
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// RecipientCounts is an exact recount of ledger rows by status for one
// broadcast. Read entries count as both delivered and read.
type RecipientCounts struct {
	Total           int64 `json:"total"`
	Pending         int64 `json:"pending"`
	Sent            int64 `json:"sent"`
	Delivered       int64 `json:"delivered"`
	Read            int64 `json:"read"`
	Failed          int64 `json:"failed"`
	FailedExhausted int64 `json:"failed_exhausted"`
	OptedOut        int64 `json:"opted_out"`
}

// EverSent returns entries the transport accepted at least once
func (c RecipientCounts) EverSent() int64 {
	return c.Sent + c.Delivered + c.Read
}

// EverDelivered returns entries confirmed delivered, including read ones
func (c RecipientCounts) EverDelivered() int64 {
	return c.Delivered + c.Read
}

// AllTerminal reports whether no entry can make further progress
func (c RecipientCounts) AllTerminal() bool {
	return c.Pending == 0 && c.Sent == 0 && c.Failed == c.FailedExhausted
}
