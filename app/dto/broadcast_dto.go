package dto

import "time"

// SearchCriteriaDTO mirrors the stored recipient-selection expression
type SearchCriteriaDTO struct {
	InboxID   uint64   `json:"inbox_id" validate:"required,gt=0"`
	Tags      []string `json:"tags,omitempty" validate:"omitempty,dive,min=1,max=100"`
	PersonIDs []uint   `json:"person_ids,omitempty" validate:"omitempty,dive,gt=0"`
}

// CreateBroadcastRequest creates a broadcast in draft
type CreateBroadcastRequest struct {
	InboxID        uint64            `json:"inbox_id" validate:"required,gt=0"`
	SenderID       uint64            `json:"sender_id" validate:"required,gt=0"`
	CampaignID     uint64            `json:"campaign_id" validate:"required,gt=0"`
	FromNumber     string            `json:"from_number" validate:"required,min=4,max=20"`
	Title          string            `json:"title" validate:"required,min=1,max=255"`
	Body           string            `json:"body" validate:"required,min=1"`
	Type           string            `json:"type" validate:"omitempty,oneof=immediate scheduled recurring"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	SearchCriteria SearchCriteriaDTO `json:"search_criteria" validate:"required"`
	MediaURLs      []string          `json:"media_urls,omitempty" validate:"omitempty,dive,url"`
}

// CreateBroadcastResponse is returned after draft creation
type CreateBroadcastResponse struct {
	Message   string `json:"message"`
	UUID      string `json:"uuid"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ScheduleBroadcastRequest moves a draft to scheduled with a future send time
type ScheduleBroadcastRequest struct {
	UUID        string    `json:"uuid" validate:"required,uuid4"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

// CancelBroadcastRequest cancels a draft or scheduled broadcast
type CancelBroadcastRequest struct {
	UUID string `json:"uuid" validate:"required,uuid4"`
}

// SubmitBroadcastRequest starts the send pipeline for a broadcast
type SubmitBroadcastRequest struct {
	UUID string `json:"uuid" validate:"required,uuid4"`
}

// SubmitBroadcastResponse reports ledger materialization results
type SubmitBroadcastResponse struct {
	Message         string `json:"message"`
	UUID            string `json:"uuid"`
	Status          string `json:"status"`
	TotalRecipients int64  `json:"total_recipients"`
	EntriesCreated  int64  `json:"entries_created"`
}

// BroadcastDTO is the outward representation of a broadcast
type BroadcastDTO struct {
	UUID            string     `json:"uuid"`
	InboxID         uint64     `json:"inbox_id"`
	SenderID        uint64     `json:"sender_id"`
	CampaignID      uint64     `json:"campaign_id"`
	FromNumber      string     `json:"from_number"`
	Title           string     `json:"title"`
	Body            string     `json:"body"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TotalRecipients int64      `json:"total_recipients"`
	SentCount       int64      `json:"sent_count"`
	DeliveredCount  int64      `json:"delivered_count"`
	FailedCount     int64      `json:"failed_count"`
	ReadCount       int64      `json:"read_count"`
	MediaURLs       []string   `json:"media_urls,omitempty"`
	IsMMS           bool       `json:"is_mms"`
	SegmentCount    int        `json:"segment_count"`
	SuccessRate     float64    `json:"success_rate"`
	FailureRate     float64    `json:"failure_rate"`
	ReadRate        float64    `json:"read_rate"`
	CreatedAt       string     `json:"created_at"`
}

// ListBroadcastsRequest pages through broadcasts of an inbox
type ListBroadcastsRequest struct {
	InboxID  uint64 `json:"inbox_id" validate:"required,gt=0"`
	Status   string `json:"status" validate:"omitempty,oneof=draft scheduled sending completed failed cancelled"`
	Page     int    `json:"page" validate:"omitempty,gte=1"`
	PageSize int    `json:"page_size" validate:"omitempty,gte=1,lte=200"`
}

// ListBroadcastsResponse carries one page of broadcasts
type ListBroadcastsResponse struct {
	Items      []BroadcastDTO `json:"items"`
	Pagination Pagination     `json:"pagination"`
}

// RecipientDTO is the outward representation of a ledger entry
type RecipientDTO struct {
	PersonID      uint       `json:"person_id"`
	Status        string     `json:"status"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MessageID     *string    `json:"message_id,omitempty"`
}

// BroadcastStatsResponse exposes the roll-up counters with a recount snapshot
type BroadcastStatsResponse struct {
	UUID            string  `json:"uuid"`
	Status          string  `json:"status"`
	TotalRecipients int64   `json:"total_recipients"`
	Pending         int64   `json:"pending"`
	Sent            int64   `json:"sent"`
	Delivered       int64   `json:"delivered"`
	Failed          int64   `json:"failed"`
	FailedExhausted int64   `json:"failed_exhausted"`
	Read            int64   `json:"read"`
	OptedOut        int64   `json:"opted_out"`
	SuccessRate     float64 `json:"success_rate"`
	FailureRate     float64 `json:"failure_rate"`
	ReadRate        float64 `json:"read_rate"`
}

// DispatchReport summarizes one dispatcher pass over the pending batch
type DispatchReport struct {
	BroadcastUUID string `json:"broadcast_uuid"`
	Attempted     int64  `json:"attempted"`
	Succeeded     int64  `json:"succeeded"`
	Failed        int64  `json:"failed"`
	Skipped       int64  `json:"skipped"`
}

// RetryReport summarizes one retry-scheduler pass
type RetryReport struct {
	BroadcastUUID string `json:"broadcast_uuid"`
	Reenqueued    int64  `json:"reenqueued"`
}

// DeliveryReceiptRequest is the carrier DLR webhook payload
type DeliveryReceiptRequest struct {
	MessageID   string `json:"message_id" validate:"required,min=1,max=255"`
	Status      string `json:"status" validate:"required,oneof=delivered read failed"`
	Description string `json:"description,omitempty" validate:"omitempty,max=255"`
	OptOut      bool   `json:"opt_out,omitempty"`
}
