// Package businessflow contains the business logic for the broadcast send pipeline.
package businessflow

import (
	"time"

	"github.com/percytech/broadcast-pipeline/app/dto"
	"github.com/percytech/broadcast-pipeline/models"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds caller-related information for request tracing
type ClientMetadata struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	RequestID string `json:"request_id,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// ToBroadcastDTO converts a broadcast model to its outward representation,
// computing derived rates from the counter snapshot.
func ToBroadcastDTO(b models.Broadcast) dto.BroadcastDTO {
	return dto.BroadcastDTO{
		UUID:            b.UUID.String(),
		InboxID:         b.InboxID,
		SenderID:        b.SenderID,
		CampaignID:      b.CampaignID,
		FromNumber:      b.FromNumber,
		Title:           b.Title,
		Body:            b.Body,
		Type:            string(b.Type),
		Status:          string(b.Status),
		ScheduledAt:     b.ScheduledAt,
		SentAt:          b.SentAt,
		CompletedAt:     b.CompletedAt,
		TotalRecipients: b.TotalRecipients,
		SentCount:       b.SentCount,
		DeliveredCount:  b.DeliveredCount,
		FailedCount:     b.FailedCount,
		ReadCount:       b.ReadCount,
		MediaURLs:       b.MediaURLs,
		IsMMS:           b.IsMMS,
		SegmentCount:    b.SegmentCount,
		SuccessRate:     models.SuccessRate(b),
		FailureRate:     models.FailureRate(b),
		ReadRate:        models.ReadRate(b),
		CreatedAt:       b.CreatedAt.Format(time.RFC3339),
	}
}

// ToRecipientDTO converts a ledger entry to its outward representation
func ToRecipientDTO(e models.BroadcastRecipient) dto.RecipientDTO {
	return dto.RecipientDTO{
		PersonID:      e.PersonID,
		Status:        string(e.Status),
		SentAt:        e.SentAt,
		DeliveredAt:   e.DeliveredAt,
		ReadAt:        e.ReadAt,
		FailedAt:      e.FailedAt,
		FailureReason: e.FailureReason,
		RetryCount:    e.RetryCount,
		MessageID:     e.MessageID,
	}
}
