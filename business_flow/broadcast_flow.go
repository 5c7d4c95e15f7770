package businessflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/percytech/broadcast-pipeline/app/dto"
	"github.com/percytech/broadcast-pipeline/app/services"
	"github.com/percytech/broadcast-pipeline/models"
	"github.com/percytech/broadcast-pipeline/repository"
	"github.com/percytech/broadcast-pipeline/utils"
)

// BroadcastFlow handles the broadcast lifecycle from draft to submission
type BroadcastFlow interface {
	CreateBroadcast(ctx context.Context, req *dto.CreateBroadcastRequest, metadata *ClientMetadata) (*dto.CreateBroadcastResponse, error)
	ScheduleBroadcast(ctx context.Context, req *dto.ScheduleBroadcastRequest, metadata *ClientMetadata) (*dto.BroadcastDTO, error)
	CancelBroadcast(ctx context.Context, req *dto.CancelBroadcastRequest, metadata *ClientMetadata) (*dto.BroadcastDTO, error)

	// SubmitBroadcast runs the front half of the pipeline: compliance check,
	// audience resolution, ledger materialization, and the flip to sending.
	SubmitBroadcast(ctx context.Context, req *dto.SubmitBroadcastRequest, metadata *ClientMetadata) (*dto.SubmitBroadcastResponse, error)

	GetBroadcast(ctx context.Context, broadcastUUID string) (*dto.BroadcastDTO, error)
	ListBroadcasts(ctx context.Context, req *dto.ListBroadcastsRequest) (*dto.ListBroadcastsResponse, error)
	GetBroadcastStats(ctx context.Context, broadcastUUID string) (*dto.BroadcastStatsResponse, error)

	// BuildDeliveryReport renders the per-recipient ledger as an XLSX workbook
	BuildDeliveryReport(ctx context.Context, broadcastUUID string) ([]byte, error)
}

// BroadcastFlowImpl implements BroadcastFlow
type BroadcastFlowImpl struct {
	broadcastRepo repository.BroadcastRepository
	recipientRepo repository.BroadcastRecipientRepository
	resolver      RecipientResolver
	aggregator    BroadcastAggregator
	compliance    services.ComplianceGate
	db            *gorm.DB
}

// NewBroadcastFlow creates a new broadcast flow instance
func NewBroadcastFlow(
	broadcastRepo repository.BroadcastRepository,
	recipientRepo repository.BroadcastRecipientRepository,
	resolver RecipientResolver,
	aggregator BroadcastAggregator,
	compliance services.ComplianceGate,
	db *gorm.DB,
) BroadcastFlow {
	return &BroadcastFlowImpl{
		broadcastRepo: broadcastRepo,
		recipientRepo: recipientRepo,
		resolver:      resolver,
		aggregator:    aggregator,
		compliance:    compliance,
		db:            db,
	}
}

// CreateBroadcast creates a broadcast in draft status
func (f *BroadcastFlowImpl) CreateBroadcast(ctx context.Context, req *dto.CreateBroadcastRequest, metadata *ClientMetadata) (*dto.CreateBroadcastResponse, error) {
	broadcastType := models.BroadcastType(req.Type)
	if req.Type == "" {
		broadcastType = models.BroadcastTypeImmediate
	}
	if !broadcastType.Valid() {
		return nil, NewBusinessError("INVALID_BROADCAST_TYPE", "unsupported broadcast type", nil)
	}
	if req.SearchCriteria.InboxID == 0 {
		return nil, NewBusinessError("INVALID_CRITERIA", "criteria must target an inbox", ErrInvalidCriteria)
	}

	broadcast := &models.Broadcast{
		UUID:       uuid.New(),
		InboxID:    req.InboxID,
		SenderID:   req.SenderID,
		CampaignID: req.CampaignID,
		FromNumber: req.FromNumber,
		Title:      req.Title,
		Body:       req.Body,
		Type:       broadcastType,
		Status:     models.BroadcastStatusDraft,
		SearchCriteria: models.SearchCriteria{
			InboxID:   req.SearchCriteria.InboxID,
			Tags:      req.SearchCriteria.Tags,
			PersonIDs: req.SearchCriteria.PersonIDs,
		},
		ScheduledAt:  req.ScheduledAt,
		MediaURLs:    req.MediaURLs,
		IsMMS:        len(req.MediaURLs) > 0,
		SegmentCount: 1,
		CreatedAt:    utils.UTCNow(),
	}

	if err := f.broadcastRepo.Save(ctx, broadcast); err != nil {
		return nil, NewBusinessError("BROADCAST_CREATE_FAILED", "failed to create broadcast", err)
	}

	return &dto.CreateBroadcastResponse{
		Message:   "Broadcast created",
		UUID:      broadcast.UUID.String(),
		Status:    broadcast.Status.String(),
		CreatedAt: broadcast.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}, nil
}

// ScheduleBroadcast moves a draft to scheduled with a future send time
func (f *BroadcastFlowImpl) ScheduleBroadcast(ctx context.Context, req *dto.ScheduleBroadcastRequest, metadata *ClientMetadata) (*dto.BroadcastDTO, error) {
	broadcast, err := f.loadByUUID(ctx, req.UUID)
	if err != nil {
		return nil, err
	}

	scheduledAt := utils.TimeToUTC(req.ScheduledAt)
	if !scheduledAt.After(utils.UTCNow()) {
		return nil, NewBusinessError("SCHEDULE_TIME_IN_PAST", "scheduled time must be in the future", ErrScheduleTimeInPast)
	}
	if !broadcast.CanTransitionTo(models.BroadcastStatusScheduled) {
		return nil, NewBusinessError("INVALID_BROADCAST_STATE",
			fmt.Sprintf("broadcast in status %s cannot be scheduled", broadcast.Status), ErrInvalidBroadcastState)
	}

	broadcast.Status = models.BroadcastStatusScheduled
	broadcast.ScheduledAt = &scheduledAt
	if err := f.broadcastRepo.Update(ctx, broadcast); err != nil {
		return nil, NewBusinessError("BROADCAST_UPDATE_FAILED", "failed to schedule broadcast", err)
	}

	result := ToBroadcastDTO(*broadcast)
	return &result, nil
}

// CancelBroadcast cancels a draft or scheduled broadcast and suppresses any
// ledger entries that were already materialized but never attempted.
func (f *BroadcastFlowImpl) CancelBroadcast(ctx context.Context, req *dto.CancelBroadcastRequest, metadata *ClientMetadata) (*dto.BroadcastDTO, error) {
	broadcast, err := f.loadByUUID(ctx, req.UUID)
	if err != nil {
		return nil, err
	}

	if broadcast.Status != models.BroadcastStatusDraft && broadcast.Status != models.BroadcastStatusScheduled {
		return nil, NewBusinessError("BROADCAST_NOT_CANCELLABLE",
			fmt.Sprintf("broadcast in status %s cannot be cancelled", broadcast.Status), ErrBroadcastNotCancellable)
	}

	err = repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
		moved, err := f.broadcastRepo.UpdateStatusGuarded(txCtx, broadcast.ID, broadcast.Status, models.BroadcastStatusCancelled, utils.UTCNow())
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: broadcast changed status concurrently", ErrInvalidBroadcastState)
		}
		if _, err := f.recipientRepo.SuppressPending(txCtx, broadcast.ID, "broadcast cancelled before dispatch"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if IsInvalidBroadcastState(err) {
			return nil, NewBusinessError("INVALID_BROADCAST_STATE", "broadcast changed status concurrently", err)
		}
		return nil, NewBusinessError("BROADCAST_CANCEL_FAILED", "failed to cancel broadcast", err)
	}

	cancelled, err := f.broadcastRepo.ByID(ctx, broadcast.ID)
	if err != nil || cancelled == nil {
		return nil, NewBusinessError("BROADCAST_NOT_FOUND", "broadcast disappeared after cancel", ErrBroadcastNotFound)
	}
	result := ToBroadcastDTO(*cancelled)
	return &result, nil
}

// SubmitBroadcast materializes the recipient ledger and flips the broadcast
// to sending. The ledger insert skips already-existing pairs, so a crashed
// submission can be re-run without duplicating entries.
func (f *BroadcastFlowImpl) SubmitBroadcast(ctx context.Context, req *dto.SubmitBroadcastRequest, metadata *ClientMetadata) (*dto.SubmitBroadcastResponse, error) {
	broadcast, err := f.loadByUUID(ctx, req.UUID)
	if err != nil {
		return nil, err
	}

	if broadcast.Status != models.BroadcastStatusDraft && broadcast.Status != models.BroadcastStatusScheduled {
		return nil, NewBusinessError("INVALID_BROADCAST_STATE",
			fmt.Sprintf("broadcast in status %s cannot be submitted", broadcast.Status), ErrInvalidBroadcastState)
	}

	// One compliance check per submission, before any message leaves
	decision, err := f.compliance.CanSend(ctx, strconv.FormatUint(broadcast.CampaignID, 10), broadcast.FromNumber)
	if err != nil {
		return nil, NewBusinessError("COMPLIANCE_CHECK_FAILED", "failed to verify campaign standing", err)
	}
	if !decision.Allowed {
		return nil, NewBusinessError("COMPLIANCE_BLOCKED", decision.Reason, ErrComplianceBlocked)
	}

	recipients, err := f.resolver.Resolve(ctx, *broadcast)
	if err != nil {
		if IsInvalidCriteria(err) {
			return nil, NewBusinessError("INVALID_CRITERIA", err.Error(), err)
		}
		return nil, NewBusinessError("RESOLVE_FAILED", "failed to resolve recipients", err)
	}

	if len(recipients) == 0 {
		// An empty audience still passes through sending; the recount settles
		// it to completed immediately since no entry can make progress.
		moved, err := f.broadcastRepo.UpdateStatusGuarded(ctx, broadcast.ID, broadcast.Status, models.BroadcastStatusSending, utils.UTCNow())
		if err != nil {
			return nil, NewBusinessError("BROADCAST_UPDATE_FAILED", "failed to submit empty broadcast", err)
		}
		if !moved {
			return nil, NewBusinessError("INVALID_BROADCAST_STATE", "broadcast changed status concurrently", ErrInvalidBroadcastState)
		}
		if _, err := f.aggregator.Recompute(ctx, broadcast.ID); err != nil {
			return nil, NewBusinessError("BROADCAST_SUBMIT_FAILED", "failed to settle empty broadcast", err)
		}
		return &dto.SubmitBroadcastResponse{
			Message:         "Broadcast completed with no eligible recipients",
			UUID:            broadcast.UUID.String(),
			Status:          models.BroadcastStatusCompleted.String(),
			TotalRecipients: 0,
			EntriesCreated:  0,
		}, nil
	}

	entries := make([]*models.BroadcastRecipient, 0, len(recipients))
	now := utils.UTCNow()
	for _, r := range recipients {
		entries = append(entries, &models.BroadcastRecipient{
			BroadcastID: broadcast.ID,
			PersonID:    r.PersonID,
			Status:      models.RecipientStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	var created, total int64
	err = repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
		var err error
		created, err = f.recipientRepo.CreateEntries(txCtx, entries)
		if err != nil {
			return err
		}
		total, err = f.recipientRepo.CountByBroadcast(txCtx, broadcast.ID)
		if err != nil {
			return err
		}
		if total < int64(len(recipients)) {
			return fmt.Errorf("%w: have %d entries for %d recipients", ErrLedgerIncomplete, total, len(recipients))
		}

		counts := models.RecipientCounts{Total: total, Pending: total}
		if err := f.broadcastRepo.UpdateCounters(txCtx, broadcast.ID, counts); err != nil {
			return err
		}

		moved, err := f.broadcastRepo.UpdateStatusGuarded(txCtx, broadcast.ID, broadcast.Status, models.BroadcastStatusSending, utils.UTCNow())
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: broadcast changed status concurrently", ErrInvalidBroadcastState)
		}
		return nil
	})
	if err != nil {
		if IsInvalidBroadcastState(err) {
			return nil, NewBusinessError("INVALID_BROADCAST_STATE", "broadcast changed status concurrently", err)
		}
		return nil, NewBusinessError("BROADCAST_SUBMIT_FAILED", "failed to submit broadcast", err)
	}

	return &dto.SubmitBroadcastResponse{
		Message:         "Broadcast submitted",
		UUID:            broadcast.UUID.String(),
		Status:          models.BroadcastStatusSending.String(),
		TotalRecipients: total,
		EntriesCreated:  created,
	}, nil
}

// GetBroadcast returns one broadcast by its public id
func (f *BroadcastFlowImpl) GetBroadcast(ctx context.Context, broadcastUUID string) (*dto.BroadcastDTO, error) {
	broadcast, err := f.loadByUUID(ctx, broadcastUUID)
	if err != nil {
		return nil, err
	}
	result := ToBroadcastDTO(*broadcast)
	return &result, nil
}

// ListBroadcasts pages through broadcasts of an inbox, newest first
func (f *BroadcastFlowImpl) ListBroadcasts(ctx context.Context, req *dto.ListBroadcastsRequest) (*dto.ListBroadcastsResponse, error) {
	page := req.Page
	if page == 0 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = 20
	}
	if page < 1 {
		return nil, NewBusinessError("INVALID_PAGE", "page must be greater than zero", ErrInvalidPage)
	}
	if pageSize < 1 || pageSize > 200 {
		return nil, NewBusinessError("INVALID_PAGE_SIZE", "page size must be between 1 and 200", ErrInvalidPageSize)
	}

	filter := models.BroadcastFilter{InboxID: &req.InboxID}
	if req.Status != "" {
		status := models.BroadcastStatus(req.Status)
		if !status.Valid() {
			return nil, NewBusinessError("INVALID_BROADCAST_STATE", "unknown broadcast status", ErrInvalidBroadcastState)
		}
		filter.Status = &status
	}

	totalCount, err := f.broadcastRepo.Count(ctx, filter)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_LIST_FAILED", "failed to count broadcasts", err)
	}

	offset := (page - 1) * pageSize
	broadcasts, err := f.broadcastRepo.ByFilter(ctx, filter, "created_at DESC", pageSize, offset)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_LIST_FAILED", "failed to list broadcasts", err)
	}

	items := make([]dto.BroadcastDTO, 0, len(broadcasts))
	for _, b := range broadcasts {
		items = append(items, ToBroadcastDTO(*b))
	}

	return &dto.ListBroadcastsResponse{
		Items: items,
		Pagination: dto.Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    totalCount,
		},
	}, nil
}

// GetBroadcastStats recounts the ledger and returns the fresh roll-up
func (f *BroadcastFlowImpl) GetBroadcastStats(ctx context.Context, broadcastUUID string) (*dto.BroadcastStatsResponse, error) {
	broadcast, err := f.loadByUUID(ctx, broadcastUUID)
	if err != nil {
		return nil, err
	}

	counts, err := f.aggregator.Recompute(ctx, broadcast.ID)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_STATS_FAILED", "failed to recount recipients", err)
	}

	// Re-read: Recompute may have finalized the broadcast
	refreshed, err := f.broadcastRepo.ByID(ctx, broadcast.ID)
	if err != nil || refreshed == nil {
		return nil, NewBusinessError("BROADCAST_NOT_FOUND", "broadcast disappeared during recount", ErrBroadcastNotFound)
	}

	return &dto.BroadcastStatsResponse{
		UUID:            refreshed.UUID.String(),
		Status:          refreshed.Status.String(),
		TotalRecipients: counts.Total,
		Pending:         counts.Pending,
		Sent:            counts.EverSent(),
		Delivered:       counts.EverDelivered(),
		Failed:          counts.Failed,
		FailedExhausted: counts.FailedExhausted,
		Read:            counts.Read,
		OptedOut:        counts.OptedOut,
		SuccessRate:     models.SuccessRate(*refreshed),
		FailureRate:     models.FailureRate(*refreshed),
		ReadRate:        models.ReadRate(*refreshed),
	}, nil
}

// BuildDeliveryReport renders the broadcast's ledger as an XLSX workbook
func (f *BroadcastFlowImpl) BuildDeliveryReport(ctx context.Context, broadcastUUID string) ([]byte, error) {
	broadcast, err := f.loadByUUID(ctx, broadcastUUID)
	if err != nil {
		return nil, err
	}

	filter := models.BroadcastRecipientFilter{BroadcastID: &broadcast.ID}
	entries, err := f.recipientRepo.ByFilter(ctx, filter, "id ASC", 0, 0)
	if err != nil {
		return nil, NewBusinessError("REPORT_FAILED", "failed to load ledger entries", err)
	}

	wb := excelize.NewFile()
	defer wb.Close()

	sheet := "Recipients"
	wb.SetSheetName(wb.GetSheetName(0), sheet)

	headers := []string{"Person ID", "Status", "Sent At", "Delivered At", "Read At", "Failed At", "Failure Reason", "Retries", "Message ID"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := wb.SetCellValue(sheet, cell, h); err != nil {
			return nil, NewBusinessError("REPORT_FAILED", "failed to write report header", err)
		}
	}

	formatTime := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04:05")
	}

	for rowIdx, e := range entries {
		values := []any{
			e.PersonID,
			e.Status.String(),
			formatTime(e.SentAt),
			formatTime(e.DeliveredAt),
			formatTime(e.ReadAt),
			formatTime(e.FailedAt),
			utils.StringOrEmpty(e.FailureReason),
			e.RetryCount,
			utils.StringOrEmpty(e.MessageID),
		}
		for colIdx, v := range values {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err := wb.SetCellValue(sheet, cell, v); err != nil {
				return nil, NewBusinessError("REPORT_FAILED", "failed to write report row", err)
			}
		}
	}

	buf, err := wb.WriteToBuffer()
	if err != nil {
		return nil, NewBusinessError("REPORT_FAILED", "failed to serialize report", err)
	}
	return buf.Bytes(), nil
}

// loadByUUID fetches a broadcast or returns the not-found business error
func (f *BroadcastFlowImpl) loadByUUID(ctx context.Context, broadcastUUID string) (*models.Broadcast, error) {
	broadcast, err := f.broadcastRepo.ByUUID(ctx, broadcastUUID)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_LOOKUP_FAILED", "failed to load broadcast", err)
	}
	if broadcast == nil {
		return nil, NewBusinessError("BROADCAST_NOT_FOUND", "broadcast not found", ErrBroadcastNotFound)
	}
	return broadcast, nil
}
