package businessflow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/percytech/broadcast-pipeline/app/dto"
	"github.com/percytech/broadcast-pipeline/app/services"
	"github.com/percytech/broadcast-pipeline/models"
	"github.com/percytech/broadcast-pipeline/repository"
	"github.com/percytech/broadcast-pipeline/utils"
)

// DispatchFlow drives the back half of the pipeline: handing pending ledger
// entries to the transport, re-enqueueing failed ones, and folding carrier
// receipts back into the ledger.
type DispatchFlow interface {
	// DispatchPending sends every pending ledger entry of a sending broadcast,
	// with bounded concurrency. One recipient failing never aborts the pass.
	DispatchPending(ctx context.Context, broadcastUUID string) (*dto.DispatchReport, error)

	// RetryEligible moves failed entries below the retry cap back to pending
	RetryEligible(ctx context.Context, broadcastUUID string) (*dto.RetryReport, error)

	// HandleReceipt applies one carrier delivery receipt to the ledger entry
	// holding the receipt's message id. Receipts for unknown ids are dropped.
	HandleReceipt(ctx context.Context, req *dto.DeliveryReceiptRequest) error
}

// DispatchFlowImpl implements DispatchFlow
type DispatchFlowImpl struct {
	broadcastRepo repository.BroadcastRepository
	recipientRepo repository.BroadcastRecipientRepository
	personRepo    repository.PersonDirectoryRepository
	transport     services.MessageTransport
	optOut        services.OptOutCache
	aggregator    BroadcastAggregator
	maxInFlight   int
}

// NewDispatchFlow creates a new dispatch flow instance
func NewDispatchFlow(
	broadcastRepo repository.BroadcastRepository,
	recipientRepo repository.BroadcastRecipientRepository,
	personRepo repository.PersonDirectoryRepository,
	transport services.MessageTransport,
	optOut services.OptOutCache,
	aggregator BroadcastAggregator,
	maxInFlight int,
) DispatchFlow {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &DispatchFlowImpl{
		broadcastRepo: broadcastRepo,
		recipientRepo: recipientRepo,
		personRepo:    personRepo,
		transport:     transport,
		optOut:        optOut,
		aggregator:    aggregator,
		maxInFlight:   maxInFlight,
	}
}

// DispatchPending fans pending entries out to the transport. Each entry is
// claimed with a guarded pending-to-sent update before the transport call, so
// two dispatchers running the same broadcast never double-send a recipient.
func (f *DispatchFlowImpl) DispatchPending(ctx context.Context, broadcastUUID string) (*dto.DispatchReport, error) {
	broadcast, err := f.loadSending(ctx, broadcastUUID)
	if err != nil {
		return nil, err
	}

	pending, err := f.recipientRepo.ListPending(ctx, broadcast.ID, 0)
	if err != nil {
		return nil, NewBusinessError("DISPATCH_FAILED", "failed to list pending entries", err)
	}

	report := &dto.DispatchReport{BroadcastUUID: broadcast.UUID.String()}
	if len(pending) == 0 {
		if _, err := f.aggregator.Recompute(ctx, broadcast.ID); err != nil {
			return nil, NewBusinessError("DISPATCH_FAILED", "failed to recount after dispatch", err)
		}
		return report, nil
	}

	personIDs := make([]uint, 0, len(pending))
	for _, e := range pending {
		personIDs = append(personIDs, e.PersonID)
	}
	persons, err := f.personRepo.ByIDs(ctx, personIDs)
	if err != nil {
		return nil, NewBusinessError("DISPATCH_FAILED", "failed to load recipients", err)
	}
	personsByID := make(map[uint]*models.Person, len(persons))
	for _, p := range persons {
		personsByID[p.ID] = p
	}

	var attempted, succeeded, failed, skipped int64
	sem := make(chan struct{}, f.maxInFlight)
	var wg sync.WaitGroup

	for _, entry := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(entry *models.BroadcastRecipient) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := f.dispatchOne(ctx, broadcast, entry, personsByID[entry.PersonID])
			switch outcome {
			case dispatchSent:
				atomic.AddInt64(&attempted, 1)
				atomic.AddInt64(&succeeded, 1)
			case dispatchFailed:
				atomic.AddInt64(&attempted, 1)
				atomic.AddInt64(&failed, 1)
			case dispatchSkipped:
				atomic.AddInt64(&skipped, 1)
			}
		}(entry)
	}
	wg.Wait()

	report.Attempted = attempted
	report.Succeeded = succeeded
	report.Failed = failed
	report.Skipped = skipped

	if _, err := f.aggregator.Recompute(ctx, broadcast.ID); err != nil {
		return nil, NewBusinessError("DISPATCH_FAILED", "failed to recount after dispatch", err)
	}
	return report, nil
}

type dispatchOutcome int

const (
	dispatchSent dispatchOutcome = iota
	dispatchFailed
	dispatchSkipped
)

// dispatchOne sends a single entry and persists its next state. Consent is
// re-checked here because the directory may have changed since resolution.
func (f *DispatchFlowImpl) dispatchOne(ctx context.Context, broadcast *models.Broadcast, entry *models.BroadcastRecipient, person *models.Person) dispatchOutcome {
	if person == nil || person.CellPhone == "" {
		f.markFailed(ctx, entry, "recipient no longer exists in directory")
		return dispatchFailed
	}

	optedOut := !models.IsSendable(*person)
	if !optedOut && f.optOut != nil {
		cached, err := f.optOut.IsOptedOut(ctx, broadcast.InboxID, person.CellPhone)
		if err != nil {
			log.Printf("opt-out cache lookup failed for person %d: %v", person.ID, err)
		} else {
			optedOut = cached
		}
	}
	if optedOut {
		next, ok := models.NextRecipientState(*entry, models.RecipientStatusOptedOut, models.TransitionMeta{
			At:            utils.UTCNow(),
			FailureReason: utils.ToPtr("recipient opted out before dispatch"),
		})
		if ok {
			if _, err := f.recipientRepo.TransitionGuarded(ctx, &next, entry.Status); err != nil {
				log.Printf("failed to mark entry %d opted out: %v", entry.ID, err)
			}
		}
		return dispatchSkipped
	}

	// Claim before talking to the provider. The guarded update is what keeps
	// a second dispatcher on the same broadcast from sending this recipient
	// again.
	claimed, ok := models.NextRecipientState(*entry, models.RecipientStatusSent, models.TransitionMeta{
		At: utils.UTCNow(),
	})
	if !ok {
		return dispatchSkipped
	}
	moved, err := f.recipientRepo.TransitionGuarded(ctx, &claimed, entry.Status)
	if err != nil {
		log.Printf("failed to claim entry %d for dispatch: %v", entry.ID, err)
		return dispatchFailed
	}
	if !moved {
		// Another dispatcher claimed this entry first
		return dispatchSkipped
	}

	result, sendErr := f.transport.Send(ctx, services.OutboundMessage{
		From:      broadcast.FromNumber,
		To:        person.CellPhone,
		Body:      broadcast.Body,
		MediaURLs: broadcast.MediaURLs,
	})
	if sendErr != nil {
		f.markFailed(ctx, &claimed, sendErr.Error())
		return dispatchFailed
	}

	// The provider accepted this message. Losing the ack write must never put
	// the entry back in line for a second send; only receipt matching suffers.
	if err := f.recipientRepo.AttachProviderAck(ctx, claimed.ID, result.MessageID, result.Raw); err != nil {
		log.Printf("failed to record provider ack %s for entry %d: %v", result.MessageID, claimed.ID, err)
	}
	return dispatchSent
}

func (f *DispatchFlowImpl) markFailed(ctx context.Context, entry *models.BroadcastRecipient, reason string) {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	next, ok := models.NextRecipientState(*entry, models.RecipientStatusFailed, models.TransitionMeta{
		At:            utils.UTCNow(),
		FailureReason: &reason,
	})
	if !ok {
		return
	}
	if _, err := f.recipientRepo.TransitionGuarded(ctx, &next, entry.Status); err != nil {
		log.Printf("failed to mark entry %d failed: %v", entry.ID, err)
	}
}

// RetryEligible re-enqueues failed entries still under the retry cap
func (f *DispatchFlowImpl) RetryEligible(ctx context.Context, broadcastUUID string) (*dto.RetryReport, error) {
	broadcast, err := f.loadSending(ctx, broadcastUUID)
	if err != nil {
		return nil, err
	}

	retryable, err := f.recipientRepo.ListRetryable(ctx, broadcast.ID, models.MaxSendRetries)
	if err != nil {
		return nil, NewBusinessError("RETRY_FAILED", "failed to list retryable entries", err)
	}

	report := &dto.RetryReport{BroadcastUUID: broadcast.UUID.String()}
	for _, entry := range retryable {
		next, ok := models.NextRecipientState(*entry, models.RecipientStatusPending, models.TransitionMeta{At: utils.UTCNow()})
		if !ok {
			continue
		}
		moved, err := f.recipientRepo.TransitionGuarded(ctx, &next, models.RecipientStatusFailed)
		if err != nil {
			return nil, NewBusinessError("RETRY_FAILED", "failed to re-enqueue entry", err)
		}
		if moved {
			report.Reenqueued++
		}
	}
	return report, nil
}

// HandleReceipt folds a carrier receipt into the ledger. A read receipt on an
// entry still marked sent implies delivery, so the delivered hop is applied
// on the way.
func (f *DispatchFlowImpl) HandleReceipt(ctx context.Context, req *dto.DeliveryReceiptRequest) error {
	entry, err := f.recipientRepo.ByMessageID(ctx, req.MessageID)
	if err != nil {
		return NewBusinessError("RECEIPT_FAILED", "failed to look up message", err)
	}
	if entry == nil {
		// Carriers replay receipts and send them for messages outside this
		// system; an unknown id is not an error.
		log.Printf("dropping receipt for unknown message id %s", req.MessageID)
		return nil
	}

	now := utils.UTCNow()
	switch req.Status {
	case "delivered":
		if err := f.applyTransition(ctx, entry, models.RecipientStatusDelivered, models.TransitionMeta{At: now}); err != nil {
			return err
		}
	case "read":
		if entry.Status == models.RecipientStatusSent {
			if err := f.applyTransition(ctx, entry, models.RecipientStatusDelivered, models.TransitionMeta{At: now}); err != nil {
				return err
			}
		}
		if err := f.applyTransition(ctx, entry, models.RecipientStatusRead, models.TransitionMeta{At: now}); err != nil {
			return err
		}
	case "failed":
		reason := req.Description
		if reason == "" {
			reason = "carrier reported delivery failure"
		}
		if err := f.applyTransition(ctx, entry, models.RecipientStatusFailed, models.TransitionMeta{At: now, FailureReason: &reason}); err != nil {
			return err
		}
	default:
		return NewBusinessError("INVALID_RECEIPT_STATUS", fmt.Sprintf("unknown receipt status %q", req.Status), nil)
	}

	if req.OptOut && f.optOut != nil {
		if err := f.recordOptOut(ctx, entry); err != nil {
			log.Printf("failed to record opt-out from receipt %s: %v", req.MessageID, err)
		}
	}

	if _, err := f.aggregator.Recompute(ctx, entry.BroadcastID); err != nil {
		return NewBusinessError("RECEIPT_FAILED", "failed to recount after receipt", err)
	}
	return nil
}

// applyTransition validates, persists, and refreshes the in-memory entry
func (f *DispatchFlowImpl) applyTransition(ctx context.Context, entry *models.BroadcastRecipient, to models.RecipientStatus, meta models.TransitionMeta) error {
	next, ok := models.NextRecipientState(*entry, to, meta)
	if !ok {
		return NewBusinessError("INVALID_TRANSITION",
			fmt.Sprintf("entry in status %s cannot move to %s", entry.Status, to), ErrInvalidTransition)
	}
	moved, err := f.recipientRepo.TransitionGuarded(ctx, &next, entry.Status)
	if err != nil {
		return NewBusinessError("RECEIPT_FAILED", "failed to persist receipt transition", err)
	}
	if !moved {
		return NewBusinessError("INVALID_TRANSITION", "entry changed status concurrently", ErrInvalidTransition)
	}
	*entry = next
	return nil
}

// recordOptOut marks the recipient's number opted out in the lookaside cache
func (f *DispatchFlowImpl) recordOptOut(ctx context.Context, entry *models.BroadcastRecipient) error {
	broadcast, err := f.broadcastRepo.ByID(ctx, entry.BroadcastID)
	if err != nil || broadcast == nil {
		return fmt.Errorf("broadcast %d not found for opt-out", entry.BroadcastID)
	}
	person, err := f.personRepo.ByID(ctx, entry.PersonID)
	if err != nil || person == nil {
		return fmt.Errorf("person %d not found for opt-out", entry.PersonID)
	}
	return f.optOut.MarkOptedOut(ctx, broadcast.InboxID, person.CellPhone)
}

// loadSending fetches a broadcast and checks it is mid-send
func (f *DispatchFlowImpl) loadSending(ctx context.Context, broadcastUUID string) (*models.Broadcast, error) {
	broadcast, err := f.broadcastRepo.ByUUID(ctx, broadcastUUID)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_LOOKUP_FAILED", "failed to load broadcast", err)
	}
	if broadcast == nil {
		return nil, NewBusinessError("BROADCAST_NOT_FOUND", "broadcast not found", ErrBroadcastNotFound)
	}
	if broadcast.Status != models.BroadcastStatusSending {
		return nil, NewBusinessError("INVALID_BROADCAST_STATE",
			fmt.Sprintf("broadcast in status %s is not dispatchable", broadcast.Status), ErrInvalidBroadcastState)
	}
	return broadcast, nil
}
