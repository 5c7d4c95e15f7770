package businessflow

import (
	"context"
	"fmt"

	"github.com/percytech/broadcast-pipeline/models"
	"github.com/percytech/broadcast-pipeline/repository"
	"github.com/percytech/broadcast-pipeline/utils"
	"gorm.io/gorm"
)

// BroadcastAggregator owns the broadcast lifecycle state machine and the
// roll-up counters. Counters are always derived from a full ledger recount;
// nothing else in the pipeline increments them.
type BroadcastAggregator interface {
	// Recompute recounts ledger rows, rewrites the cached counters, and moves
	// the broadcast to a terminal status when the ledger says it is done.
	Recompute(ctx context.Context, broadcastID uint) (*models.RecipientCounts, error)

	// TransitionBroadcast applies an explicit status change, enforcing the
	// broadcast state machine.
	TransitionBroadcast(ctx context.Context, broadcastID uint, newStatus models.BroadcastStatus) error
}

// BroadcastAggregatorImpl implements BroadcastAggregator
type BroadcastAggregatorImpl struct {
	broadcastRepo repository.BroadcastRepository
	recipientRepo repository.BroadcastRecipientRepository
	db            *gorm.DB
}

// NewBroadcastAggregator creates a new broadcast aggregator instance
func NewBroadcastAggregator(
	broadcastRepo repository.BroadcastRepository,
	recipientRepo repository.BroadcastRecipientRepository,
	db *gorm.DB,
) BroadcastAggregator {
	return &BroadcastAggregatorImpl{
		broadcastRepo: broadcastRepo,
		recipientRepo: recipientRepo,
		db:            db,
	}
}

// DecideOutcome is the pure completion rule over a ledger recount. It returns
// the terminal status the broadcast should move to, or ok=false while entries
// can still make progress. A broadcast completes once every entry is terminal
// and at least one message was delivered or read; it fails outright only when
// every single entry exhausted its retries.
func DecideOutcome(counts models.RecipientCounts) (models.BroadcastStatus, bool) {
	if counts.Total == 0 {
		// Nothing resolved, nothing to wait for
		return models.BroadcastStatusCompleted, true
	}
	if !counts.AllTerminal() {
		return "", false
	}
	if counts.FailedExhausted == counts.Total {
		return models.BroadcastStatusFailed, true
	}
	if counts.EverDelivered() > 0 {
		return models.BroadcastStatusCompleted, true
	}
	// All terminal, nothing delivered, not all failed: opt-outs/skips only.
	// Treat as completed; there is no recipient left to make progress.
	return models.BroadcastStatusCompleted, true
}

func (a *BroadcastAggregatorImpl) Recompute(ctx context.Context, broadcastID uint) (*models.RecipientCounts, error) {
	broadcast, err := a.broadcastRepo.ByID(ctx, broadcastID)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_LOOKUP_FAILED", "Failed to look up broadcast", err)
	}
	if broadcast == nil {
		return nil, NewBusinessError("BROADCAST_NOT_FOUND", "Broadcast not found", ErrBroadcastNotFound)
	}

	var counts models.RecipientCounts
	err = repository.WithTransaction(ctx, a.db, func(txCtx context.Context) error {
		var err error
		counts, err = a.recipientRepo.CountsByStatus(txCtx, broadcastID)
		if err != nil {
			return err
		}
		return a.broadcastRepo.UpdateCounters(txCtx, broadcastID, counts)
	})
	if err != nil {
		return nil, NewBusinessError("RECOMPUTE_FAILED", "Failed to recompute broadcast counters", err)
	}

	// Only a sending broadcast can settle into a terminal outcome
	if broadcast.Status == models.BroadcastStatusSending {
		if outcome, done := DecideOutcome(counts); done {
			moved, err := a.broadcastRepo.UpdateStatusGuarded(ctx, broadcastID,
				models.BroadcastStatusSending, outcome, utils.UTCNow())
			if err != nil {
				return nil, NewBusinessError("BROADCAST_TRANSITION_FAILED", "Failed to finalize broadcast", err)
			}
			// A concurrent recompute finalizing first is not an error
			_ = moved
		}
	}

	return &counts, nil
}

func (a *BroadcastAggregatorImpl) TransitionBroadcast(ctx context.Context, broadcastID uint, newStatus models.BroadcastStatus) error {
	broadcast, err := a.broadcastRepo.ByID(ctx, broadcastID)
	if err != nil {
		return NewBusinessError("BROADCAST_LOOKUP_FAILED", "Failed to look up broadcast", err)
	}
	if broadcast == nil {
		return NewBusinessError("BROADCAST_NOT_FOUND", "Broadcast not found", ErrBroadcastNotFound)
	}

	if !broadcast.CanTransitionTo(newStatus) {
		return NewBusinessError("INVALID_BROADCAST_STATE",
			fmt.Sprintf("Broadcast cannot move from %s to %s", broadcast.Status, newStatus),
			ErrInvalidBroadcastState)
	}

	moved, err := a.broadcastRepo.UpdateStatusGuarded(ctx, broadcastID, broadcast.Status, newStatus, utils.UTCNow())
	if err != nil {
		return NewBusinessError("BROADCAST_TRANSITION_FAILED", "Failed to transition broadcast", err)
	}
	if !moved {
		return NewBusinessError("INVALID_BROADCAST_STATE",
			"Broadcast status changed concurrently", ErrInvalidBroadcastState)
	}
	return nil
}
