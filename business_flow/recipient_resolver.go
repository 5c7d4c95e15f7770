// Package businessflow contains the core business logic and use cases for the broadcast send pipeline
package businessflow

import (
	"context"
	"fmt"

	"github.com/percytech/broadcast-pipeline/models"
	"github.com/percytech/broadcast-pipeline/repository"
)

// ResolvedRecipient is one eligible send target produced by the resolver
type ResolvedRecipient struct {
	PersonID uint
	Phone    string
}

// RecipientResolver turns a broadcast's stored selection criteria into an
// ordered, deduplicated list of eligible recipients. Resolution is a pure
// read; ledger materialization happens elsewhere.
type RecipientResolver interface {
	Resolve(ctx context.Context, broadcast models.Broadcast) ([]ResolvedRecipient, error)
}

// RecipientResolverImpl implements RecipientResolver over the person directory
type RecipientResolverImpl struct {
	personRepo repository.PersonDirectoryRepository
}

// NewRecipientResolver creates a new recipient resolver instance
func NewRecipientResolver(personRepo repository.PersonDirectoryRepository) RecipientResolver {
	return &RecipientResolverImpl{personRepo: personRepo}
}

// Resolve applies exclusion filters in a fixed order: opt-out first, then
// blocked/spam status, then duplicate phone numbers within the inbox (first
// occurrence wins). Output is ordered by person id ascending so two runs
// over an unchanged directory produce identical lists.
func (r *RecipientResolverImpl) Resolve(ctx context.Context, broadcast models.Broadcast) ([]ResolvedRecipient, error) {
	criteria := broadcast.SearchCriteria
	if criteria.InboxID == 0 {
		return nil, NewBusinessError("INVALID_CRITERIA", "Selection criteria missing inbox", ErrInvalidCriteria)
	}

	exists, err := r.personRepo.InboxExists(ctx, criteria.InboxID)
	if err != nil {
		return nil, NewBusinessError("CRITERIA_LOOKUP_FAILED", "Failed to verify criteria inbox", err)
	}
	if !exists {
		return nil, NewBusinessError("INVALID_CRITERIA",
			fmt.Sprintf("Selection criteria reference unknown inbox %d", criteria.InboxID),
			fmt.Errorf("%w: %w", ErrInvalidCriteria, ErrUnknownInbox))
	}

	if len(criteria.Tags) > 0 {
		missing, err := r.personRepo.MissingTags(ctx, criteria.InboxID, criteria.Tags)
		if err != nil {
			return nil, NewBusinessError("CRITERIA_LOOKUP_FAILED", "Failed to verify criteria tags", err)
		}
		if len(missing) > 0 {
			return nil, NewBusinessError("INVALID_CRITERIA",
				fmt.Sprintf("Selection criteria reference unknown tags %v", missing),
				fmt.Errorf("%w: %w", ErrInvalidCriteria, ErrUnknownTag))
		}
	}

	persons, err := r.personRepo.ByCriteria(ctx, criteria)
	if err != nil {
		return nil, NewBusinessError("CRITERIA_LOOKUP_FAILED", "Failed to look up persons by criteria", err)
	}

	seenPhones := make(map[string]struct{}, len(persons))
	seenIDs := make(map[uint]struct{}, len(persons))
	recipients := make([]ResolvedRecipient, 0, len(persons))
	for _, p := range persons {
		if p == nil || p.CellPhone == "" {
			continue
		}
		// Fixed exclusion order: consent, then contact status, then dedupe
		if !p.OptIn {
			continue
		}
		if p.Status == models.PersonStatusBlocked || p.Status == models.PersonStatusSpam {
			continue
		}
		if _, dup := seenIDs[p.ID]; dup {
			continue
		}
		if _, dup := seenPhones[p.CellPhone]; dup {
			continue
		}
		seenIDs[p.ID] = struct{}{}
		seenPhones[p.CellPhone] = struct{}{}
		recipients = append(recipients, ResolvedRecipient{PersonID: p.ID, Phone: p.CellPhone})
	}

	return recipients, nil
}
