package businessflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/percytech/broadcast-pipeline/models"
)

// fakeBroadcastRepo is an in-memory BroadcastRepository for flow tests
type fakeBroadcastRepo struct {
	mu         sync.Mutex
	broadcasts map[uint]*models.Broadcast
	nextID     uint
}

func newFakeBroadcastRepo() *fakeBroadcastRepo {
	return &fakeBroadcastRepo{broadcasts: make(map[uint]*models.Broadcast), nextID: 1}
}

func (r *fakeBroadcastRepo) ByID(ctx context.Context, id uint) (*models.Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasts[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *fakeBroadcastRepo) ByUUID(ctx context.Context, uuid string) (*models.Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.broadcasts {
		if b.UUID.String() == uuid {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeBroadcastRepo) ByFilter(ctx context.Context, filter models.BroadcastFilter, orderBy string, limit, offset int) ([]*models.Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Broadcast
	for _, b := range r.broadcasts {
		if filter.InboxID != nil && b.InboxID != *filter.InboxID {
			continue
		}
		if filter.Status != nil && b.Status != *filter.Status {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset > 0 && offset < len(out) {
		out = out[offset:]
	} else if offset >= len(out) {
		out = nil
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeBroadcastRepo) Count(ctx context.Context, filter models.BroadcastFilter) (int64, error) {
	rows, _ := r.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(rows)), nil
}

func (r *fakeBroadcastRepo) Save(ctx context.Context, broadcast *models.Broadcast) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if broadcast.ID == 0 {
		broadcast.ID = r.nextID
		r.nextID++
	}
	cp := *broadcast
	r.broadcasts[broadcast.ID] = &cp
	return nil
}

func (r *fakeBroadcastRepo) Update(ctx context.Context, broadcast *models.Broadcast) error {
	return r.Save(ctx, broadcast)
}

func (r *fakeBroadcastRepo) UpdateStatusGuarded(ctx context.Context, id uint, from, to models.BroadcastStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasts[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = &at
	switch to {
	case models.BroadcastStatusSending:
		b.SentAt = &at
	case models.BroadcastStatusCompleted, models.BroadcastStatusFailed:
		b.CompletedAt = &at
	}
	return true, nil
}

func (r *fakeBroadcastRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Broadcast
	for _, b := range r.broadcasts {
		if b.Status == models.BroadcastStatusScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeBroadcastRepo) ListSending(ctx context.Context, limit int) ([]*models.Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Broadcast
	for _, b := range r.broadcasts {
		if b.Status == models.BroadcastStatusSending {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeBroadcastRepo) UpdateCounters(ctx context.Context, id uint, counts models.RecipientCounts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasts[id]
	if !ok {
		return nil
	}
	b.TotalRecipients = counts.Total
	b.SentCount = counts.EverSent()
	b.DeliveredCount = counts.EverDelivered()
	b.FailedCount = counts.Failed
	b.ReadCount = counts.Read
	return nil
}

// fakeRecipientRepo is an in-memory BroadcastRecipientRepository
type fakeRecipientRepo struct {
	mu        sync.Mutex
	entries   map[uint]*models.BroadcastRecipient
	nextID    uint
	attachErr error
}

func newFakeRecipientRepo() *fakeRecipientRepo {
	return &fakeRecipientRepo{entries: make(map[uint]*models.BroadcastRecipient), nextID: 1}
}

func (r *fakeRecipientRepo) ByID(ctx context.Context, id uint) (*models.BroadcastRecipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *fakeRecipientRepo) ByMessageID(ctx context.Context, messageID string) (*models.BroadcastRecipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.MessageID != nil && *e.MessageID == messageID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRecipientRepo) ByFilter(ctx context.Context, filter models.BroadcastRecipientFilter, orderBy string, limit, offset int) ([]*models.BroadcastRecipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.BroadcastRecipient
	for _, e := range r.entries {
		if filter.BroadcastID != nil && e.BroadcastID != *filter.BroadcastID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRecipientRepo) CreateEntries(ctx context.Context, entries []*models.BroadcastRecipient) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var created int64
	for _, e := range entries {
		exists := false
		for _, have := range r.entries {
			if have.BroadcastID == e.BroadcastID && have.PersonID == e.PersonID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		e.ID = r.nextID
		r.nextID++
		cp := *e
		r.entries[cp.ID] = &cp
		created++
	}
	return created, nil
}

func (r *fakeRecipientRepo) ListPending(ctx context.Context, broadcastID uint, limit int) ([]*models.BroadcastRecipient, error) {
	pending := models.RecipientStatusPending
	return r.ByFilter(ctx, models.BroadcastRecipientFilter{BroadcastID: &broadcastID, Status: &pending}, "id ASC", limit, 0)
}

func (r *fakeRecipientRepo) ListRetryable(ctx context.Context, broadcastID uint, maxRetries int) ([]*models.BroadcastRecipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.BroadcastRecipient
	for _, e := range r.entries {
		if e.BroadcastID == broadcastID && e.Status == models.RecipientStatusFailed && e.RetryCount < maxRetries {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRecipientRepo) CountByBroadcast(ctx context.Context, broadcastID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.entries {
		if e.BroadcastID == broadcastID {
			n++
		}
	}
	return n, nil
}

func (r *fakeRecipientRepo) CountsByStatus(ctx context.Context, broadcastID uint) (models.RecipientCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var counts models.RecipientCounts
	for _, e := range r.entries {
		if e.BroadcastID != broadcastID {
			continue
		}
		counts.Total++
		switch e.Status {
		case models.RecipientStatusPending:
			counts.Pending++
		case models.RecipientStatusSent:
			counts.Sent++
		case models.RecipientStatusDelivered:
			counts.Delivered++
		case models.RecipientStatusRead:
			counts.Read++
		case models.RecipientStatusFailed:
			counts.Failed++
			if e.RetryCount >= models.MaxSendRetries {
				counts.FailedExhausted++
			}
		case models.RecipientStatusOptedOut:
			counts.OptedOut++
		}
	}
	return counts, nil
}

func (r *fakeRecipientRepo) TransitionGuarded(ctx context.Context, next *models.BroadcastRecipient, from models.RecipientStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	have, ok := r.entries[next.ID]
	if !ok || have.Status != from {
		return false, nil
	}
	cp := *next
	r.entries[next.ID] = &cp
	return true, nil
}

func (r *fakeRecipientRepo) AttachProviderAck(ctx context.Context, id uint, messageID string, raw json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachErr != nil {
		return r.attachErr
	}
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	e.MessageID = &messageID
	e.APIResponse = raw
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeRecipientRepo) SuppressPending(ctx context.Context, broadcastID uint, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.entries {
		if e.BroadcastID == broadcastID && e.Status == models.RecipientStatusPending {
			next, ok := models.NextRecipientState(*e, models.RecipientStatusOptedOut, models.TransitionMeta{FailureReason: &reason})
			if !ok {
				continue
			}
			*e = next
			n++
		}
	}
	return n, nil
}

// fakeAggregator mirrors the real aggregator's recount-and-settle behavior
// against the in-memory repositories, minus the transaction wrapper.
type fakeAggregator struct {
	broadcastRepo *fakeBroadcastRepo
	recipientRepo *fakeRecipientRepo
}

func (a *fakeAggregator) Recompute(ctx context.Context, broadcastID uint) (*models.RecipientCounts, error) {
	counts, err := a.recipientRepo.CountsByStatus(ctx, broadcastID)
	if err != nil {
		return nil, err
	}
	if err := a.broadcastRepo.UpdateCounters(ctx, broadcastID, counts); err != nil {
		return nil, err
	}
	broadcast, err := a.broadcastRepo.ByID(ctx, broadcastID)
	if err != nil || broadcast == nil {
		return nil, ErrBroadcastNotFound
	}
	if broadcast.Status == models.BroadcastStatusSending {
		if outcome, done := DecideOutcome(counts); done {
			if _, err := a.broadcastRepo.UpdateStatusGuarded(ctx, broadcastID,
				models.BroadcastStatusSending, outcome, time.Now().UTC()); err != nil {
				return nil, err
			}
		}
	}
	return &counts, nil
}

func (a *fakeAggregator) TransitionBroadcast(ctx context.Context, broadcastID uint, newStatus models.BroadcastStatus) error {
	broadcast, err := a.broadcastRepo.ByID(ctx, broadcastID)
	if err != nil || broadcast == nil {
		return ErrBroadcastNotFound
	}
	if !broadcast.CanTransitionTo(newStatus) {
		return ErrInvalidBroadcastState
	}
	_, err = a.broadcastRepo.UpdateStatusGuarded(ctx, broadcastID, broadcast.Status, newStatus, time.Now().UTC())
	return err
}

// fakePersonRepo is an in-memory PersonDirectoryRepository
type fakePersonRepo struct {
	mu      sync.Mutex
	persons []*models.Person
	inboxes map[uint64]bool
	tags    map[uint64]map[string]bool
}

func newFakePersonRepo(inboxID uint64) *fakePersonRepo {
	return &fakePersonRepo{
		inboxes: map[uint64]bool{inboxID: true},
		tags:    make(map[uint64]map[string]bool),
	}
}

func (r *fakePersonRepo) add(p models.Person) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := p
	r.persons = append(r.persons, &cp)
	if r.tags[p.InboxID] == nil {
		r.tags[p.InboxID] = make(map[string]bool)
	}
	for _, tag := range p.Tags {
		r.tags[p.InboxID][tag] = true
	}
}

func (r *fakePersonRepo) ByID(ctx context.Context, id uint) (*models.Person, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.persons {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakePersonRepo) ByIDs(ctx context.Context, ids []uint) ([]*models.Person, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[uint]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*models.Person
	for _, p := range r.persons {
		if want[p.ID] {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakePersonRepo) ByCriteria(ctx context.Context, criteria models.SearchCriteria) ([]*models.Person, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wantIDs := make(map[uint]bool, len(criteria.PersonIDs))
	for _, id := range criteria.PersonIDs {
		wantIDs[id] = true
	}
	var out []*models.Person
	for _, p := range r.persons {
		if p.InboxID != criteria.InboxID {
			continue
		}
		if len(criteria.Tags) > 0 {
			overlap := false
			for _, tag := range criteria.Tags {
				for _, have := range p.Tags {
					if tag == have {
						overlap = true
						break
					}
				}
			}
			if !overlap {
				continue
			}
		}
		if len(criteria.PersonIDs) > 0 && !wantIDs[p.ID] {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakePersonRepo) InboxExists(ctx context.Context, inboxID uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inboxes[inboxID], nil
}

func (r *fakePersonRepo) MissingTags(ctx context.Context, inboxID uint64, tags []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []string
	for _, tag := range tags {
		if !r.tags[inboxID][tag] {
			missing = append(missing, tag)
		}
	}
	return missing, nil
}
