package businessflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percytech/broadcast-pipeline/app/dto"
	"github.com/percytech/broadcast-pipeline/app/services"
	"github.com/percytech/broadcast-pipeline/models"
)

type dispatchFixture struct {
	broadcastRepo *fakeBroadcastRepo
	recipientRepo *fakeRecipientRepo
	personRepo    *fakePersonRepo
	transport     *services.MockTransport
	optOut        *services.MemoryOptOutCache
	flow          DispatchFlow
	broadcast     *models.Broadcast
}

func newDispatchFixture(t *testing.T, status models.BroadcastStatus) *dispatchFixture {
	t.Helper()

	broadcastRepo := newFakeBroadcastRepo()
	recipientRepo := newFakeRecipientRepo()
	personRepo := newFakePersonRepo(42)
	transport := services.NewMockTransport()
	optOut := services.NewMemoryOptOutCache()
	aggregator := &fakeAggregator{broadcastRepo: broadcastRepo, recipientRepo: recipientRepo}

	broadcast := &models.Broadcast{
		UUID:       uuid.New(),
		InboxID:    42,
		SenderID:   7,
		CampaignID: 9001,
		FromNumber: "+15550009999",
		Title:      "Spring promo",
		Body:       "Hello from the team",
		Type:       models.BroadcastTypeImmediate,
		Status:     status,
	}
	require.NoError(t, broadcastRepo.Save(context.Background(), broadcast))

	return &dispatchFixture{
		broadcastRepo: broadcastRepo,
		recipientRepo: recipientRepo,
		personRepo:    personRepo,
		transport:     transport,
		optOut:        optOut,
		flow:          NewDispatchFlow(broadcastRepo, recipientRepo, personRepo, transport, optOut, aggregator, 4),
		broadcast:     broadcast,
	}
}

func (fx *dispatchFixture) addRecipient(t *testing.T, person models.Person, status models.RecipientStatus) *models.BroadcastRecipient {
	t.Helper()
	fx.personRepo.add(person)
	entry := &models.BroadcastRecipient{
		BroadcastID: fx.broadcast.ID,
		PersonID:    person.ID,
		Status:      status,
	}
	created, err := fx.recipientRepo.CreateEntries(context.Background(), []*models.BroadcastRecipient{entry})
	require.NoError(t, err)
	require.EqualValues(t, 1, created)
	return entry
}

func activePerson(id uint, phone string) models.Person {
	return models.Person{ID: id, InboxID: 42, CellPhone: phone, Status: models.PersonStatusActive, OptIn: true}
}

func TestDispatchPending_SendsAllRecipients(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	fx.addRecipient(t, activePerson(1, "+15550000001"), models.RecipientStatusPending)
	fx.addRecipient(t, activePerson(2, "+15550000002"), models.RecipientStatusPending)
	fx.addRecipient(t, activePerson(3, "+15550000003"), models.RecipientStatusPending)

	report, err := fx.flow.DispatchPending(context.Background(), fx.broadcast.UUID.String())

	require.NoError(t, err)
	assert.EqualValues(t, 3, report.Attempted)
	assert.EqualValues(t, 3, report.Succeeded)
	assert.EqualValues(t, 0, report.Failed)
	assert.Equal(t, 3, fx.transport.SentCount())

	counts, err := fx.recipientRepo.CountsByStatus(context.Background(), fx.broadcast.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts.Sent)
	assert.EqualValues(t, 0, counts.Pending)
}

func TestDispatchPending_PartialFailureDoesNotAbortPass(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	fx.addRecipient(t, activePerson(1, "+15550000001"), models.RecipientStatusPending)
	fx.addRecipient(t, activePerson(2, "+15550000002"), models.RecipientStatusPending)
	fx.addRecipient(t, activePerson(3, "+15550000003"), models.RecipientStatusPending)
	fx.transport.FailFor("+15550000002", "destination unreachable")

	report, err := fx.flow.DispatchPending(context.Background(), fx.broadcast.UUID.String())

	require.NoError(t, err)
	assert.EqualValues(t, 3, report.Attempted)
	assert.EqualValues(t, 2, report.Succeeded)
	assert.EqualValues(t, 1, report.Failed)

	counts, err := fx.recipientRepo.CountsByStatus(context.Background(), fx.broadcast.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Sent)
	assert.EqualValues(t, 1, counts.Failed)

	failed, err := fx.recipientRepo.ByFilter(context.Background(), models.BroadcastRecipientFilter{
		BroadcastID: &fx.broadcast.ID,
		Status:      statusPtr(models.RecipientStatusFailed),
	}, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].FailureReason)
	assert.Contains(t, *failed[0].FailureReason, "destination unreachable")
}

func TestDispatchPending_SkipsOptedOutAtDispatchTime(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	fx.addRecipient(t, activePerson(1, "+15550000001"), models.RecipientStatusPending)

	// consent withdrawn between resolution and dispatch
	withdrawn := activePerson(2, "+15550000002")
	withdrawn.OptIn = false
	fx.addRecipient(t, withdrawn, models.RecipientStatusPending)

	// opt-out recorded out of band in the lookaside cache
	fx.addRecipient(t, activePerson(3, "+15550000003"), models.RecipientStatusPending)
	require.NoError(t, fx.optOut.MarkOptedOut(context.Background(), 42, "+15550000003"))

	report, err := fx.flow.DispatchPending(context.Background(), fx.broadcast.UUID.String())

	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Succeeded)
	assert.EqualValues(t, 2, report.Skipped)
	assert.Equal(t, 1, fx.transport.SentCount())

	counts, err := fx.recipientRepo.CountsByStatus(context.Background(), fx.broadcast.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.OptedOut)
}

func TestDispatchPending_ConcurrentPassesSendOnce(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	fx.addRecipient(t, activePerson(1, "+15550000001"), models.RecipientStatusPending)
	fx.transport.Delay = 50 * time.Millisecond

	var succeeded int64
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := fx.flow.DispatchPending(context.Background(), fx.broadcast.UUID.String())
			assert.NoError(t, err)
			if report != nil {
				atomic.AddInt64(&succeeded, report.Succeeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fx.transport.SentCount())
	assert.EqualValues(t, 1, succeeded)

	counts, err := fx.recipientRepo.CountsByStatus(context.Background(), fx.broadcast.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Sent)
	assert.EqualValues(t, 0, counts.Pending)
}

// statusRecordingTransport snapshots the ledger status of one entry at the
// moment the transport is invoked
type statusRecordingTransport struct {
	inner        *services.MockTransport
	repo         *fakeRecipientRepo
	entryID      uint
	statusAtSend models.RecipientStatus
}

func (s *statusRecordingTransport) Send(ctx context.Context, msg services.OutboundMessage) (*services.SendResult, error) {
	if e, err := s.repo.ByID(ctx, s.entryID); err == nil && e != nil {
		s.statusAtSend = e.Status
	}
	return s.inner.Send(ctx, msg)
}

func TestDispatchPending_ClaimsEntryBeforeSend(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	entry := fx.addRecipient(t, activePerson(1, "+15550000001"), models.RecipientStatusPending)

	recorder := &statusRecordingTransport{
		inner:   services.NewMockTransport(),
		repo:    fx.recipientRepo,
		entryID: entry.ID,
	}
	aggregator := &fakeAggregator{broadcastRepo: fx.broadcastRepo, recipientRepo: fx.recipientRepo}
	flow := NewDispatchFlow(fx.broadcastRepo, fx.recipientRepo, fx.personRepo, recorder, fx.optOut, aggregator, 1)

	report, err := flow.DispatchPending(context.Background(), fx.broadcast.UUID.String())

	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Succeeded)
	// the entry must leave pending before the provider is contacted
	assert.Equal(t, models.RecipientStatusSent, recorder.statusAtSend)
}

func TestDispatchPending_AckWriteFailureDoesNotResend(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	entry := fx.addRecipient(t, activePerson(1, "+15550000001"), models.RecipientStatusPending)
	fx.recipientRepo.attachErr = errors.New("connection reset by peer")

	report, err := fx.flow.DispatchPending(context.Background(), fx.broadcast.UUID.String())

	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Succeeded)

	got, err := fx.recipientRepo.ByID(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecipientStatusSent, got.Status)
	assert.Nil(t, got.MessageID)

	// a later pass finds nothing pending, so the carrier never gets a duplicate
	fx.recipientRepo.attachErr = nil
	_, err = fx.flow.DispatchPending(context.Background(), fx.broadcast.UUID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, fx.transport.SentCount())
}

func TestDispatchPending_MissingPersonMarksFailed(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	entry := &models.BroadcastRecipient{
		BroadcastID: fx.broadcast.ID,
		PersonID:    999,
		Status:      models.RecipientStatusPending,
	}
	_, err := fx.recipientRepo.CreateEntries(context.Background(), []*models.BroadcastRecipient{entry})
	require.NoError(t, err)

	report, err := fx.flow.DispatchPending(context.Background(), fx.broadcast.UUID.String())

	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Failed)
	assert.Equal(t, 0, fx.transport.SentCount())
}

func TestDispatchPending_RejectsNonSendingBroadcast(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusDraft)

	_, err := fx.flow.DispatchPending(context.Background(), fx.broadcast.UUID.String())

	require.Error(t, err)
	assert.True(t, IsInvalidBroadcastState(err))
}

func TestDispatchPending_UnknownBroadcast(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)

	_, err := fx.flow.DispatchPending(context.Background(), uuid.NewString())

	require.Error(t, err)
	assert.True(t, IsBroadcastNotFound(err))
}

func TestRetryEligible_ReenqueuesBelowCap(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)

	retryable := fx.addRecipient(t, activePerson(1, "+15550000001"), models.RecipientStatusFailed)
	retryable.RetryCount = 1
	_, err := fx.recipientRepo.TransitionGuarded(context.Background(), retryable, models.RecipientStatusFailed)
	require.NoError(t, err)

	exhausted := fx.addRecipient(t, activePerson(2, "+15550000002"), models.RecipientStatusFailed)
	exhausted.RetryCount = models.MaxSendRetries
	_, err = fx.recipientRepo.TransitionGuarded(context.Background(), exhausted, models.RecipientStatusFailed)
	require.NoError(t, err)

	report, err := fx.flow.RetryEligible(context.Background(), fx.broadcast.UUID.String())

	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Reenqueued)

	counts, err := fx.recipientRepo.CountsByStatus(context.Background(), fx.broadcast.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Pending)
	assert.EqualValues(t, 1, counts.Failed)

	pending, err := fx.recipientRepo.ListPending(context.Background(), fx.broadcast.ID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].RetryCount)
}

func TestHandleReceipt_Delivered(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	entry := sentEntry(t, fx, activePerson(1, "+15550000001"), "msg-1")

	err := fx.flow.HandleReceipt(context.Background(), &dto.DeliveryReceiptRequest{
		MessageID: "msg-1",
		Status:    "delivered",
	})

	require.NoError(t, err)
	got, err := fx.recipientRepo.ByID(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecipientStatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)
}

func TestHandleReceipt_ReadImpliesDelivered(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	entry := sentEntry(t, fx, activePerson(1, "+15550000001"), "msg-1")

	err := fx.flow.HandleReceipt(context.Background(), &dto.DeliveryReceiptRequest{
		MessageID: "msg-1",
		Status:    "read",
	})

	require.NoError(t, err)
	got, err := fx.recipientRepo.ByID(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecipientStatusRead, got.Status)
	assert.NotNil(t, got.DeliveredAt)
	assert.NotNil(t, got.ReadAt)
}

func TestHandleReceipt_Failed(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	entry := sentEntry(t, fx, activePerson(1, "+15550000001"), "msg-1")

	err := fx.flow.HandleReceipt(context.Background(), &dto.DeliveryReceiptRequest{
		MessageID:   "msg-1",
		Status:      "failed",
		Description: "handset unreachable",
	})

	require.NoError(t, err)
	got, err := fx.recipientRepo.ByID(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecipientStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "handset unreachable", *got.FailureReason)
}

func TestHandleReceipt_UnknownMessageIDIsNoOp(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)

	err := fx.flow.HandleReceipt(context.Background(), &dto.DeliveryReceiptRequest{
		MessageID: "never-seen",
		Status:    "delivered",
	})

	assert.NoError(t, err)
}

func TestHandleReceipt_DuplicateDeliveredIsInvalidTransition(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	sentEntry(t, fx, activePerson(1, "+15550000001"), "msg-1")

	req := &dto.DeliveryReceiptRequest{MessageID: "msg-1", Status: "delivered"}
	require.NoError(t, fx.flow.HandleReceipt(context.Background(), req))

	err := fx.flow.HandleReceipt(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
}

func TestHandleReceipt_OptOutFlagRecordsNumber(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	sentEntry(t, fx, activePerson(1, "+15550000001"), "msg-1")

	err := fx.flow.HandleReceipt(context.Background(), &dto.DeliveryReceiptRequest{
		MessageID: "msg-1",
		Status:    "delivered",
		OptOut:    true,
	})

	require.NoError(t, err)
	opted, err := fx.optOut.IsOptedOut(context.Background(), 42, "+15550000001")
	require.NoError(t, err)
	assert.True(t, opted)
}

func TestHandleReceipt_SettlesBroadcastWhenLedgerTerminal(t *testing.T) {
	fx := newDispatchFixture(t, models.BroadcastStatusSending)
	sentEntry(t, fx, activePerson(1, "+15550000001"), "msg-1")

	err := fx.flow.HandleReceipt(context.Background(), &dto.DeliveryReceiptRequest{
		MessageID: "msg-1",
		Status:    "delivered",
	})
	require.NoError(t, err)

	broadcast, err := fx.broadcastRepo.ByID(context.Background(), fx.broadcast.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, broadcast.Status)
	assert.EqualValues(t, 1, broadcast.DeliveredCount)
}

// sentEntry seeds a recipient already in sent state carrying a message id
func sentEntry(t *testing.T, fx *dispatchFixture, person models.Person, messageID string) *models.BroadcastRecipient {
	t.Helper()
	entry := fx.addRecipient(t, person, models.RecipientStatusPending)
	now := time.Now().UTC()
	next, ok := models.NextRecipientState(*entry, models.RecipientStatusSent, models.TransitionMeta{
		At:        now,
		MessageID: &messageID,
	})
	require.True(t, ok)
	moved, err := fx.recipientRepo.TransitionGuarded(context.Background(), &next, models.RecipientStatusPending)
	require.NoError(t, err)
	require.True(t, moved)
	return &next
}

func statusPtr(s models.RecipientStatus) *models.RecipientStatus { return &s }
