package businessflow

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percytech/broadcast-pipeline/app/dto"
	"github.com/percytech/broadcast-pipeline/app/services"
	"github.com/percytech/broadcast-pipeline/models"
)

type broadcastFixture struct {
	broadcastRepo *fakeBroadcastRepo
	recipientRepo *fakeRecipientRepo
	personRepo    *fakePersonRepo
	compliance    *services.MockComplianceGate
	flow          BroadcastFlow
}

func newBroadcastFixture(t *testing.T) *broadcastFixture {
	t.Helper()

	broadcastRepo := newFakeBroadcastRepo()
	recipientRepo := newFakeRecipientRepo()
	personRepo := newFakePersonRepo(42)
	compliance := services.NewMockComplianceGate()
	aggregator := &fakeAggregator{broadcastRepo: broadcastRepo, recipientRepo: recipientRepo}
	resolver := NewRecipientResolver(personRepo)

	return &broadcastFixture{
		broadcastRepo: broadcastRepo,
		recipientRepo: recipientRepo,
		personRepo:    personRepo,
		compliance:    compliance,
		flow:          NewBroadcastFlow(broadcastRepo, recipientRepo, resolver, aggregator, compliance, nil),
	}
}

func createRequest() *dto.CreateBroadcastRequest {
	return &dto.CreateBroadcastRequest{
		InboxID:    42,
		SenderID:   7,
		CampaignID: 9001,
		FromNumber: "+15550009999",
		Title:      "Spring promo",
		Body:       "Hello from the team",
		SearchCriteria: dto.SearchCriteriaDTO{
			InboxID: 42,
		},
	}
}

func TestCreateBroadcast(t *testing.T) {
	fx := newBroadcastFixture(t)

	resp, err := fx.flow.CreateBroadcast(context.Background(), createRequest(), nil)

	require.NoError(t, err)
	require.NotEmpty(t, resp.UUID)
	assert.Equal(t, models.BroadcastStatusDraft.String(), resp.Status)

	stored, err := fx.broadcastRepo.ByUUID(context.Background(), resp.UUID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.BroadcastTypeImmediate, stored.Type)
	assert.EqualValues(t, 42, stored.SearchCriteria.InboxID)
	assert.False(t, stored.IsMMS)
}

func TestCreateBroadcast_MMSFromMedia(t *testing.T) {
	fx := newBroadcastFixture(t)
	req := createRequest()
	req.MediaURLs = []string{"https://cdn.example.com/promo.png"}

	resp, err := fx.flow.CreateBroadcast(context.Background(), req, nil)

	require.NoError(t, err)
	stored, err := fx.broadcastRepo.ByUUID(context.Background(), resp.UUID)
	require.NoError(t, err)
	assert.True(t, stored.IsMMS)
}

func TestCreateBroadcast_RejectsBadType(t *testing.T) {
	fx := newBroadcastFixture(t)
	req := createRequest()
	req.Type = "carrier_pigeon"

	_, err := fx.flow.CreateBroadcast(context.Background(), req, nil)

	require.Error(t, err)
}

func TestCreateBroadcast_RejectsCriteriaWithoutInbox(t *testing.T) {
	fx := newBroadcastFixture(t)
	req := createRequest()
	req.SearchCriteria.InboxID = 0

	_, err := fx.flow.CreateBroadcast(context.Background(), req, nil)

	require.Error(t, err)
	assert.True(t, IsInvalidCriteria(err))
}

func TestScheduleBroadcast(t *testing.T) {
	fx := newBroadcastFixture(t)
	resp, err := fx.flow.CreateBroadcast(context.Background(), createRequest(), nil)
	require.NoError(t, err)

	scheduledAt := time.Now().UTC().Add(time.Hour)
	got, err := fx.flow.ScheduleBroadcast(context.Background(), &dto.ScheduleBroadcastRequest{
		UUID:        resp.UUID,
		ScheduledAt: scheduledAt,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusScheduled.String(), got.Status)
	require.NotNil(t, got.ScheduledAt)
	assert.WithinDuration(t, scheduledAt, *got.ScheduledAt, time.Second)
}

func TestScheduleBroadcast_RejectsPastTime(t *testing.T) {
	fx := newBroadcastFixture(t)
	resp, err := fx.flow.CreateBroadcast(context.Background(), createRequest(), nil)
	require.NoError(t, err)

	_, err = fx.flow.ScheduleBroadcast(context.Background(), &dto.ScheduleBroadcastRequest{
		UUID:        resp.UUID,
		ScheduledAt: time.Now().UTC().Add(-time.Minute),
	}, nil)

	require.Error(t, err)
	assert.True(t, IsScheduleTimeInPast(err))
}

func TestScheduleBroadcast_UnknownUUID(t *testing.T) {
	fx := newBroadcastFixture(t)

	_, err := fx.flow.ScheduleBroadcast(context.Background(), &dto.ScheduleBroadcastRequest{
		UUID:        uuid.NewString(),
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	}, nil)

	require.Error(t, err)
	assert.True(t, IsBroadcastNotFound(err))
}

func TestCancelBroadcast_RejectsSending(t *testing.T) {
	fx := newBroadcastFixture(t)
	broadcast := &models.Broadcast{UUID: uuid.New(), Status: models.BroadcastStatusSending}
	require.NoError(t, fx.broadcastRepo.Save(context.Background(), broadcast))

	_, err := fx.flow.CancelBroadcast(context.Background(), &dto.CancelBroadcastRequest{UUID: broadcast.UUID.String()}, nil)

	require.Error(t, err)
	assert.True(t, IsBroadcastNotCancellable(err))
}

func TestCancelBroadcast_SuppressesPendingEntries(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()
	resp, err := fx.flow.CreateBroadcast(ctx, createRequest(), nil)
	require.NoError(t, err)
	stored, err := fx.broadcastRepo.ByUUID(ctx, resp.UUID)
	require.NoError(t, err)

	entries := []*models.BroadcastRecipient{
		{BroadcastID: stored.ID, PersonID: 1, Status: models.RecipientStatusPending},
		{BroadcastID: stored.ID, PersonID: 2, Status: models.RecipientStatusPending},
	}
	_, err = fx.recipientRepo.CreateEntries(ctx, entries)
	require.NoError(t, err)

	got, err := fx.flow.CancelBroadcast(ctx, &dto.CancelBroadcastRequest{UUID: resp.UUID}, nil)

	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCancelled.String(), got.Status)

	suppressed, err := fx.recipientRepo.ByFilter(ctx, models.BroadcastRecipientFilter{BroadcastID: &stored.ID}, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, suppressed, 2)
	for _, e := range suppressed {
		assert.Equal(t, models.RecipientStatusOptedOut, e.Status)
		require.NotNil(t, e.FailureReason)
		assert.Contains(t, *e.FailureReason, "cancelled")
		assert.False(t, e.UpdatedAt.IsZero())
	}
}

func TestSubmitBroadcast_RejectsNonSubmittableStatus(t *testing.T) {
	fx := newBroadcastFixture(t)
	broadcast := &models.Broadcast{UUID: uuid.New(), Status: models.BroadcastStatusCompleted}
	require.NoError(t, fx.broadcastRepo.Save(context.Background(), broadcast))

	_, err := fx.flow.SubmitBroadcast(context.Background(), &dto.SubmitBroadcastRequest{UUID: broadcast.UUID.String()}, nil)

	require.Error(t, err)
	assert.True(t, IsInvalidBroadcastState(err))
}

func TestSubmitBroadcast_ComplianceBlocked(t *testing.T) {
	fx := newBroadcastFixture(t)
	resp, err := fx.flow.CreateBroadcast(context.Background(), createRequest(), nil)
	require.NoError(t, err)
	fx.compliance.Block("9001", "campaign suspended by registry")

	_, err = fx.flow.SubmitBroadcast(context.Background(), &dto.SubmitBroadcastRequest{UUID: resp.UUID}, nil)

	require.Error(t, err)
	assert.True(t, IsComplianceBlocked(err))

	// nothing was materialized and the broadcast stayed put
	stored, err := fx.broadcastRepo.ByUUID(context.Background(), resp.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusDraft, stored.Status)
	total, err := fx.recipientRepo.CountByBroadcast(context.Background(), stored.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
}

func TestSubmitBroadcast_InvalidCriteria(t *testing.T) {
	fx := newBroadcastFixture(t)
	req := createRequest()
	req.SearchCriteria.Tags = []string{"never-created"}
	resp, err := fx.flow.CreateBroadcast(context.Background(), req, nil)
	require.NoError(t, err)

	_, err = fx.flow.SubmitBroadcast(context.Background(), &dto.SubmitBroadcastRequest{UUID: resp.UUID}, nil)

	require.Error(t, err)
	assert.True(t, IsInvalidCriteria(err))
}

func TestSubmitBroadcast_MaterializesLedgerAndStartsSending(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()
	fx.personRepo.add(activePerson(1, "+15550000001"))
	fx.personRepo.add(activePerson(2, "+15550000002"))
	resp, err := fx.flow.CreateBroadcast(ctx, createRequest(), nil)
	require.NoError(t, err)

	got, err := fx.flow.SubmitBroadcast(ctx, &dto.SubmitBroadcastRequest{UUID: resp.UUID}, nil)

	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusSending.String(), got.Status)
	assert.EqualValues(t, 2, got.TotalRecipients)
	assert.EqualValues(t, 2, got.EntriesCreated)

	stored, err := fx.broadcastRepo.ByUUID(ctx, resp.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusSending, stored.Status)
	assert.EqualValues(t, 2, stored.TotalRecipients)

	pending, err := fx.recipientRepo.ListPending(ctx, stored.ID, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSubmitBroadcast_EmptyAudienceCompletes(t *testing.T) {
	fx := newBroadcastFixture(t)
	resp, err := fx.flow.CreateBroadcast(context.Background(), createRequest(), nil)
	require.NoError(t, err)

	got, err := fx.flow.SubmitBroadcast(context.Background(), &dto.SubmitBroadcastRequest{UUID: resp.UUID}, nil)

	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted.String(), got.Status)
	assert.EqualValues(t, 0, got.TotalRecipients)

	// the broadcast passes through sending and settles on the recount
	stored, err := fx.broadcastRepo.ByUUID(context.Background(), resp.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, stored.Status)
	assert.NotNil(t, stored.SentAt)
	assert.NotNil(t, stored.CompletedAt)
}

func TestGetBroadcast_NotFound(t *testing.T) {
	fx := newBroadcastFixture(t)

	_, err := fx.flow.GetBroadcast(context.Background(), uuid.NewString())

	require.Error(t, err)
	assert.True(t, IsBroadcastNotFound(err))
}

func TestListBroadcasts_Paginates(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := fx.flow.CreateBroadcast(ctx, createRequest(), nil)
		require.NoError(t, err)
	}

	page1, err := fx.flow.ListBroadcasts(ctx, &dto.ListBroadcastsRequest{InboxID: 42, Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page1.Items, 2)
	assert.EqualValues(t, 5, page1.Pagination.Total)
	assert.Equal(t, 1, page1.Pagination.Page)

	page3, err := fx.flow.ListBroadcasts(ctx, &dto.ListBroadcastsRequest{InboxID: 42, Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page3.Items, 1)
}

func TestListBroadcasts_DefaultsAndBounds(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()

	resp, err := fx.flow.ListBroadcasts(ctx, &dto.ListBroadcastsRequest{InboxID: 42})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Pagination.Page)
	assert.Equal(t, 20, resp.Pagination.PageSize)

	_, err = fx.flow.ListBroadcasts(ctx, &dto.ListBroadcastsRequest{InboxID: 42, PageSize: 500})
	require.Error(t, err)

	_, err = fx.flow.ListBroadcasts(ctx, &dto.ListBroadcastsRequest{InboxID: 42, Status: "nonsense"})
	require.Error(t, err)
}

func TestListBroadcasts_FiltersByStatus(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()
	_, err := fx.flow.CreateBroadcast(ctx, createRequest(), nil)
	require.NoError(t, err)
	scheduled := &models.Broadcast{UUID: uuid.New(), InboxID: 42, Status: models.BroadcastStatusScheduled}
	require.NoError(t, fx.broadcastRepo.Save(ctx, scheduled))

	resp, err := fx.flow.ListBroadcasts(ctx, &dto.ListBroadcastsRequest{InboxID: 42, Status: "scheduled"})

	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "scheduled", resp.Items[0].Status)
}

func TestGetBroadcastStats(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()
	broadcast := &models.Broadcast{UUID: uuid.New(), InboxID: 42, Status: models.BroadcastStatusSending}
	require.NoError(t, fx.broadcastRepo.Save(ctx, broadcast))

	entries := []*models.BroadcastRecipient{
		{BroadcastID: broadcast.ID, PersonID: 1, Status: models.RecipientStatusDelivered},
		{BroadcastID: broadcast.ID, PersonID: 2, Status: models.RecipientStatusSent},
		{BroadcastID: broadcast.ID, PersonID: 3, Status: models.RecipientStatusFailed},
	}
	_, err := fx.recipientRepo.CreateEntries(ctx, entries)
	require.NoError(t, err)

	stats, err := fx.flow.GetBroadcastStats(ctx, broadcast.UUID.String())

	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalRecipients)
	assert.EqualValues(t, 2, stats.Sent)
	assert.EqualValues(t, 1, stats.Delivered)
	assert.EqualValues(t, 1, stats.Failed)
	// one entry still in flight, so the broadcast has not settled
	assert.Equal(t, models.BroadcastStatusSending.String(), stats.Status)
}

func TestBuildDeliveryReport(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()
	broadcast := &models.Broadcast{UUID: uuid.New(), InboxID: 42, Status: models.BroadcastStatusCompleted}
	require.NoError(t, fx.broadcastRepo.Save(ctx, broadcast))

	msgID := "msg-1"
	now := time.Now().UTC()
	entries := []*models.BroadcastRecipient{
		{BroadcastID: broadcast.ID, PersonID: 1, Status: models.RecipientStatusDelivered, SentAt: &now, DeliveredAt: &now, MessageID: &msgID},
		{BroadcastID: broadcast.ID, PersonID: 2, Status: models.RecipientStatusFailed, FailedAt: &now},
	}
	_, err := fx.recipientRepo.CreateEntries(ctx, entries)
	require.NoError(t, err)

	report, err := fx.flow.BuildDeliveryReport(ctx, broadcast.UUID.String())

	require.NoError(t, err)
	require.NotEmpty(t, report)
	// XLSX files are zip archives
	assert.True(t, bytes.HasPrefix(report, []byte("PK")))
}
