package services

import (
	"context"
	"net/url"
	"testing"
	"time"

	gateway "github.com/nimasrn/chat-relay/internal/gateways"
	"github.com/nimasrn/chat-relay/internal/model"
	"github.com/nimasrn/chat-relay/internal/phone"
	"github.com/nimasrn/chat-relay/internal/realtime"
	"github.com/nimasrn/chat-relay/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*ReconcilerService, *repository.MessageRepository, *recordingBroadcaster) {
	repo := newTestRepository(t)
	fanout := &recordingBroadcaster{}
	return NewReconcilerService(repo, phone.NewNormalizer(""), fanout), repo, fanout
}

func seedSent(t *testing.T, repo *repository.MessageRepository, sid string) *model.Message {
	t.Helper()
	ctx := context.Background()
	msg, err := repo.Create(ctx, &model.Message{
		GatewayMessageID: model.InterimIDPrefix + sid,
		ConversationID:   "C1",
		Direction:        model.DirectionOutbound,
		Body:             "hello",
		From:             "+15550000000",
		To:               "+15551234567",
		Status:           model.MessageStatusQueued,
	})
	require.NoError(t, err)
	msg, err = repo.MarkSent(ctx, msg.ID, sid, time.Now().UTC())
	require.NoError(t, err)
	return msg
}

func TestMapGatewayStatus(t *testing.T) {
	cases := map[string]model.MessageStatus{
		"accepted":    model.MessageStatusQueued,
		"scheduled":   model.MessageStatusQueued,
		"sending":     model.MessageStatusSending,
		"sent":        model.MessageStatusSent,
		"Delivered":   model.MessageStatusDelivered,
		" read ":      model.MessageStatusRead,
		"receiving":   model.MessageStatusReceived,
		"canceled":    model.MessageStatusFailed,
		"undelivered": model.MessageStatusUndelivered,
	}
	for in, want := range cases {
		got, ok := MapGatewayStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := MapGatewayStatus("partially_delivered")
	assert.False(t, ok)
}

func TestReconcilerService_HandleStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("forward transition broadcasts snapshot", func(t *testing.T) {
		svc, repo, fanout := newTestReconciler(t)
		seedSent(t, repo, "SM1")

		outcome, err := svc.HandleStatus(ctx, StatusCallback{MessageID: "SM1", Status: "delivered"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		events := fanout.byEvent(realtime.EventStatusUpdate)
		require.Len(t, events, 1)
		snapshot := events[0].payload.(*model.Message)
		assert.Equal(t, model.MessageStatusDelivered, snapshot.Status)
		assert.NotNil(t, snapshot.DeliveredAt)
	})

	t.Run("out of order keeps the furthest status", func(t *testing.T) {
		svc, repo, fanout := newTestReconciler(t)
		seedSent(t, repo, "SM2")

		for _, s := range []string{"read", "delivered", "sent"} {
			_, err := svc.HandleStatus(ctx, StatusCallback{MessageID: "SM2", Status: s})
			require.NoError(t, err)
		}

		got, err := repo.FindByGatewayID(ctx, "SM2")
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusRead, got.Status)
		assert.NotNil(t, got.ReadAt)
		assert.NotNil(t, got.DeliveredAt)
		assert.NotNil(t, got.SentAt)
		assert.Len(t, fanout.all(), 1)
	})

	t.Run("failure without code records UNKNOWN", func(t *testing.T) {
		svc, repo, _ := newTestReconciler(t)
		seedSent(t, repo, "SM3")

		outcome, err := svc.HandleStatus(ctx, StatusCallback{MessageID: "SM3", Status: "undelivered"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		got, err := repo.FindByGatewayID(ctx, "SM3")
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusUndelivered, got.Status)
		assert.Equal(t, gateway.CodeUnknown, got.ErrorCode)
		assert.NotNil(t, got.FailedAt)

		outcome, err = svc.HandleStatus(ctx, StatusCallback{MessageID: "SM3", Status: "delivered"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnchanged, outcome)
	})

	t.Run("untracked and unrecognized are benign", func(t *testing.T) {
		svc, _, fanout := newTestReconciler(t)

		outcome, err := svc.HandleStatus(ctx, StatusCallback{MessageID: "SMx", Status: "delivered"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotTracked, outcome)

		outcome, err = svc.HandleStatus(ctx, StatusCallback{MessageID: "SMx", Status: "teleported"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)
		assert.Empty(t, fanout.all())
	})
}

func TestReconcilerService_HandleInbound(t *testing.T) {
	svc, repo, fanout := newTestReconciler(t)
	ctx := context.Background()

	in := InboundMessage{
		MessageID:   "SMin1",
		From:        "whatsapp:+15551234567",
		To:          "whatsapp:+15550000000",
		Body:        "hi there",
		ProfileName: "Ana",
	}
	outcome, msg, err := svc.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, "+15551234567", msg.From)
	assert.Equal(t, "+15551234567", msg.ConversationID)
	assert.Equal(t, model.DirectionInbound, msg.Direction)
	assert.Equal(t, model.MessageStatusReceived, msg.Status)
	assert.Equal(t, "Ana", msg.ContactName)
	require.Len(t, fanout.byEvent(realtime.EventNewMessage), 1)

	outcome, _, err = svc.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.Len(t, fanout.byEvent(realtime.EventNewMessage), 1)
	assert.Equal(t, int64(1), countMessages(t, repo))

	t.Run("joins the counterparty's latest conversation", func(t *testing.T) {
		seedSent(t, repo, "SMout")
		in2 := in
		in2.MessageID = "SMin2"
		_, msg, err := svc.HandleInbound(ctx, in2)
		require.NoError(t, err)
		assert.Equal(t, "C1", msg.ConversationID)
	})
}

// Queued, sent, delivered and then a duplicate delivered callback.
func TestDeliveryAndReconciliation_EndToEnd(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, nil)
	reconciler := NewReconcilerService(f.repo, phone.NewNormalizer("1"), f.fanout)
	ctx := context.Background()

	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).Return(&gateway.MessageResource{SID: "SMc1"}, nil).Once()

	res := f.service.Submit(ctx, textRequest("+15551234567"))
	require.Nil(t, res.Error)
	require.Equal(t, model.MessageStatusSent, res.Status)

	outcome, err := reconciler.HandleStatus(ctx, StatusCallback{MessageID: "SMc1", Status: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	after, err := f.repo.FindByGatewayID(ctx, "SMc1")
	require.NoError(t, err)

	outcome, err = reconciler.HandleStatus(ctx, StatusCallback{MessageID: "SMc1", Status: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	again, err := f.repo.FindByGatewayID(ctx, "SMc1")
	require.NoError(t, err)

	assert.Equal(t, model.MessageStatusDelivered, again.Status)
	assert.Equal(t, after.DeliveredAt, again.DeliveredAt)
	assert.Equal(t, after.SentAt, again.SentAt)

	events := f.fanout.all()
	require.Len(t, events, 2)
	assert.Equal(t, realtime.EventNewMessage, events[0].event)
	assert.Equal(t, realtime.EventStatusUpdate, events[1].event)
}

// The gateway calls back with delivered before the submit response lands.
func TestDeliveryAndReconciliation_CallbackBeatsSubmitResponse(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, nil)
	reconciler := NewReconcilerService(f.repo, phone.NewNormalizer("1"), f.fanout)
	ctx := context.Background()

	var early ReconcileOutcome
	var earlyErr error
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			u, _ := url.Parse(args.Get(1).(*gateway.SubmitRequest).StatusCallback)
			early, earlyErr = reconciler.HandleStatus(ctx, StatusCallback{
				MessageID: "SMe1",
				Status:    "delivered",
				Ref:       u.Query().Get(CallbackRefParam),
			})
		}).
		Return(&gateway.MessageResource{SID: "SMe1"}, nil).Once()

	res := f.service.Submit(ctx, textRequest("+15551234567"))
	require.Nil(t, res.Error)
	require.NoError(t, earlyErr)
	assert.Equal(t, OutcomeApplied, early)

	stored, err := f.repo.FindByGatewayID(ctx, "SMe1")
	require.NoError(t, err)
	assert.Equal(t, res.MessageID, stored.ID)
	assert.Equal(t, model.MessageStatusDelivered, stored.Status)
	assert.NotNil(t, stored.DeliveredAt)
	assert.NotNil(t, stored.SentAt)

	// later callbacks find the record by its gateway id alone
	outcome, err := reconciler.HandleStatus(ctx, StatusCallback{MessageID: "SMe1", Status: "read"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestReconcilerService_HandleStatus_IgnoresForeignRef(t *testing.T) {
	svc, repo, _ := newTestReconciler(t)
	ctx := context.Background()
	seedSent(t, repo, "SMf1")

	outcome, err := svc.HandleStatus(ctx, StatusCallback{MessageID: "SMf1", Status: "delivered", Ref: "not-ours"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := repo.FindByGatewayID(ctx, "SMf1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusDelivered, got.Status)
}

func TestReconcilerService_Sweep(t *testing.T) {
	repo := newTestRepository(t)
	fanout := &recordingBroadcaster{}
	gw := new(MockGateway)
	svc := NewReconcilerService(repo, phone.NewNormalizer(""), fanout,
		WithStatusSweep(gw, SweepConfig{StaleAfter: time.Minute, MaxAge: 24 * time.Hour, Batch: 10}))
	ctx := context.Background()

	old := time.Now().UTC().Add(-10 * time.Minute)
	age := func(sid string) {
		t.Helper()
		require.NoError(t, repo.Write(ctx).Model(&repository.MessageEntity{}).
			Where("gateway_message_id = ?", sid).
			UpdateColumn("updated_at", old).Error)
	}

	seedSent(t, repo, "SMw1")
	age("SMw1")
	seedSent(t, repo, "SMw2")
	age("SMw2")
	seedSent(t, repo, "SMw3")
	age("SMw3")
	seedSent(t, repo, "SMw4")

	code, reason := 63016, "outside window"
	gw.On("FetchMessage", mock.Anything, "SMw1").Return(&gateway.MessageResource{SID: "SMw1", Status: "delivered"}, nil).Once()
	gw.On("FetchMessage", mock.Anything, "SMw2").
		Return(&gateway.MessageResource{SID: "SMw2", Status: "undelivered", ErrorCode: &code, ErrorMessage: &reason}, nil).Once()
	gw.On("FetchMessage", mock.Anything, "SMw3").Return(&gateway.MessageResource{SID: "SMw3", Status: "sent"}, nil).Once()

	moved, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	delivered, err := repo.FindByGatewayID(ctx, "SMw1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusDelivered, delivered.Status)

	failed, err := repo.FindByGatewayID(ctx, "SMw2")
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusUndelivered, failed.Status)
	assert.Equal(t, "63016", failed.ErrorCode)
	assert.Equal(t, "outside window", failed.ErrorMessage)

	assert.Len(t, fanout.byEvent(realtime.EventStatusUpdate), 2)
	gw.AssertNotCalled(t, "FetchMessage", mock.Anything, "SMw4")

	// an unchanged fetch counts as activity, so the next pass skips it
	moved, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
	gw.AssertExpectations(t)
}

func TestReconcilerService_SweepWithoutFetcher(t *testing.T) {
	svc, _, _ := newTestReconciler(t)
	moved, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)
}
