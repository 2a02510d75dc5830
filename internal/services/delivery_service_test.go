package services

import (
	"context"
	"errors"
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

type deliveryFixture struct {
	service *DeliveryService
	repo    *repository.MessageRepository
	gw      *MockGateway
	fanout  *recordingBroadcaster
}

func newDeliveryFixture(t *testing.T, syncWait time.Duration, idem *IdempotencyService) *deliveryFixture {
	f := &deliveryFixture{
		repo:   newTestRepository(t),
		gw:     new(MockGateway),
		fanout: &recordingBroadcaster{},
	}
	f.service = NewDeliveryService(f.repo, f.gw, phone.NewNormalizer("1"), f.fanout, idem, DeliveryConfig{
		FromNumber:        "+15550000000",
		StatusCallbackURL: "https://relay.example.com/webhook/status",
		SyncWait:          syncWait,
		Workers:           2,
		QueueSize:         16,
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
	})
	f.service.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.service.Shutdown(ctx)
	})
	return f
}

func textRequest(to string) model.SendMessageRequest {
	return model.SendMessageRequest{ConversationID: "C1", To: to, Body: "hello"}
}

func TestDeliveryService_Submit_RejectsBeforeStoring(t *testing.T) {
	f := newDeliveryFixture(t, time.Second, nil)
	ctx := context.Background()

	t.Run("missing content", func(t *testing.T) {
		res := f.service.Submit(ctx, model.SendMessageRequest{ConversationID: "C1", To: "+15551234567"})
		require.NotNil(t, res.Error)
		assert.Equal(t, model.ErrorKindValidation, res.Error.Kind)
		assert.False(t, res.Accepted)
	})

	t.Run("missing conversation", func(t *testing.T) {
		req := textRequest("+15551234567")
		req.ConversationID = ""
		res := f.service.Submit(ctx, req)
		require.NotNil(t, res.Error)
		assert.Equal(t, model.ErrorKindValidation, res.Error.Kind)
		assert.Contains(t, res.Error.Message, "conversationId")
	})

	t.Run("invalid recipient", func(t *testing.T) {
		res := f.service.Submit(ctx, textRequest("abc"))
		require.NotNil(t, res.Error)
		assert.Equal(t, model.ErrorKindInvalidPhone, res.Error.Kind)
	})

	t.Run("invalid sender", func(t *testing.T) {
		req := textRequest("+15551234567")
		req.From = "12"
		res := f.service.Submit(ctx, req)
		require.NotNil(t, res.Error)
		assert.Equal(t, model.ErrorKindInvalidPhone, res.Error.Kind)
	})

	assert.Zero(t, countMessages(t, f.repo))
	f.gw.AssertNotCalled(t, "SubmitMessage", mock.Anything, mock.Anything)
}

func TestDeliveryService_Submit_Sent(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, nil)
	ctx := context.Background()

	f.gw.On("SubmitMessage", mock.Anything, mock.MatchedBy(func(r *gateway.SubmitRequest) bool {
		return r.To == "whatsapp:+15551234567" && r.From == "whatsapp:+15550000000" &&
			r.Body == "hello" && r.StatusCallback != ""
	})).Return(&gateway.MessageResource{SID: "SM1", Status: "queued"}, nil).Once()

	res := f.service.Submit(ctx, textRequest("(555) 123-4567"))
	require.Nil(t, res.Error)
	assert.True(t, res.Accepted)
	assert.False(t, res.Pending)
	assert.Equal(t, "SM1", res.GatewayMessageID)
	assert.Equal(t, model.MessageStatusSent, res.Status)
	assert.Equal(t, 1, res.Attempts)

	stored, err := f.repo.FindByGatewayID(ctx, "SM1")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", stored.To)
	assert.Equal(t, "C1", stored.ConversationID)
	assert.NotNil(t, stored.SentAt)

	events := f.fanout.byEvent(realtime.EventNewMessage)
	require.Len(t, events, 1)
	assert.Equal(t, "C1", events[0].conversation)
	f.gw.AssertExpectations(t)
}

func TestDeliveryService_Submit_RetriesTransientFailures(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, nil)

	busy := &gateway.Error{StatusCode: 429, Code: gateway.CodeTooManyRequests, Message: "too many requests"}
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).Return(nil, busy).Times(3)
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).Return(&gateway.MessageResource{SID: "SM2"}, nil).Once()

	res := f.service.Submit(context.Background(), textRequest("+15551234567"))
	require.Nil(t, res.Error)
	assert.Equal(t, "SM2", res.GatewayMessageID)
	assert.Equal(t, 4, res.Attempts)
	f.gw.AssertNumberOfCalls(t, "SubmitMessage", 4)
}

func TestDeliveryService_Submit_ExhaustedRetriesFail(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, nil)

	down := &gateway.Error{StatusCode: 503, Message: "unavailable"}
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).Return(nil, down)

	res := f.service.Submit(context.Background(), textRequest("+15551234567"))
	require.NotNil(t, res.Error)
	assert.True(t, res.Accepted)
	assert.Equal(t, model.ErrorKindGateway, res.Error.Kind)
	assert.Equal(t, model.MessageStatusFailed, res.Status)
	assert.Equal(t, 4, res.Attempts)

	stored, err := f.repo.FindByID(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "503", stored.ErrorCode)
	assert.NotNil(t, stored.FailedAt)
	assert.Len(t, f.fanout.byEvent(realtime.EventStatusUpdate), 1)
}

func TestDeliveryService_Submit_PermanentFailureIsNotRetried(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, nil)

	invalid := &gateway.Error{StatusCode: 400, Code: "21211", Message: "invalid To number"}
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).Return(nil, invalid).Once()

	res := f.service.Submit(context.Background(), textRequest("+15551234567"))
	require.NotNil(t, res.Error)
	assert.Equal(t, "21211", res.Error.Code)
	assert.Equal(t, 1, res.Attempts)

	stored, err := f.repo.FindByID(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, stored.Status)
	assert.Equal(t, "invalid To number", stored.ErrorMessage)
	assert.True(t, stored.HasInterimID())
}

func TestDeliveryService_Submit_PendingKeepsRunning(t *testing.T) {
	f := newDeliveryFixture(t, 0, nil)

	release := make(chan struct{})
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&gateway.MessageResource{SID: "SM3"}, nil).Once()

	res := f.service.Submit(context.Background(), textRequest("+15551234567"))
	require.Nil(t, res.Error)
	assert.True(t, res.Pending)
	assert.Contains(t, res.GatewayMessageID, model.InterimIDPrefix)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.service.Shutdown(ctx))

	stored, err := f.repo.FindByID(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "SM3", stored.GatewayMessageID)
	assert.Equal(t, model.MessageStatusSent, stored.Status)
}

func TestDeliveryService_Submit_AfterShutdownRecordsFailure(t *testing.T) {
	f := newDeliveryFixture(t, time.Second, nil)
	require.NoError(t, f.service.Shutdown(context.Background()))

	res := f.service.Submit(context.Background(), textRequest("+15551234567"))
	require.NotNil(t, res.Error)
	assert.Equal(t, ErrorCodeQueueUnavailable, res.Error.Code)

	stored, err := f.repo.FindByID(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, stored.Status)
	f.gw.AssertNotCalled(t, "SubmitMessage", mock.Anything, mock.Anything)
}

func TestDeliveryService_Submit_IdempotencyKey(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, newTestIdempotency(t))
	ctx := context.Background()
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).Return(&gateway.MessageResource{SID: "SM4"}, nil).Once()

	req := textRequest("+15551234567")
	req.IdempotencyKey = "order-42"
	first := f.service.Submit(ctx, req)
	require.Nil(t, first.Error)

	second := f.service.Submit(ctx, req)
	require.Nil(t, second.Error)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, "SM4", second.GatewayMessageID)

	assert.Equal(t, int64(1), countMessages(t, f.repo))
	f.gw.AssertNumberOfCalls(t, "SubmitMessage", 1)
}

func TestDeliveryService_Submit_IdempotencyOwnerNotStoredYet(t *testing.T) {
	idem := newTestIdempotency(t)
	f := newDeliveryFixture(t, 5*time.Second, idem)
	ctx := context.Background()

	_, reserved := idem.Reserve(ctx, "order-43", "owner-1")
	require.True(t, reserved)

	req := textRequest("+15551234567")
	req.IdempotencyKey = "order-43"
	res := f.service.Submit(ctx, req)
	require.Nil(t, res.Error)
	assert.True(t, res.Accepted)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Pending)
	assert.Equal(t, "owner-1", res.MessageID)

	assert.Zero(t, countMessages(t, f.repo))
	f.gw.AssertNotCalled(t, "SubmitMessage", mock.Anything, mock.Anything)
}

func TestDeliveryService_Submit_MissingSender(t *testing.T) {
	repo := newTestRepository(t)
	gw := new(MockGateway)
	svc := NewDeliveryService(repo, gw, phone.NewNormalizer("1"), &recordingBroadcaster{}, nil, DeliveryConfig{Workers: 1, QueueSize: 1})

	res := svc.Submit(context.Background(), textRequest("+15551234567"))
	require.NotNil(t, res.Error)
	assert.False(t, res.Accepted)
	assert.Equal(t, model.ErrorKindInternal, res.Error.Kind)
	assert.Equal(t, "internal error", res.Error.Message)
	assert.Empty(t, res.Error.Code)

	assert.Zero(t, countMessages(t, repo))
	gw.AssertNotCalled(t, "SubmitMessage", mock.Anything, mock.Anything)
}

func TestDeliveryService_CallbackURLCarriesInterimID(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, nil)

	var callback string
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { callback = args.Get(1).(*gateway.SubmitRequest).StatusCallback }).
		Return(&gateway.MessageResource{SID: "SM5"}, nil).Once()

	res := f.service.Submit(context.Background(), textRequest("+15551234567"))
	require.Nil(t, res.Error)

	u, err := url.Parse(callback)
	require.NoError(t, err)
	assert.Equal(t, "relay.example.com", u.Host)
	assert.Equal(t, "/webhook/status", u.Path)
	assert.Contains(t, u.Query().Get(CallbackRefParam), model.InterimIDPrefix)
}

func TestDeliveryService_Retry(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, nil)
	ctx := context.Background()

	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).
		Return(nil, &gateway.Error{StatusCode: 400, Code: "63016", Message: "outside window"}).Once()
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).
		Return(&gateway.MessageResource{SID: "SM7"}, nil).Once()

	failed := f.service.Submit(ctx, textRequest("+15551234567"))
	require.Equal(t, model.MessageStatusFailed, failed.Status)

	res, err := f.service.Retry(ctx, failed.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "SM7", res.GatewayMessageID)
	assert.Equal(t, model.MessageStatusSent, res.Status)
	assert.Empty(t, res.Message.ErrorCode)
	assert.Nil(t, res.Message.FailedAt)

	_, err = f.service.Retry(ctx, failed.MessageID)
	assert.ErrorIs(t, err, model.ErrNotRetryable)

	_, err = f.service.Retry(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeliveryService_GetStatus(t *testing.T) {
	f := newDeliveryFixture(t, 5*time.Second, nil)
	ctx := context.Background()
	f.gw.On("SubmitMessage", mock.Anything, mock.Anything).Return(&gateway.MessageResource{SID: "SM8"}, nil).Once()

	res := f.service.Submit(ctx, textRequest("+15551234567"))
	require.Nil(t, res.Error)

	byID, err := f.service.GetStatus(ctx, res.MessageID)
	require.NoError(t, err)
	bySID, err := f.service.GetStatus(ctx, "SM8")
	require.NoError(t, err)
	assert.Equal(t, byID.ID, bySID.ID)

	_, err = f.service.GetStatus(ctx, "SMnope")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestDeliveryService_MarkRead(t *testing.T) {
	f := newDeliveryFixture(t, time.Second, nil)
	ctx := context.Background()

	for _, sid := range []string{"SMa", "SMb"} {
		_, err := f.repo.Create(ctx, &model.Message{
			GatewayMessageID: sid,
			ConversationID:   "C9",
			Direction:        model.DirectionInbound,
			Body:             "hi",
			From:             "+15551234567",
			To:               "+15550000000",
			Status:           model.MessageStatusReceived,
		})
		require.NoError(t, err)
	}

	_, err := f.service.MarkRead(ctx, model.MarkReadRequest{})
	assert.True(t, model.IsValidationError(err))

	res, err := f.service.MarkRead(ctx, model.MarkReadRequest{ConversationID: "C9"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Updated)

	events := f.fanout.byEvent(realtime.EventMessagesRead)
	require.Len(t, events, 1)
	assert.Equal(t, "C9", events[0].conversation)

	res, err = f.service.MarkRead(ctx, model.MarkReadRequest{ConversationID: "C9"})
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
	assert.Len(t, f.fanout.byEvent(realtime.EventMessagesRead), 1)
}

func TestDeliveryService_ListConversation(t *testing.T) {
	f := newDeliveryFixture(t, time.Second, nil)

	_, _, err := f.service.ListConversation(context.Background(), model.MessageFilter{})
	assert.True(t, model.IsValidationError(err))

	msgs, total, err := f.service.ListConversation(context.Background(), model.MessageFilter{ConversationID: "none"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, msgs)
}
