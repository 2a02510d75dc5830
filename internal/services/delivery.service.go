package services

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	gateway "github.com/nimasrn/chat-relay/internal/gateways"
	"github.com/nimasrn/chat-relay/internal/model"
	"github.com/nimasrn/chat-relay/internal/phone"
	"github.com/nimasrn/chat-relay/internal/realtime"
	"github.com/nimasrn/chat-relay/internal/retry"
	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/nimasrn/chat-relay/pkg/prom"
	"github.com/nimasrn/chat-relay/pkg/worker"
)

const ErrorCodeQueueUnavailable = "QUEUE_UNAVAILABLE"

// CallbackRefParam is the status callback query parameter carrying the
// interim id, so a callback that beats MarkSent still finds its record.
const CallbackRefParam = "ref"

type MessageStore interface {
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	FindByID(ctx context.Context, id string) (*model.Message, error)
	FindByAnyID(ctx context.Context, id string) (*model.Message, error)
	MarkSending(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id, gatewayID string, at time.Time) (*model.Message, error)
	MarkFailed(ctx context.Context, id, code, message string, at time.Time) (*model.Message, error)
	ResetForRetry(ctx context.Context, id, interimID string) (*model.Message, error)
	MarkRead(ctx context.Context, req model.MarkReadRequest) (*model.MarkReadResult, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error)
}

type Gateway interface {
	SubmitMessage(ctx context.Context, req *gateway.SubmitRequest) (*gateway.MessageResource, error)
}

type DeliveryConfig struct {
	// FromNumber is the sender used when a request does not name one.
	FromNumber        string
	StatusCallbackURL string
	// SyncWait bounds how long Submit waits for the gateway round trip
	// before answering with the interim id.
	SyncWait   time.Duration
	Workers    int
	QueueSize  int
	MaxRetries int
	BaseDelay  time.Duration
}

// Task is one background submission. The worker running it is the only
// writer of the record's terminal submission state.
type Task struct {
	messageID string
	request   *gateway.SubmitRequest
	done      chan struct{}
	result    *model.SubmissionResult
}

func newTask(messageID string, req *gateway.SubmitRequest) *Task {
	return &Task{messageID: messageID, request: req, done: make(chan struct{})}
}

// Wait blocks until the task finished or ctx is done.
func (t *Task) Wait(ctx context.Context) (*model.SubmissionResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type DeliveryService struct {
	store      MessageStore
	gw         Gateway
	normalizer *phone.Normalizer
	scheduler  *retry.Scheduler
	fanout     realtime.Broadcaster
	idem       *IdempotencyService
	workers    *worker.WorkerManager
	cfg        DeliveryConfig

	// tasks run under root, not under the request that created them
	root   context.Context
	cancel context.CancelFunc
	log    *logger.ZapLogger
	now    func() time.Time
}

func NewDeliveryService(store MessageStore, gw Gateway, normalizer *phone.Normalizer, fanout realtime.Broadcaster, idem *IdempotencyService, cfg DeliveryConfig) *DeliveryService {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = retry.DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = retry.DefaultBaseDelay
	}

	root, cancel := context.WithCancel(context.Background())
	s := &DeliveryService{
		store:      store,
		gw:         gw,
		normalizer: normalizer,
		fanout:     fanout,
		idem:       idem,
		workers:    worker.NewWorkerManager(cfg.QueueSize, cfg.Workers),
		cfg:        cfg,
		root:       root,
		cancel:     cancel,
		log:        logger.With("component", "delivery"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	s.scheduler = retry.NewScheduler(cfg.MaxRetries, cfg.BaseDelay, gateway.IsRetryable,
		retry.WithRetryHook(func(attempt int, err error) {
			s.log.Warn("gateway submission failed, retrying", "attempt", attempt, "error", err)
		}))
	s.workers.SetWorker(func(_ int, job interface{}) {
		if t, ok := job.(*Task); ok {
			s.deliver(t)
		}
	})
	return s
}

func (s *DeliveryService) Start() {
	s.workers.Start()
	s.log.Info("delivery workers started", "workers", s.cfg.Workers, "queue_size", s.cfg.QueueSize)
}

// Shutdown stops intake and waits for queued and running tasks. When ctx
// expires first, pending backoffs are cancelled and the tasks record
// their failure.
func (s *DeliveryService) Shutdown(ctx context.Context) error {
	s.workers.Stop()
	err := s.workers.Wait(ctx)
	s.cancel()
	if err != nil {
		s.log.Warn("delivery shutdown deadline reached, cancelling in-flight tasks", "pending", s.workers.GetUnreadCount())
	}
	return err
}

// Submit validates and stores the message, then hands it to a background
// task. It never returns an error; the result says what happened.
func (s *DeliveryService) Submit(ctx context.Context, req model.SendMessageRequest) *model.SubmissionResult {
	if err := req.Validate(); err != nil {
		prom.IncSubmission("rejected")
		return model.Rejected(model.ErrorKindValidation, err.Error())
	}

	to, err := s.normalizer.Normalize(req.To)
	if err != nil {
		prom.IncSubmission("rejected")
		return model.Rejected(model.ErrorKindInvalidPhone, "invalid phone number: to")
	}
	fromRaw := req.From
	if fromRaw == "" {
		fromRaw = s.cfg.FromNumber
	}
	if fromRaw == "" {
		s.log.Error("no sender configured and none given")
		prom.IncSubmission("error")
		return model.Rejected(model.ErrorKindInternal, "internal error")
	}
	from, err := s.normalizer.Normalize(fromRaw)
	if err != nil {
		prom.IncSubmission("rejected")
		return model.Rejected(model.ErrorKindInvalidPhone, "invalid phone number: from")
	}

	messageID := uuid.NewString()
	if req.IdempotencyKey != "" && s.idem != nil {
		owner, reserved := s.idem.Reserve(ctx, req.IdempotencyKey, messageID)
		if !reserved {
			prom.IncSubmission("duplicate")
			existing, err := s.store.FindByID(ctx, owner)
			if err != nil {
				// the owning request has not stored its record yet
				s.log.Info("idempotency key owner not visible yet", "key", req.IdempotencyKey, "message_id", owner, "error", err)
				return &model.SubmissionResult{Accepted: true, Duplicate: true, Pending: true, MessageID: owner}
			}
			return snapshotResult(existing, true)
		}
	}

	record := &model.Message{
		ID:                messageID,
		GatewayMessageID:  newInterimID(),
		ConversationID:    req.ConversationID,
		Direction:         model.DirectionOutbound,
		Body:              req.Body,
		TemplateID:        req.TemplateID,
		TemplateVariables: req.TemplateVariables,
		MediaURLs:         req.MediaURLs,
		From:              phone.Bare(from),
		To:                phone.Bare(to),
		ContactName:       req.ContactName,
		SenderName:        req.SenderName,
		Status:            model.MessageStatusQueued,
	}
	stored, err := s.store.Create(ctx, record)
	if err != nil {
		s.log.Error("failed to store queued message", "message_id", messageID, "error", err)
		if req.IdempotencyKey != "" && s.idem != nil {
			s.idem.Release(ctx, req.IdempotencyKey)
		}
		prom.IncSubmission("error")
		return model.Rejected(model.ErrorKindInternal, "failed to store message")
	}

	return s.dispatch(ctx, stored)
}

// Retry resends a failed message under a fresh interim id. It is an
// operator action, separate from status reconciliation.
func (s *DeliveryService) Retry(ctx context.Context, id string) (*model.SubmissionResult, error) {
	msg, err := s.store.FindByAnyID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Direction != model.DirectionOutbound || !msg.Status.Retryable() {
		return nil, model.ErrNotRetryable
	}
	reset, err := s.store.ResetForRetry(ctx, msg.ID, newInterimID())
	if err != nil {
		return nil, err
	}
	s.log.Info("manual retry requested", "message_id", reset.ID, "previous_status", msg.Status)
	s.fanout.Broadcast(ctx, reset.ConversationID, realtime.EventStatusUpdate, reset)
	return s.dispatch(ctx, reset), nil
}

func (s *DeliveryService) dispatch(ctx context.Context, msg *model.Message) *model.SubmissionResult {
	task := newTask(msg.ID, s.submitRequest(msg))
	if err := s.workers.Enqueue(ctx, task); err != nil {
		s.log.Error("failed to enqueue delivery task", "message_id", msg.ID, "error", err)
		failed, ferr := s.store.MarkFailed(context.WithoutCancel(ctx), msg.ID, ErrorCodeQueueUnavailable, "delivery queue unavailable", s.now())
		if ferr != nil {
			s.log.Error("failed to record enqueue failure", "message_id", msg.ID, "error", ferr)
			failed = msg
		} else {
			s.fanout.Broadcast(ctx, failed.ConversationID, realtime.EventStatusUpdate, failed)
		}
		prom.IncSubmission("failed")
		res := snapshotResult(failed, false)
		res.Error = &model.SubmissionError{Kind: model.ErrorKindInternal, Code: ErrorCodeQueueUnavailable, Message: "delivery queue unavailable"}
		return res
	}

	if s.cfg.SyncWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncWait)
		defer cancel()
		if res, err := task.Wait(waitCtx); err == nil && res != nil {
			return res
		}
	}

	res := snapshotResult(msg, false)
	res.Pending = true
	return res
}

func (s *DeliveryService) submitRequest(msg *model.Message) *gateway.SubmitRequest {
	return &gateway.SubmitRequest{
		To:               phone.Channel(msg.To),
		From:             phone.Channel(msg.From),
		Body:             msg.Body,
		MediaURLs:        msg.MediaURLs,
		ContentSID:       msg.TemplateID,
		ContentVariables: msg.TemplateVariables,
		StatusCallback:   s.callbackURL(msg.GatewayMessageID),
	}
}

// callbackURL tags the configured callback with the record's interim id.
func (s *DeliveryService) callbackURL(interimID string) string {
	if s.cfg.StatusCallbackURL == "" {
		return ""
	}
	u, err := url.Parse(s.cfg.StatusCallbackURL)
	if err != nil {
		s.log.Warn("status callback url does not parse, sending it untagged", "url", s.cfg.StatusCallbackURL, "error", err)
		return s.cfg.StatusCallbackURL
	}
	q := u.Query()
	q.Set(CallbackRefParam, interimID)
	u.RawQuery = q.Encode()
	return u.String()
}

// deliver runs on a worker.
func (s *DeliveryService) deliver(t *Task) {
	defer close(t.done)
	ctx := s.root
	// final writes must land even when shutdown cancelled the attempts
	writeCtx := context.WithoutCancel(ctx)

	if err := s.store.MarkSending(ctx, t.messageID); err != nil {
		s.log.Warn("failed to mark message sending", "message_id", t.messageID, "error", err)
	}

	var resource *gateway.MessageResource
	attempts, err := s.scheduler.Run(ctx, func(ctx context.Context, attempt int) error {
		res, err := s.gw.SubmitMessage(ctx, t.request)
		if err != nil {
			return err
		}
		resource = res
		return nil
	})
	prom.AddDeliveryAttempts(attempts)

	if err == nil {
		msg, werr := s.store.MarkSent(writeCtx, t.messageID, resource.SID, s.now())
		if werr != nil {
			s.log.Error("gateway accepted message but the record update failed",
				"message_id", t.messageID, "sid", resource.SID, "error", werr)
			t.result = &model.SubmissionResult{
				Accepted:         true,
				MessageID:        t.messageID,
				GatewayMessageID: resource.SID,
				Status:           model.MessageStatusSent,
				Attempts:         attempts,
				Error:            &model.SubmissionError{Kind: model.ErrorKindInternal, Message: "failed to update message"},
			}
			return
		}
		s.log.Info("message sent", "message_id", t.messageID, "sid", resource.SID, "attempts", attempts)
		prom.IncSubmission("sent")
		s.fanout.Broadcast(writeCtx, msg.ConversationID, realtime.EventNewMessage, msg)
		t.result = snapshotResult(msg, false)
		t.result.Attempts = attempts
		return
	}

	code, reason := gateway.Describe(err)
	if errors.Is(err, context.Canceled) {
		reason = "delivery cancelled by shutdown"
	}
	msg, werr := s.store.MarkFailed(writeCtx, t.messageID, code, reason, s.now())
	if werr != nil {
		s.log.Error("failed to record submission failure", "message_id", t.messageID, "error", werr)
		t.result = &model.SubmissionResult{Accepted: true, MessageID: t.messageID, Status: model.MessageStatusFailed, Attempts: attempts,
			Error: &model.SubmissionError{Kind: model.ErrorKindGateway, Code: code, Message: reason}}
		return
	}
	s.log.Warn("message submission failed", "message_id", t.messageID, "code", code, "attempts", attempts, "error", err)
	prom.IncSubmission("failed")
	s.fanout.Broadcast(writeCtx, msg.ConversationID, realtime.EventStatusUpdate, msg)
	t.result = snapshotResult(msg, false)
	t.result.Attempts = attempts
	t.result.Error = &model.SubmissionError{Kind: model.ErrorKindGateway, Code: code, Message: reason}
}

func (s *DeliveryService) GetStatus(ctx context.Context, id string) (*model.Message, error) {
	return s.store.FindByAnyID(ctx, id)
}

type messagesReadData struct {
	ConversationID string `json:"conversationId"`
	Updated        int64  `json:"updated"`
}

// MarkRead flags inbound messages as read by id or by conversation and
// tells each affected conversation.
func (s *DeliveryService) MarkRead(ctx context.Context, req model.MarkReadRequest) (*model.MarkReadResult, error) {
	if len(req.IDs) == 0 && req.ConversationID == "" {
		return nil, &model.ValidationError{Field: "ids", Reason: "ids or conversationId is required"}
	}
	res, err := s.store.MarkRead(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, conv := range res.Conversations {
		s.fanout.Broadcast(ctx, conv, realtime.EventMessagesRead, messagesReadData{ConversationID: conv, Updated: res.Updated})
	}
	return res, nil
}

func (s *DeliveryService) ListConversation(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	if f.ConversationID == "" {
		return nil, 0, &model.ValidationError{Field: "conversationId", Reason: "is required"}
	}
	return s.store.List(ctx, f)
}

func newInterimID() string {
	return model.InterimIDPrefix + uuid.NewString()
}

func snapshotResult(msg *model.Message, duplicate bool) *model.SubmissionResult {
	return &model.SubmissionResult{
		Accepted:         true,
		Duplicate:        duplicate,
		Pending:          msg.Status == model.MessageStatusQueued || msg.Status == model.MessageStatusSending,
		MessageID:        msg.ID,
		GatewayMessageID: msg.GatewayMessageID,
		Status:           msg.Status,
		Message:          msg,
	}
}
