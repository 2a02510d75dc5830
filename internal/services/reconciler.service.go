package services

import (
	"context"
	"strings"
	"time"

	gateway "github.com/nimasrn/chat-relay/internal/gateways"
	"github.com/nimasrn/chat-relay/internal/model"
	"github.com/nimasrn/chat-relay/internal/phone"
	"github.com/nimasrn/chat-relay/internal/realtime"
	"github.com/nimasrn/chat-relay/internal/repository"
	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/nimasrn/chat-relay/pkg/prom"
)

// ReconcileOutcome is what a callback did. Only Internal failures surface
// as errors; the rest are answered with success to the gateway.
type ReconcileOutcome string

const (
	OutcomeApplied    ReconcileOutcome = "applied"
	OutcomeUnchanged  ReconcileOutcome = "unchanged"
	OutcomeNotTracked ReconcileOutcome = "not_tracked"
	OutcomeIgnored    ReconcileOutcome = "ignored"
	OutcomeCreated    ReconcileOutcome = "created"
)

var gatewayStatuses = map[string]model.MessageStatus{
	"accepted":    model.MessageStatusQueued,
	"queued":      model.MessageStatusQueued,
	"scheduled":   model.MessageStatusQueued,
	"sending":     model.MessageStatusSending,
	"sent":        model.MessageStatusSent,
	"delivered":   model.MessageStatusDelivered,
	"read":        model.MessageStatusRead,
	"receiving":   model.MessageStatusReceived,
	"received":    model.MessageStatusReceived,
	"failed":      model.MessageStatusFailed,
	"canceled":    model.MessageStatusFailed,
	"undelivered": model.MessageStatusUndelivered,
}

// MapGatewayStatus translates the gateway's status vocabulary.
func MapGatewayStatus(s string) (model.MessageStatus, bool) {
	st, ok := gatewayStatuses[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

type StatusStore interface {
	ApplyStatus(ctx context.Context, gatewayID string, u repository.StatusUpdate) (repository.ApplyOutcome, error)
	FindByGatewayID(ctx context.Context, gatewayID string) (*model.Message, error)
	CreateIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error)
	FindLatestConversation(ctx context.Context, counterparty string) (string, error)
	ListStale(ctx context.Context, statuses []model.MessageStatus, before, since time.Time, limit int) ([]*model.Message, error)
}

// StatusFetcher reads a message's current state from the gateway.
type StatusFetcher interface {
	FetchMessage(ctx context.Context, sid string) (*gateway.MessageResource, error)
}

// StatusCallback is one delivery-status notification.
type StatusCallback struct {
	MessageID    string
	Status       string
	ErrorCode    string
	ErrorMessage string
	OccurredAt   time.Time
	// Ref is the interim id echoed back from the callback url, if any.
	Ref          string
}

// SweepConfig controls the periodic re-fetch of records whose callbacks
// never arrived.
type SweepConfig struct {
	Interval   time.Duration
	// StaleAfter is how long a record may sit unchanged before it is fetched.
	StaleAfter time.Duration
	// MaxAge stops fetching records created longer ago than this.
	MaxAge     time.Duration
	Batch      int
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:   time.Minute,
		StaleAfter: 5 * time.Minute,
		MaxAge:     24 * time.Hour,
		Batch:      100,
	}
}

var sweptStatuses = []model.MessageStatus{model.MessageStatusSending, model.MessageStatusSent}

type ReconcilerOption func(*ReconcilerService)

// WithStatusSweep enables Sweep and RunSweeper.
func WithStatusSweep(fetcher StatusFetcher, cfg SweepConfig) ReconcilerOption {
	def := DefaultSweepConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	return func(s *ReconcilerService) {
		s.fetcher = fetcher
		s.sweep = cfg
	}
}

// InboundMessage is one message the gateway received for us.
type InboundMessage struct {
	MessageID   string
	From        string
	To          string
	Body        string
	MediaURLs   []string
	ProfileName string
	ReceivedAt  time.Time
}

type ReconcilerService struct {
	store      StatusStore
	normalizer *phone.Normalizer
	fanout     realtime.Broadcaster
	fetcher    StatusFetcher
	sweep      SweepConfig
	log        *logger.ZapLogger
	now        func() time.Time
}

func NewReconcilerService(store StatusStore, normalizer *phone.Normalizer, fanout realtime.Broadcaster, opts ...ReconcilerOption) *ReconcilerService {
	s := &ReconcilerService{
		store:      store,
		normalizer: normalizer,
		fanout:     fanout,
		log:        logger.With("component", "reconciler"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleStatus applies a status callback. Callbacks may repeat or arrive in
// any order; the stored status only ever moves forward.
func (s *ReconcilerService) HandleStatus(ctx context.Context, cb StatusCallback) (ReconcileOutcome, error) {
	status, ok := MapGatewayStatus(cb.Status)
	if !ok {
		s.log.Warn("ignoring unrecognized gateway status", "sid", cb.MessageID, "status", cb.Status)
		prom.IncReconciliation(cb.Status, string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	update := repository.StatusUpdate{Status: status, OccurredAt: cb.OccurredAt}
	if update.OccurredAt.IsZero() {
		update.OccurredAt = s.now()
	}
	if status.IsFailure() {
		update.ErrorCode = cb.ErrorCode
		if update.ErrorCode == "" {
			update.ErrorCode = gateway.CodeUnknown
		}
		update.ErrorMessage = cb.ErrorMessage
	}
	if strings.HasPrefix(cb.Ref, model.InterimIDPrefix) {
		update.InterimID = cb.Ref
	}

	outcome, err := s.store.ApplyStatus(ctx, cb.MessageID, update)
	if err != nil {
		s.log.Error("failed to apply status", "sid", cb.MessageID, "status", status, "error", err)
		prom.IncReconciliation(string(status), "error")
		return "", err
	}

	switch outcome {
	case repository.ApplyNotFound:
		s.log.Info("status callback for untracked message", "sid", cb.MessageID, "status", status)
		prom.IncReconciliation(string(status), string(OutcomeNotTracked))
		return OutcomeNotTracked, nil
	case repository.ApplyUnchanged:
		s.log.Debug("stale or duplicate status callback", "sid", cb.MessageID, "status", status)
		prom.IncReconciliation(string(status), string(OutcomeUnchanged))
		return OutcomeUnchanged, nil
	}

	prom.IncReconciliation(string(status), string(OutcomeApplied))
	msg, err := s.store.FindByGatewayID(ctx, cb.MessageID)
	if err != nil {
		// the transition is stored; only the notification is lost
		s.log.Warn("failed to load message after status update", "sid", cb.MessageID, "error", err)
		return OutcomeApplied, nil
	}
	s.fanout.Broadcast(ctx, msg.ConversationID, realtime.EventStatusUpdate, msg)
	return OutcomeApplied, nil
}

// Sweep fetches outbound records stuck in sending or sent and applies what
// the gateway reports for them. It returns how many records moved.
func (s *ReconcilerService) Sweep(ctx context.Context) (int, error) {
	if s.fetcher == nil {
		return 0, nil
	}
	now := s.now()
	stale, err := s.store.ListStale(ctx, sweptStatuses, now.Add(-s.sweep.StaleAfter), now.Add(-s.sweep.MaxAge), s.sweep.Batch)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, msg := range stale {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		res, err := s.fetcher.FetchMessage(ctx, msg.GatewayMessageID)
		if err != nil {
			s.log.Warn("failed to fetch message during sweep", "sid", msg.GatewayMessageID, "error", err)
			continue
		}
		code, reason := res.Failure()
		outcome, err := s.HandleStatus(ctx, StatusCallback{
			MessageID:    msg.GatewayMessageID,
			Status:       res.Status,
			ErrorCode:    code,
			ErrorMessage: reason,
		})
		if err != nil {
			continue
		}
		if outcome == OutcomeApplied {
			moved++
		}
	}
	if len(stale) > 0 {
		s.log.Info("status sweep finished", "checked", len(stale), "moved", moved)
	}
	return moved, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *ReconcilerService) RunSweeper(ctx context.Context) {
	if s.fetcher == nil {
		return
	}
	ticker := time.NewTicker(s.sweep.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("status sweep failed", "error", err)
			}
		}
	}
}

// HandleInbound records a message sent to us. The first sight of a gateway
// id creates the record; later sights only reconcile its status.
func (s *ReconcilerService) HandleInbound(ctx context.Context, in InboundMessage) (ReconcileOutcome, *model.Message, error) {
	from := s.bareNumber(in.From)
	to := s.bareNumber(in.To)

	conversationID, err := s.store.FindLatestConversation(ctx, from)
	if err != nil {
		s.log.Warn("failed to resolve conversation", "from", from, "error", err)
	}
	if conversationID == "" {
		conversationID = from
	}

	at := in.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}
	record := &model.Message{
		GatewayMessageID: in.MessageID,
		ConversationID:   conversationID,
		Direction:        model.DirectionInbound,
		Body:             in.Body,
		MediaURLs:        in.MediaURLs,
		From:             from,
		To:               to,
		ContactName:      in.ProfileName,
		Status:           model.MessageStatusReceived,
		CreatedAt:        at,
	}
	stored, created, err := s.store.CreateIfAbsent(ctx, record)
	if err != nil {
		s.log.Error("failed to store inbound message", "sid", in.MessageID, "error", err)
		prom.IncReconciliation(string(model.MessageStatusReceived), "error")
		return "", nil, err
	}

	if !created {
		outcome, err := s.HandleStatus(ctx, StatusCallback{MessageID: in.MessageID, Status: string(model.MessageStatusReceived), OccurredAt: at})
		return outcome, stored, err
	}

	s.log.Info("inbound message received", "sid", in.MessageID, "conversation", conversationID)
	prom.IncReconciliation(string(model.MessageStatusReceived), string(OutcomeCreated))
	s.fanout.Broadcast(ctx, conversationID, realtime.EventNewMessage, stored)
	return OutcomeCreated, stored, nil
}

// bareNumber canonicalizes a gateway address, keeping it as given when it
// does not parse; inbound traffic is never rejected for its number.
func (s *ReconcilerService) bareNumber(address string) string {
	n, err := s.normalizer.E164(address)
	if err != nil {
		s.log.Debug("keeping unparseable inbound address", "address", address)
		return phone.Bare(address)
	}
	return n
}
