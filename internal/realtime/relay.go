package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/nimasrn/chat-relay/pkg/redis"
)

const (
	DefaultRelayStream = "realtime:events"
	relayBatch         = 100
	relayMaxLen        = 10_000
)

// StreamRelay is a Broadcaster for multi-instance deployments. Events are
// appended to a redis stream; every instance reads the stream through its
// own consumer group and hands each event to its local hub.
type StreamRelay struct {
	redis        redis.RedisAdapter
	local        Broadcaster
	stream       string
	group        string
	consumer     string
	pollInterval time.Duration
	log          *logger.ZapLogger
}

func NewStreamRelay(adapter redis.RedisAdapter, local Broadcaster, stream, instanceID string, pollInterval time.Duration) *StreamRelay {
	if stream == "" {
		stream = DefaultRelayStream
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &StreamRelay{
		redis:        adapter,
		local:        local,
		stream:       stream,
		group:        "relay-" + instanceID,
		consumer:     instanceID,
		pollInterval: pollInterval,
		log:          logger.With("component", "realtime-relay", "instance", instanceID),
	}
}

// Init creates this instance's consumer group at the stream tail, so only
// events published from now on are delivered.
func (r *StreamRelay) Init(ctx context.Context) error {
	return r.redis.XGroupCreate(ctx, r.stream, r.group)
}

// Broadcast publishes the event for every instance, this one included. If
// redis is unavailable the event is still delivered locally.
func (r *StreamRelay) Broadcast(ctx context.Context, conversationID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error("failed to encode relay payload", "event", event, "error", err)
		return
	}
	_, err = r.redis.XAdd(ctx, r.stream, relayMaxLen, map[string]interface{}{
		"conversation": conversationID,
		"event":        event,
		"payload":      string(data),
	})
	if err != nil {
		r.log.Warn("relay publish failed, delivering locally", "event", event, "error", err)
		r.local.Broadcast(ctx, conversationID, event, json.RawMessage(data))
	}
}

// Run polls the stream until ctx is done.
func (r *StreamRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// keep reading while batches come back full
			for r.Poll(ctx) == relayBatch && ctx.Err() == nil {
				continue
			}
		}
	}
}

// Poll delivers one batch of pending events and returns how many it read.
func (r *StreamRelay) Poll(ctx context.Context) int {
	msgs, err := r.redis.XReadGroup(ctx, r.group, r.consumer, r.stream, relayBatch)
	if err != nil {
		r.log.Warn("relay read failed", "error", err)
		return 0
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		conversation, _ := m.Values["conversation"].(string)
		event, _ := m.Values["event"].(string)
		payload, _ := m.Values["payload"].(string)
		if conversation == "" || event == "" {
			continue
		}
		if payload == "" {
			payload = "null"
		}
		r.local.Broadcast(ctx, conversation, event, json.RawMessage(payload))
	}
	if len(ids) > 0 {
		if err := r.redis.XAck(ctx, r.stream, r.group, ids...); err != nil {
			r.log.Warn("relay ack failed", "error", err)
		}
	}
	return len(msgs)
}

// Close removes this instance's consumer group.
func (r *StreamRelay) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.redis.XGroupDestroy(ctx, r.stream, r.group)
}
