// Package realtime fans message events out to websocket clients grouped by
// conversation.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/nimasrn/chat-relay/pkg/prom"
)

const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultPingInterval = 30 * time.Second
)

var (
	ErrConversationRequired = errors.New("conversationId is required")
	ErrUnknownConnection    = errors.New("connection is not registered")
)

// Conn is one live subscriber. Send must not block.
type Conn interface {
	ID() string
	Send(ev Event) error
	Ping() error
	Close() error
}

// Broadcaster delivers an event to every subscriber of a conversation. It
// is best effort: nothing is returned and nothing is replayed.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID, event string, payload any)
}

type member struct {
	conn         Conn
	conversation string
	lastSeen     time.Time
}

// Hub tracks connections and the single conversation each one is joined to.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*member
	rooms map[string]map[string]struct{}

	idleTimeout  time.Duration
	pingInterval time.Duration
	now          func() time.Time
	log          *logger.ZapLogger
}

func NewHub(idleTimeout, pingInterval time.Duration) *Hub {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Hub{
		conns:        make(map[string]*member),
		rooms:        make(map[string]map[string]struct{}),
		idleTimeout:  idleTimeout,
		pingInterval: pingInterval,
		now:          time.Now,
		log:          logger.With("component", "realtime-hub"),
	}
}

func (h *Hub) IdleTimeout() time.Duration {
	return h.idleTimeout
}

func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	old, exists := h.conns[conn.ID()]
	if exists {
		h.leaveLocked(conn.ID(), old)
	}
	h.conns[conn.ID()] = &member{conn: conn, lastSeen: h.now()}
	h.mu.Unlock()

	if exists && old.conn != conn {
		_ = old.conn.Close()
	} else if !exists {
		prom.AddRealtimeConnections(1)
	}
}

// Unregister removes and closes the connection. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	m, ok := h.conns[id]
	if ok {
		h.leaveLocked(id, m)
		delete(h.conns, id)
	}
	h.mu.Unlock()

	if ok {
		_ = m.conn.Close()
		prom.AddRealtimeConnections(-1)
	}
}

// Join subscribes the connection to conversationID, replacing any previous
// subscription. Joining the current conversation again is a no-op.
func (h *Hub) Join(id, conversationID string) error {
	if conversationID == "" {
		return ErrConversationRequired
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	m.lastSeen = h.now()
	if m.conversation == conversationID {
		return nil
	}
	h.leaveLocked(id, m)

	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[conversationID] = room
	}
	room[id] = struct{}{}
	m.conversation = conversationID
	return nil
}

// Leave drops the connection's subscription and returns the conversation
// it left, if any.
func (h *Hub) Leave(id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.conns[id]
	if !ok {
		return ""
	}
	m.lastSeen = h.now()
	left := m.conversation
	h.leaveLocked(id, m)
	return left
}

func (h *Hub) leaveLocked(id string, m *member) {
	if m.conversation == "" {
		return
	}
	if room, ok := h.rooms[m.conversation]; ok {
		delete(room, id)
		if len(room) == 0 {
			delete(h.rooms, m.conversation)
		}
	}
	m.conversation = ""
}

// Touch records activity from the client.
func (h *Hub) Touch(id string) {
	h.mu.Lock()
	if m, ok := h.conns[id]; ok {
		m.lastSeen = h.now()
	}
	h.mu.Unlock()
}

func (h *Hub) Broadcast(ctx context.Context, conversationID, event string, payload any) {
	if conversationID == "" {
		return
	}
	h.mu.RLock()
	room := h.rooms[conversationID]
	targets := make([]Conn, 0, len(room))
	for id := range room {
		targets = append(targets, h.conns[id].conn)
	}
	h.mu.RUnlock()

	prom.IncBroadcast(event)
	ev := Event{Type: event, ConversationID: conversationID, Data: payload}
	for _, c := range targets {
		if ctx.Err() != nil {
			return
		}
		if err := c.Send(ev); err != nil {
			h.log.Debug("dropping connection after failed send", "conn", c.ID(), "error", err)
			h.Unregister(c.ID())
		}
	}
}

// Members lists the connection ids joined to conversationID.
func (h *Hub) Members(conversationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms[conversationID]))
	for id := range h.rooms[conversationID] {
		ids = append(ids, id)
	}
	return ids
}

// Conversation returns what the connection is joined to.
func (h *Hub) Conversation(id string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if m, ok := h.conns[id]; ok {
		return m.conversation
	}
	return ""
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Sweep closes connections idle past the timeout and pings the rest; a
// failed ping also closes the connection.
func (h *Hub) Sweep() {
	now := h.now()
	var idle, alive []Conn

	h.mu.RLock()
	for _, m := range h.conns {
		if now.Sub(m.lastSeen) > h.idleTimeout {
			idle = append(idle, m.conn)
		} else {
			alive = append(alive, m.conn)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		h.log.Info("closing idle connection", "conn", c.ID())
		h.Unregister(c.ID())
	}
	for _, c := range alive {
		if err := c.Ping(); err != nil {
			h.log.Debug("closing unreachable connection", "conn", c.ID(), "error", err)
			h.Unregister(c.ID())
		}
	}
}

// Run sweeps on every ping interval until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Unregister(id)
	}
}
