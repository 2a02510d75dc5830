package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	id      string
	mu      sync.Mutex
	events  []Event
	sendErr error
	pingErr error
	closed  bool
}

func newStubConn(id string) *stubConn { return &stubConn{id: id} }

func (s *stubConn) ID() string { return s.id }

func (s *stubConn) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *stubConn) Ping() error { return s.pingErr }

func (s *stubConn) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubConn) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *stubConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestHub_BroadcastReachesOnlyConversationMembers(t *testing.T) {
	hub := NewHub(0, 0)
	a, b := newStubConn("a"), newStubConn("b")
	hub.Register(a)
	hub.Register(b)
	require.NoError(t, hub.Join("a", "C1"))
	require.NoError(t, hub.Join("b", "C2"))

	hub.Broadcast(context.Background(), "C1", EventNewMessage, map[string]string{"id": "m1"})

	require.Len(t, a.received(), 1)
	assert.Equal(t, EventNewMessage, a.received()[0].Type)
	assert.Equal(t, "C1", a.received()[0].ConversationID)
	assert.Empty(t, b.received())
}

func TestHub_LastJoinWins(t *testing.T) {
	hub := NewHub(0, 0)
	c := newStubConn("c")
	hub.Register(c)

	require.NoError(t, hub.Join("c", "C2"))
	require.NoError(t, hub.Join("c", "C3"))

	hub.Broadcast(context.Background(), "C2", EventStatusUpdate, nil)
	assert.Empty(t, c.received())
	assert.Empty(t, hub.Members("C2"))

	hub.Broadcast(context.Background(), "C3", EventStatusUpdate, nil)
	assert.Len(t, c.received(), 1)
	assert.Equal(t, "C3", hub.Conversation("c"))
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	hub := NewHub(0, 0)
	hub.Register(newStubConn("c"))

	require.NoError(t, hub.Join("c", "C1"))
	require.NoError(t, hub.Join("c", "C1"))
	assert.Equal(t, []string{"c"}, hub.Members("C1"))
}

func TestHub_JoinErrors(t *testing.T) {
	hub := NewHub(0, 0)
	hub.Register(newStubConn("c"))

	assert.ErrorIs(t, hub.Join("c", ""), ErrConversationRequired)
	assert.ErrorIs(t, hub.Join("ghost", "C1"), ErrUnknownConnection)
}

func TestHub_LeaveAndUnregister(t *testing.T) {
	hub := NewHub(0, 0)
	c := newStubConn("c")
	hub.Register(c)
	require.NoError(t, hub.Join("c", "C1"))

	assert.Equal(t, "C1", hub.Leave("c"))
	assert.Empty(t, hub.Members("C1"))
	assert.Equal(t, "", hub.Leave("c"))

	hub.Unregister("c")
	assert.Equal(t, 0, hub.Len())
	assert.True(t, c.isClosed())
	hub.Unregister("c")
}

func TestHub_FailedSendDropsConnection(t *testing.T) {
	hub := NewHub(0, 0)
	ok, dead := newStubConn("ok"), newStubConn("dead")
	dead.sendErr = errors.New("broken pipe")
	hub.Register(ok)
	hub.Register(dead)
	require.NoError(t, hub.Join("ok", "C1"))
	require.NoError(t, hub.Join("dead", "C1"))

	hub.Broadcast(context.Background(), "C1", EventNewMessage, nil)

	assert.Len(t, ok.received(), 1)
	assert.True(t, dead.isClosed())
	assert.Equal(t, []string{"ok"}, hub.Members("C1"))
}

func TestHub_SweepClosesIdleAndUnreachable(t *testing.T) {
	hub := NewHub(5*time.Minute, time.Second)
	now := time.Now()
	hub.now = func() time.Time { return now }

	idle, fresh, unreachable := newStubConn("idle"), newStubConn("fresh"), newStubConn("gone")
	unreachable.pingErr = errors.New("closed")
	hub.Register(idle)
	hub.Register(fresh)
	hub.Register(unreachable)

	now = now.Add(4 * time.Minute)
	hub.Touch("fresh")
	hub.Touch("gone")
	now = now.Add(2 * time.Minute)

	hub.Sweep()

	assert.True(t, idle.isClosed())
	assert.False(t, fresh.isClosed())
	assert.True(t, unreachable.isClosed())
	assert.Equal(t, 1, hub.Len())
}

func TestHub_RunClosesEverythingOnCancel(t *testing.T) {
	hub := NewHub(time.Minute, 10*time.Millisecond)
	c := newStubConn("c")
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	assert.True(t, c.isClosed())
	assert.Equal(t, 0, hub.Len())
}

func TestHub_HandleFrame(t *testing.T) {
	hub := NewHub(0, 0)
	hub.Register(newStubConn("c"))

	reply := hub.HandleFrame("c", []byte(`{"event":"join-conversation","conversationId":"C1"}`))
	assert.Equal(t, EventJoined, reply.Type)
	assert.Equal(t, "C1", hub.Conversation("c"))

	reply = hub.HandleFrame("c", []byte(`{"event":"join-conversation"}`))
	assert.Equal(t, EventError, reply.Type)
	assert.Equal(t, "C1", hub.Conversation("c"))

	reply = hub.HandleFrame("c", []byte(`{"event":"ping"}`))
	assert.Equal(t, EventPong, reply.Type)

	reply = hub.HandleFrame("c", []byte(`{"event":"leave-conversation"}`))
	assert.Equal(t, EventLeft, reply.Type)
	assert.Equal(t, "C1", reply.ConversationID)
	assert.Empty(t, hub.Conversation("c"))

	assert.Equal(t, EventError, hub.HandleFrame("c", []byte(`nope`)).Type)
	assert.Equal(t, EventError, hub.HandleFrame("c", []byte(`{"event":"dance"}`)).Type)
}
