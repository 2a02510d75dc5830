package services

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	gateway "github.com/nimasrn/chat-relay/internal/gateways"
	"github.com/nimasrn/chat-relay/internal/model"
	"github.com/nimasrn/chat-relay/internal/realtime"
	"github.com/nimasrn/chat-relay/internal/repository"
	"github.com/nimasrn/chat-relay/internal/repository/repositorytest"
	"github.com/nimasrn/chat-relay/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) SubmitMessage(ctx context.Context, req *gateway.SubmitRequest) (*gateway.MessageResource, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.MessageResource), args.Error(1)
}

func (m *MockGateway) FetchMessage(ctx context.Context, sid string) (*gateway.MessageResource, error) {
	args := m.Called(ctx, sid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.MessageResource), args.Error(1)
}

type broadcast struct {
	conversation string
	event        string
	payload      any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcast
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, conversationID, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcast{conversation: conversationID, event: event, payload: payload})
}

func (b *recordingBroadcaster) all() []broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast(nil), b.events...)
}

func (b *recordingBroadcaster) byEvent(event string) []broadcast {
	var out []broadcast
	for _, e := range b.all() {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

var _ realtime.Broadcaster = (*recordingBroadcaster)(nil)

func newTestRepository(t *testing.T) *repository.MessageRepository {
	return repository.NewMessageRepository(repositorytest.NewDB(t, &repository.MessageEntity{}))
}

func newTestIdempotency(t *testing.T) *IdempotencyService {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return NewIdempotencyService(adapter, DefaultIdempotencyConfig())
}

func countMessages(t *testing.T, repo *repository.MessageRepository) int64 {
	t.Helper()
	_, total, err := repo.List(context.Background(), model.MessageFilter{})
	require.NoError(t, err)
	return total
}
