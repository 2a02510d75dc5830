package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type Options = goredis.UniversalOptions

// StreamEntry is one entry read back from a stream.
type StreamEntry struct {
	ID     string
	Values map[string]interface{}
}

// RedisAdapter is the subset of redis the relay needs: short-lived keys
// for submission dedupe and consumer-group streams for event fanout. Keys
// and stream names are prefixed with the adapter's key prefix.
type RedisAdapter interface {
	Ping(ctx context.Context) error
	Close() error

	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error

	// XAdd appends values to stream, trimming it to about maxLen entries
	// when maxLen > 0.
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error)
	XReadGroup(ctx context.Context, group, consumer, stream string, count int64) ([]StreamEntry, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XGroupCreate(ctx context.Context, stream, group string) error
	XGroupDestroy(ctx context.Context, stream, group string) error
}

type redisAdapter struct {
	prefix string
	conn   goredis.UniversalClient
	name   string
}

var (
	adaptersMu sync.Mutex
	adapters   = map[string]RedisAdapter{}
)

// NewRedisAdapter returns the adapter registered under name, connecting
// it on first use.
func NewRedisAdapter(name string, keyPrefix string, opts *Options) (RedisAdapter, error) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()

	if a, ok := adapters[name]; ok {
		return a, nil
	}

	c := goredis.NewUniversalClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}

	a := &redisAdapter{conn: c, prefix: keyPrefix, name: name}
	adapters[name] = a
	return a, nil
}

// IsNil reports whether err is the redis "key does not exist" reply.
func IsNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

func (r *redisAdapter) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx).Err()
}

func (r *redisAdapter) Close() error {
	adaptersMu.Lock()
	delete(adapters, r.name)
	adaptersMu.Unlock()
	return r.conn.Close()
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.conn.SetNX(ctx, r.prefix+key, value, ttl).Result()
}

func (r *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	return r.conn.Get(ctx, r.prefix+key).Bytes()
}

func (r *redisAdapter) Del(ctx context.Context, key string) error {
	return r.conn.Del(ctx, r.prefix+key).Err()
}

func (r *redisAdapter) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	args := &goredis.XAddArgs{
		Stream: r.prefix + stream,
		ID:     "*",
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return r.conn.XAdd(ctx, args).Result()
}

// XReadGroup reads entries never delivered to group. It never blocks;
// callers poll on their own ticker. An empty stream yields (nil, nil).
func (r *redisAdapter) XReadGroup(ctx context.Context, group, consumer, stream string, count int64) ([]StreamEntry, error) {
	streams, err := r.conn.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.prefix + stream, ">"},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var entries []StreamEntry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, StreamEntry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

func (r *redisAdapter) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return r.conn.XAck(ctx, r.prefix+stream, group, ids...).Err()
}

// XGroupCreate creates group at the stream tail, creating the stream if
// needed. An existing group is not an error.
func (r *redisAdapter) XGroupCreate(ctx context.Context, stream, group string) error {
	err := r.conn.XGroupCreateMkStream(ctx, r.prefix+stream, group, "$").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *redisAdapter) XGroupDestroy(ctx context.Context, stream, group string) error {
	return r.conn.XGroupDestroy(ctx, r.prefix+stream, group).Err()
}
