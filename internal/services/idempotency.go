package services

import (
	"context"
	"time"

	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/nimasrn/chat-relay/pkg/redis"
)

type IdempotencyConfig struct {
	// TTL is how long a submission key stays reserved.
	TTL time.Duration

	KeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:       24 * time.Hour,
		KeyPrefix: "idempotency:submit:",
	}
}

// IdempotencyService maps client-supplied submission keys to the message
// they created, so a retried request does not send twice.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	if config.TTL <= 0 {
		config.TTL = DefaultIdempotencyConfig().TTL
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultIdempotencyConfig().KeyPrefix
	}
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

// Reserve claims key for messageID. When the key is already held it
// returns the message id that claimed it and reserved=false. Redis
// failures are logged and treated as reserved: a rare duplicate is better
// than refusing to send.
func (s *IdempotencyService) Reserve(ctx context.Context, key, messageID string) (existing string, reserved bool) {
	redisKey := s.config.KeyPrefix + key
	acquired, err := s.redis.SetNX(ctx, redisKey, []byte(messageID), s.config.TTL)
	if err != nil {
		logger.Warn("failed to reserve idempotency key", "key", key, "error", err)
		return "", true
	}
	if acquired {
		return "", true
	}

	owner, err := s.redis.Get(ctx, redisKey)
	if err != nil {
		if redis.IsNil(err) {
			// expired between the two calls; try once more
			if ok, err := s.redis.SetNX(ctx, redisKey, []byte(messageID), s.config.TTL); err == nil && ok {
				return "", true
			}
		}
		logger.Warn("failed to read idempotency key owner", "key", key, "error", err)
		return "", true
	}
	logger.Info("duplicate submission key", "key", key, "message_id", string(owner))
	return string(owner), false
}

// Release frees key after the submission it guarded was rejected before a
// record was stored.
func (s *IdempotencyService) Release(ctx context.Context, key string) {
	if err := s.redis.Del(ctx, s.config.KeyPrefix+key); err != nil {
		logger.Warn("failed to release idempotency key", "key", key, "error", err)
	}
}
