package notification

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// NewSenders builds the channels enabled in configuration. In-app delivery is always available.
func NewSenders(cfg config.NotificationConfig, store InAppStore) []Sender {
	senders := []Sender{NewInAppSender(store)}
	if !cfg.Enabled {
		return senders
	}
	if cfg.Email.Enabled {
		senders = append(senders, NewEmailSender(cfg.Email, cfg.NotificationTimeout))
	}
	if cfg.Webhook.Enabled {
		senders = append(senders, NewWebhookSender(cfg))
	}
	return senders
}

// NewRateLimiter builds the configured limiter. The returned close function releases the Redis client.
func NewRateLimiter(ctx context.Context, cfg config.NotificationConfig, redisCfg config.RedisConfig) (RateLimiter, func() error, error) {
	switch strings.ToLower(cfg.RateLimiter) {
	case "", "memory":
		return NewMemoryRateLimiter(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, utils.WrapError(utils.ErrCodeConnection, "Failed to connect to Redis", err)
		}
		return NewRedisRateLimiter(client, redisCfg.KeyPrefix), client.Close, nil
	}
	return nil, nil, utils.NewAppError(utils.ErrCodeConfiguration, "Unsupported rate limiter", cfg.RateLimiter)
}
