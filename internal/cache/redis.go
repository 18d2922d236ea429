package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zephix/governance/internal/core/metrics"
)

// Invalidator fans a local invalidation out to other instances.
type Invalidator interface {
	Publish(ctx context.Context, keys ...Key) error
}

// invalidation is the pub/sub message body. All means flush everything.
type invalidation struct {
	Origin string `json:"origin"`
	Keys   []Key  `json:"keys,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// RedisConfig contains configuration for the redis invalidator.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Channel is the pub/sub channel shared by every instance.
	// Default: governance:ruleset-invalidations
	Channel string
}

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "governance:ruleset-invalidations"

// RedisInvalidator publishes invalidations over redis pub/sub and applies
// the ones published by other instances to a local cache.
type RedisInvalidator struct {
	client  *redis.Client
	channel string
	origin  string
	cache   *RuleSetCache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRedisInvalidator connects to redis. Remote invalidations are applied
// to local once Run is started.
func NewRedisInvalidator(config RedisConfig, local *RuleSetCache, m *metrics.Metrics) *RedisInvalidator {
	channel := config.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisInvalidator{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		cache:   local,
		metrics: m,
		logger:  slog.Default().With("component", "cache.redis"),
	}
}

// Publish broadcasts keys. With no keys it broadcasts a full flush.
func (r *RedisInvalidator) Publish(ctx context.Context, keys ...Key) error {
	payload, err := encodeInvalidation(r.origin, keys)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Run subscribes and applies remote invalidations until ctx is done.
func (r *RedisInvalidator) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("listening for cache invalidations", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.apply(msg.Payload)
		}
	}
}

// Ping checks connectivity.
func (r *RedisInvalidator) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (r *RedisInvalidator) Close() error {
	return r.client.Close()
}

// apply handles one pub/sub payload. Messages from this instance are
// skipped since the local cache was already invalidated synchronously.
func (r *RedisInvalidator) apply(payload string) {
	msg, err := decodeInvalidation(payload)
	if err != nil {
		r.logger.Warn("dropping malformed invalidation", "error", err)
		return
	}
	if msg.Origin == r.origin {
		return
	}

	r.metrics.CacheEvent(metrics.CacheRemote)
	if msg.All {
		r.cache.InvalidateAll()
		return
	}
	r.cache.Invalidate(msg.Keys...)
}

func encodeInvalidation(origin string, keys []Key) (string, error) {
	msg := invalidation{Origin: origin, Keys: keys, All: len(keys) == 0}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode invalidation: %w", err)
	}
	return string(b), nil
}

func decodeInvalidation(payload string) (invalidation, error) {
	var msg invalidation
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return invalidation{}, fmt.Errorf("decode invalidation: %w", err)
	}
	if msg.Origin == "" {
		return invalidation{}, fmt.Errorf("decode invalidation: missing origin")
	}
	return msg, nil
}
