package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the redis stream shared by every instance.
const DefaultStream = "casedesk:push"

const (
	fieldInstance     = "instance"
	fieldConversation = "conversation_id"
	fieldPayload      = "payload"
)

// RedisConfig configures a RedisBackplane.
type RedisConfig struct {
	Stream   string
	Instance string
	MaxLen   int64
	Block    time.Duration
}

// RedisBackplane relays broadcasts through a redis stream so subscribers
// connected to any instance see every change.
type RedisBackplane struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedisBackplane creates a backplane identified by cfg.Instance.
func NewRedisBackplane(client *redis.Client, cfg RedisConfig, logger *slog.Logger) (*RedisBackplane, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Instance == "" {
		return nil, errors.New("instance id is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	if cfg.Block <= 0 {
		cfg.Block = 25 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackplane{client: client, cfg: cfg, logger: logger}, nil
}

// Publish implements Backplane.
func (b *RedisBackplane) Publish(ctx context.Context, conversationID string, payload []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: encodeEntry(b.cfg.Instance, conversationID, payload),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", b.cfg.Stream, err)
	}
	return nil
}

// Run tails the stream from now on and hands entries published by other
// instances to deliver. It returns when ctx is done.
func (b *RedisBackplane) Run(ctx context.Context, deliver func(conversationID string, payload []byte)) error {
	lastID := "$"
	b.logger.Info("Backplane started", "stream", b.cfg.Stream, "instance", b.cfg.Instance)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.cfg.Stream, lastID},
			Block:   b.cfg.Block,
			Count:   100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("Backplane read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				instance, id, payload, err := decodeEntry(msg.Values)
				if err != nil {
					b.logger.Warn("Skipping malformed backplane entry", "id", msg.ID, "error", err)
					continue
				}
				if instance == b.cfg.Instance {
					continue
				}
				deliver(id, payload)
			}
		}
	}
}

func encodeEntry(instance, conversationID string, payload []byte) map[string]any {
	return map[string]any{
		fieldInstance:     instance,
		fieldConversation: conversationID,
		fieldPayload:      string(payload),
	}
}

func decodeEntry(values map[string]any) (instance, conversationID string, payload []byte, err error) {
	get := func(key string) (string, error) {
		v, ok := values[key].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("missing %s", key)
		}
		return v, nil
	}
	if instance, err = get(fieldInstance); err != nil {
		return "", "", nil, err
	}
	if conversationID, err = get(fieldConversation); err != nil {
		return "", "", nil, err
	}
	p, err := get(fieldPayload)
	if err != nil {
		return "", "", nil, err
	}
	return instance, conversationID, []byte(p), nil
}
