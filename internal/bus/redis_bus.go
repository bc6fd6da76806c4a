package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes/subscribes over Redis Pub/Sub channels, one channel
// per topic, prefixed so multiple field planes can share a Redis instance.
// Adapted from the teacher's internal/infra.GoRedisAdapter Publish/Subscribe
// methods (internal/infra/redis_adapter.go), generalized from a raw byte
// channel into the Bus interface's typed Message envelope.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus connects to addr and verifies reachability with a ping.
// Mirrors infra.NewGoRedisAdapter: the caller decides whether to fall back
// to InMemoryBus if this returns an error.
func NewRedisBus(addr, password string, db int, topicPrefix string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis bus: ping %s: %w", addr, err)
	}

	slog.Info("Redis bus connected", "addr", addr, "db", db)
	return &RedisBus{client: client, prefix: topicPrefix}, nil
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload map[string]interface{}) error {
	msg := Message{Topic: topic, Payload: payload, PublishMs: time.Now().UnixMilli()}
	data, err := marshalMessage(msg)
	if err != nil {
		return fmt.Errorf("redis bus: marshal: %w", err)
	}
	return b.client.Publish(ctx, b.channel(topic), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler func(Message)) (func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis bus: subscribe %s: %w", topic, err)
	}

	ch := sub.Channel()
	go func() {
		for raw := range ch {
			msg, err := unmarshalMessage([]byte(raw.Payload))
			if err != nil {
				slog.Warn("redis bus: dropping malformed message", "topic", topic, "error", err)
				continue
			}
			handler(msg)
		}
	}()

	return func() { sub.Close() }, nil
}

func (b *RedisBus) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

var _ Bus = (*InMemoryBus)(nil)
var _ Bus = (*RedisBus)(nil)
