package document

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/user/vizchat/internal/types"
)

// DefaultChannelPrefix namespaces document channels in Redis.
const DefaultChannelPrefix = "vizchat"

// RedisBroadcaster publishes applied ops as JSON on one Redis channel per
// document.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds the connection settings for a RedisBroadcaster.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisBroadcaster connects to Redis and checks the connection.
func NewRedisBroadcaster(ctx context.Context, cfg RedisConfig) (*RedisBroadcaster, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBroadcaster{client: client, prefix: prefix}, nil
}

// Channel returns the channel name used for a document.
func (b *RedisBroadcaster) Channel(id types.DocID) string {
	return b.prefix + ":doc:" + string(id) + ":ops"
}

func (b *RedisBroadcaster) Publish(ctx context.Context, a Applied) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal applied op: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(a.DocID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.Channel(a.DocID), err)
	}
	return nil
}

// Listen delivers ops published for a document to fn until ctx ends.
func (b *RedisBroadcaster) Listen(ctx context.Context, id types.DocID, fn func(Applied)) error {
	sub := b.client.Subscribe(ctx, b.Channel(id))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.Channel(id), err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var a Applied
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				slog.Warn("dropping malformed op message", "channel", msg.Channel, "error", err)
				continue
			}
			fn(a)
		}
	}
}

func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
