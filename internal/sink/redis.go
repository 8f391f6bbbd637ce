package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nadzzz/pushstream/internal/message"
)

// RedisOptions configures the redis sink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// ChannelPrefix is prepended to the push channel name to form the
	// redis pub/sub channel.
	ChannelPrefix string
}

// Redis republishes every message on a redis pub/sub channel and keeps the
// latest message of each channel under "<prefix>last:<channel>".
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a redis sink. The connection is established lazily.
func NewRedis(opts RedisOptions) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		prefix: opts.ChannelPrefix,
	}
}

// Name returns the sink type.
func (r *Redis) Name() string { return "redis" }

// Deliver publishes msg and records it as the channel's latest message.
func (r *Redis) Deliver(ctx context.Context, msg message.Message) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.prefix+"last:"+msg.Channel, payload, 0)
	pipe.Publish(ctx, r.prefix+msg.Channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
