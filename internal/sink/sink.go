// Package sink relays delivered push messages to downstream systems.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nadzzz/pushstream/internal/config"
	"github.com/nadzzz/pushstream/internal/message"
)

// Sink is the interface that every relay destination must satisfy.
type Sink interface {
	// Name returns the sink type (e.g., "webhook", "redis").
	Name() string

	// Deliver relays one message.
	Deliver(ctx context.Context, msg message.Message) error

	// Close releases the sink's connections.
	Close() error
}

// New builds the sink described by cfg.
func New(cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	switch cfg.Type {
	case "log":
		return NewLog(logger), nil
	case "webhook":
		return NewWebhook(cfg.Endpoint, cfg.Token, nil, logger), nil
	case "redis":
		return NewRedis(RedisOptions{
			Addr:          cfg.Addr,
			Password:      cfg.Password,
			DB:            cfg.DB,
			ChannelPrefix: cfg.ChannelPrefix,
		}), nil
	case "kafka":
		return NewKafka(cfg.Brokers, cfg.Topic)
	}
	return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
}

// encode renders msg as the JSON document every sink relays.
func encode(msg message.Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshalling message: %w", err)
	}
	return payload, nil
}
