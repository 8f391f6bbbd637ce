package sink

import (
	"context"
	"log/slog"

	"github.com/nadzzz/pushstream/internal/message"
)

// Log writes every message to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sink. A nil logger means slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("sink", "log")}
}

// Name returns the sink type.
func (l *Log) Name() string { return "log" }

// Deliver logs msg.
func (l *Log) Deliver(ctx context.Context, msg message.Message) error {
	l.logger.InfoContext(ctx, "message",
		"id", msg.ID,
		"channel", msg.Channel,
		"eventid", msg.EventID,
		"text", msg.Text)
	return nil
}

// Close is a no-op.
func (l *Log) Close() error { return nil }
