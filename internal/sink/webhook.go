package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nadzzz/pushstream/internal/message"
)

// Webhook POSTs every message as JSON to an HTTP endpoint.
type Webhook struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// NewWebhook creates a webhook sink. A non-empty token is sent as a bearer
// token. A nil client means http.DefaultClient and a nil logger means
// slog.Default().
func NewWebhook(endpoint, token string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{endpoint: endpoint, token: token, client: client, logger: logger.With("sink", "webhook")}
}

// Name returns the sink type.
func (w *Webhook) Name() string { return "webhook" }

// Deliver posts msg to the endpoint.
func (w *Webhook) Deliver(ctx context.Context, msg message.Message) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook send: status %d: %s", resp.StatusCode, body)
	}

	w.logger.DebugContext(ctx, "webhook send success", "endpoint", w.endpoint, "status", resp.StatusCode)
	return nil
}

// Close is a no-op.
func (w *Webhook) Close() error { return nil }
