// Package eventsource implements the server-sent events transport.
//
// The transport opens one streaming GET per connection and decodes each
// event's data as a message envelope. The server closing the stream is
// reported the same way as any other stream failure: as a timeout, so the
// client reconnects after its short reconnect delay.
package eventsource

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/launchdarkly/eventsource"

	"github.com/nadzzz/pushstream/internal/message"
	"github.com/nadzzz/pushstream/internal/transport"
)

// DefaultPrefix is the URL prefix used when Env.Prefix is empty.
const DefaultPrefix = "/ev"

// Transport implements transport.Transport over server-sent events.
type Transport struct {
	env    transport.Env
	client *http.Client
	logger *slog.Logger

	gen    uint64
	cancel context.CancelFunc
	url    string
}

// New creates an eventsource transport. It fails with
// transport.ErrUnsupported when the HTTP client cannot hold a stream open.
func New(env transport.Env) (*Transport, error) {
	client := transport.HTTPClientFor(env)
	if client.Timeout > 0 {
		return nil, fmt.Errorf("eventsource: http client timeout %s would cut the stream: %w",
			client.Timeout, transport.ErrUnsupported)
	}
	if env.Prefix == "" {
		env.Prefix = DefaultPrefix
	}
	return &Transport{
		env:    env,
		client: client,
		logger: transport.LoggerFor(env, transport.ModeEventSource),
	}, nil
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return string(transport.ModeEventSource) }

// Connect opens a new event stream, closing any previous one.
func (t *Transport) Connect() error {
	t.Disconnect()

	url := t.env.Endpoint.SubscriberURL("http", t.env.Prefix)
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("eventsource: building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	t.gen++
	t.cancel = cancel
	t.url = url
	t.logger.Debug("connecting", "url", url)

	go t.stream(req, t.gen)
	return nil
}

// Disconnect closes the event stream.
func (t *Transport) Disconnect() {
	if t.cancel == nil {
		return
	}
	t.logger.Debug("closing connection", "url", t.url)
	t.cancel()
	t.cancel = nil
	t.url = ""
	t.gen++
}

// stream runs off the loop and reports everything back through post.
func (t *Transport) stream(req *http.Request, gen uint64) {
	resp, err := t.client.Do(req)
	if err != nil {
		t.post(gen, func() { t.fail(err) })
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status := resp.StatusCode
		t.post(gen, func() { t.fail(fmt.Errorf("unexpected status %d", status)) })
		return
	}
	t.post(gen, t.opened)

	dec := eventsource.NewDecoder(resp.Body)
	for {
		ev, err := dec.Decode()
		if err != nil {
			t.post(gen, func() { t.fail(err) })
			return
		}
		data := ev.Data()
		t.post(gen, func() { t.deliver(data) })
	}
}

// post queues fn on the loop unless the connection it belongs to is gone.
func (t *Transport) post(gen uint64, fn func()) {
	t.env.Loop.Post(func() {
		if t.cancel == nil || t.gen != gen {
			return
		}
		fn()
	})
}

func (t *Transport) opened() {
	t.logger.Info("connection opened")
	t.env.Listener.OnOpen()
}

func (t *Transport) deliver(data string) {
	msg, err := message.Decode(data)
	if err != nil {
		t.logger.Warn("dropping message", "error", err)
		return
	}
	t.logger.Debug("message received", "id", msg.ID, "channel", msg.Channel)
	t.env.Listener.OnMessage(msg)
}

func (t *Transport) fail(err error) {
	t.logger.Info("error (disconnected by server)", "error", err)
	t.Disconnect()
	t.env.Listener.OnError(transport.ErrorTimeout)
}
