// Package websocket implements the WebSocket transport.
//
// One connection is dialled per Connect. Every text frame is decoded as a
// message envelope. A normal closure from the server is reported as a
// clean close; any other failure is reported as a timeout.
package websocket

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/nadzzz/pushstream/internal/message"
	"github.com/nadzzz/pushstream/internal/transport"
)

// DefaultPrefix is the URL prefix used when Env.Prefix is empty.
const DefaultPrefix = "/ws"

// Transport implements transport.Transport over a WebSocket.
type Transport struct {
	env    transport.Env
	dialer *websocket.Dialer
	logger *slog.Logger

	gen    uint64
	cancel context.CancelFunc
	url    string
}

// New creates a websocket transport.
func New(env transport.Env) *Transport {
	if env.Prefix == "" {
		env.Prefix = DefaultPrefix
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = env.Timeout
	if env.HTTPClient != nil && env.HTTPClient.Jar != nil {
		dialer.Jar = env.HTTPClient.Jar
	}
	return &Transport{
		env:    env,
		dialer: &dialer,
		logger: transport.LoggerFor(env, transport.ModeWebSocket),
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return string(transport.ModeWebSocket) }

// Connect dials a new connection, closing any previous one.
func (t *Transport) Connect() error {
	t.Disconnect()

	url := t.env.Endpoint.SubscriberURL("ws", t.env.Prefix)
	ctx, cancel := context.WithCancel(context.Background())

	t.gen++
	t.cancel = cancel
	t.url = url
	t.logger.Debug("connecting", "url", url)

	go t.run(ctx, url, t.gen)
	return nil
}

// Disconnect closes the connection. A dial still in flight is abandoned.
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

// run dials and then reads frames until the connection ends. The
// connection is closed as soon as ctx is cancelled.
func (t *Transport) run(ctx context.Context, url string, gen uint64) {
	conn, resp, err := t.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.post(gen, func() { t.fail(err) })
		return
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
	}()

	t.post(gen, t.opened)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.post(gen, t.closed)
			} else {
				t.post(gen, func() { t.fail(err) })
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		text := string(data)
		t.post(gen, func() { t.deliver(text) })
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

func (t *Transport) deliver(text string) {
	msg, err := message.Decode(text)
	if err != nil {
		t.logger.Warn("dropping message", "error", err)
		return
	}
	t.logger.Debug("message received", "id", msg.ID, "channel", msg.Channel)
	t.env.Listener.OnMessage(msg)
}

func (t *Transport) closed() {
	t.logger.Info("connection closed by server")
	t.Disconnect()
	t.env.Listener.OnClose()
}

func (t *Transport) fail(err error) {
	t.logger.Info("connection failed", "error", err)
	t.Disconnect()
	t.env.Listener.OnError(transport.ErrorTimeout)
}
