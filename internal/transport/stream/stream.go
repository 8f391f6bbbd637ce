// Package stream implements the frame-streaming transport.
//
// The transport opens one long-lived GET whose body is an HTML document
// streamed as a sequence of <script> blocks. The body is consumed by a
// frame context that only knows the URL it was loaded from: the first
// block calls PushStream.register(this), which reaches the owning
// transport through the Registry via the session token in the URL, and
// later blocks call p(...) to deliver messages.
//
// Two watchdogs guard the link. The load watchdog fails the link when
// registration does not complete within Env.Timeout; the ping watchdog,
// re-armed after every delivered message, fails it when the stream stays
// silent for Env.PingTimeout.
package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/nadzzz/pushstream/internal/eventloop"
	"github.com/nadzzz/pushstream/internal/message"
	"github.com/nadzzz/pushstream/internal/transport"
)

// DefaultPrefix is the URL prefix used when Env.Prefix is empty.
const DefaultPrefix = "/sub"

// session identifies one connection; it is the only state the frame
// goroutine reads.
type session struct {
	url string
	gen uint64
}

// Transport implements transport.Transport over a streamed frame document.
type Transport struct {
	env      transport.Env
	client   *http.Client
	registry *Registry
	logger   *slog.Logger
	token    string

	gen        uint64
	cancel     context.CancelFunc
	url        string
	registered bool
	loadTimer  *eventloop.Timer
	pingTimer  *eventloop.Timer

	mu      sync.Mutex
	current *session
}

// New creates a frame-streaming transport registered in registry, or in
// DefaultRegistry when registry is nil.
func New(env transport.Env, registry *Registry) *Transport {
	if env.Prefix == "" {
		env.Prefix = DefaultPrefix
	}
	if registry == nil {
		registry = DefaultRegistry
	}
	token := "stream_" + uuid.NewString()
	return &Transport{
		env:      env,
		client:   transport.HTTPClientFor(env),
		registry: registry,
		logger:   transport.LoggerFor(env, transport.ModeStream).With("streamid", token),
		token:    token,
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return string(transport.ModeStream) }

// Token returns the session token this transport registers under.
func (t *Transport) Token() string { return t.token }

// Connect loads a new frame, closing any previous one, and arms the load
// watchdog.
func (t *Transport) Connect() error {
	t.Disconnect()

	url := t.env.Endpoint.SubscriberURL("http", t.env.Prefix) + "&" + SessionParam + "=" + t.token
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("stream: building request: %w", err)
	}

	t.gen++
	t.cancel = cancel
	t.url = url
	t.registered = false
	t.setSession(&session{url: url, gen: t.gen})
	t.registry.Add(t.token, t)
	t.loadTimer = t.env.Loop.AfterFunc(t.env.Timeout, t.loadTimeout)
	t.logger.Debug("connecting", "url", url)

	go t.load(req, url, t.gen)
	return nil
}

// Disconnect closes the frame, cancels both watchdogs and leaves the
// registry.
func (t *Transport) Disconnect() {
	if t.cancel == nil {
		return
	}
	t.logger.Debug("closing connection", "url", t.url)
	t.cancel()
	t.cancel = nil
	t.pingTimer.Stop()
	t.pingTimer = nil
	t.loadTimer.Stop()
	t.loadTimer = nil
	t.registry.Remove(t.token)
	t.setSession(nil)
	t.url = ""
	t.registered = false
	t.gen++
}

// Register completes the registration handshake for the frame loaded from
// frameURL. It is called from the frame goroutine.
func (t *Transport) Register(frameURL string) (Process, error) {
	s := t.currentSession()
	if s == nil || s.url != frameURL {
		return nil, fmt.Errorf("%w: stale frame", ErrUnknownSession)
	}
	gen := s.gen

	t.post(gen, t.onRegistered)

	return func(id int64, channel, text, eventID string) {
		msg := message.Message{ID: id, Channel: channel, Text: text, EventID: eventID}
		t.post(gen, func() { t.process(gen, msg) })
	}, nil
}

func (t *Transport) setSession(s *session) {
	t.mu.Lock()
	t.current = s
	t.mu.Unlock()
}

func (t *Transport) currentSession() *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// load runs off the loop: it performs the request and hands the body to
// the frame context.
func (t *Transport) load(req *http.Request, url string, gen uint64) {
	resp, err := t.client.Do(req)
	if err != nil {
		t.post(gen, func() { t.linkEnded(err) })
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		status := resp.StatusCode
		t.post(gen, func() { t.linkEnded(fmt.Errorf("unexpected status %d", status)) })
		return
	}

	err = runFrame(resp.Body, url, t.registry, t.logger)
	t.post(gen, func() { t.linkEnded(err) })
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

func (t *Transport) onRegistered() {
	if t.registered {
		return
	}
	t.loadTimer.Stop()
	t.loadTimer = nil
	t.registered = true
	t.logger.Info("frame registered")
	t.env.Listener.OnOpen()
	if t.cancel != nil {
		t.setPingTimer()
	}
}

func (t *Transport) process(gen uint64, msg message.Message) {
	t.pingTimer.Stop()
	t.pingTimer = nil
	t.logger.Debug("message received", "id", msg.ID, "channel", msg.Channel)
	t.env.Listener.OnMessage(msg)
	if t.cancel != nil && t.gen == gen {
		t.setPingTimer()
	}
}

func (t *Transport) setPingTimer() {
	t.pingTimer.Stop()
	t.pingTimer = t.env.Loop.AfterFunc(t.env.PingTimeout, t.pingTimeout)
}

// linkEnded handles the end of the response body.
func (t *Transport) linkEnded(err error) {
	switch {
	case !t.registered:
		t.logger.Info("frame loaded without streaming", "error", err)
		t.Disconnect()
		t.env.Listener.OnError(transport.ErrorUnavailable)
	case err != nil:
		t.logger.Info("frame link failed", "error", err)
		t.Disconnect()
		t.env.Listener.OnError(transport.ErrorTimeout)
	default:
		t.logger.Info("frame loaded (disconnected by server)")
		t.Disconnect()
		t.env.Listener.OnClose()
	}
}

func (t *Transport) loadTimeout() {
	t.logger.Info("frame load timeout")
	t.Disconnect()
	t.env.Listener.OnError(transport.ErrorTimeout)
}

func (t *Transport) pingTimeout() {
	t.logger.Info("ping timeout")
	t.Disconnect()
	t.env.Listener.OnError(transport.ErrorTimeout)
}
