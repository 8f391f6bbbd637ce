// Package longpolling implements the conditional-GET long-polling transport.
//
// The transport keeps exactly one GET in flight. Each request carries the
// cache validators of the previous response (If-None-Match and
// If-Modified-Since) so the server only answers once a newer message
// exists. Every answer immediately triggers the next request; a 304 is an
// empty tick and anything other than 200 or 304 fails the link.
package longpolling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nadzzz/pushstream/internal/message"
	"github.com/nadzzz/pushstream/internal/transport"
)

// DefaultPrefix is the URL prefix used when Env.Prefix is empty.
const DefaultPrefix = "/lp"

// initialETag is sent before the server has handed out any validator.
const initialETag = "0"

// Transport implements transport.Transport with long polling.
type Transport struct {
	env       transport.Env
	requester Requester
	logger    *slog.Logger

	// enabled is cleared by Disconnect before the in-flight request is
	// aborted; the aborted request's completion must then be ignored.
	enabled bool
	gen     uint64
	cancel  context.CancelFunc
	url     string

	etag         string
	lastModified string
}

// New creates a long-polling transport. A nil requester uses HTTPRequester
// with env's HTTP client.
func New(env transport.Env, requester Requester) *Transport {
	if env.Prefix == "" {
		env.Prefix = DefaultPrefix
	}
	if requester == nil {
		requester = HTTPRequester{Client: transport.HTTPClientFor(env)}
	}
	return &Transport{
		env:       env,
		requester: requester,
		logger:    transport.LoggerFor(env, transport.ModeLongPolling),
		etag:      initialETag,
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return string(transport.ModeLongPolling) }

// Connect starts the poll loop, stopping any previous one.
func (t *Transport) Connect() error {
	t.Disconnect()
	t.enabled = true
	t.gen++

	t.listen()
	t.logger.Debug("connecting", "url", t.url)

	// Open is reported before any completion of the first request, which
	// can only reach the listener through the loop.
	t.logger.Info("connection opened")
	t.env.Listener.OnOpen()
	return nil
}

// Disconnect stops the poll loop and aborts the in-flight request.
func (t *Transport) Disconnect() {
	t.enabled = false
	if t.cancel == nil {
		return
	}
	t.logger.Debug("closing connection", "url", t.url)
	t.cancel()
	t.cancel = nil
	t.url = ""
	t.gen++
}

// listen issues the next GET if the transport is still enabled.
func (t *Transport) listen() {
	if !t.enabled {
		return
	}
	if t.lastModified == "" {
		t.lastModified = t.env.Loop.Now().UTC().Format(http.TimeFormat)
	}

	header := make(http.Header)
	header.Set("If-None-Match", t.etag)
	header.Set("If-Modified-Since", t.lastModified)

	url := t.env.Endpoint.SubscriberURL("http", t.env.Prefix)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.url = url
	gen := t.gen

	go func() {
		resp, err := t.requester.Get(ctx, url, header)
		t.env.Loop.Post(func() { t.receive(gen, resp, err) })
	}()
}

// receive handles the completion of the request issued for gen.
func (t *Transport) receive(gen uint64, resp *Response, err error) {
	if !t.enabled || t.gen != gen {
		return
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if err != nil {
		t.fail(err)
		return
	}

	t.recordValidators(resp.Header)

	switch resp.StatusCode {
	case http.StatusOK:
		t.listen()
		t.deliver(resp.Body)
	case http.StatusNotModified:
		t.listen()
	default:
		t.fail(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

func (t *Transport) recordValidators(h http.Header) {
	if etag := h.Get("Etag"); etag != "" {
		t.etag = etag
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		t.lastModified = lm
	}
}

func (t *Transport) deliver(body string) {
	msg, err := message.Decode(body)
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
