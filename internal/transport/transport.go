// Package transport defines the contract every push-stream transport
// implements.
//
// Each transport (eventsource, stream, longpolling, websocket) turns one
// network mechanism into the same small set of notifications. The
// subscriber client owns exactly one active transport at a time and does
// not care how messages arrive; it only works with the Transport contract.
//
// All Transport methods and all Listener notifications run on the client's
// event loop. Transports do their network I/O on goroutines that post
// results back to the loop; results belonging to a previous connection are
// discarded.
package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nadzzz/pushstream/internal/eventloop"
	"github.com/nadzzz/pushstream/internal/message"
)

// Mode names a transport implementation in the configured roster.
type Mode string

const (
	ModeEventSource Mode = "eventsource"
	ModeStream      Mode = "stream"
	ModeLongPolling Mode = "longpolling"
	ModeWebSocket   Mode = "websocket"
)

// ErrorKind classifies a transport failure for the reconnect policy.
type ErrorKind string

const (
	// ErrorTimeout is a transient link failure; retry soon.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorUnavailable means the server answered without streaming,
	// e.g. the channels do not exist yet; retry after a long interval.
	ErrorUnavailable ErrorKind = "unavailable"
)

// ErrUnsupported is returned by a Factory when the transport cannot run
// with the given environment.
var ErrUnsupported = errors.New("transport not supported")

// Listener receives a transport's upward notifications.
type Listener interface {
	// OnOpen is called once the link is established.
	OnOpen()

	// OnMessage is called for every decoded message.
	OnMessage(msg message.Message)

	// OnError is called after the transport has torn itself down because
	// the link failed.
	OnError(kind ErrorKind)

	// OnClose is called after the transport has torn itself down because
	// the server ended the link cleanly.
	OnClose()
}

// Transport is the interface that every transport implementation must satisfy.
type Transport interface {
	// Name returns the transport mode (e.g., "eventsource", "longpolling").
	Name() string

	// Connect starts a new link, tearing down any previous one first.
	Connect() error

	// Disconnect releases the link and every pending timer. It is
	// idempotent and never notifies the listener.
	Disconnect()
}

// Endpoint builds subscriber URLs from the client's current channel set.
type Endpoint interface {
	// SubscriberURL returns the URL for the given scheme ("http" or "ws")
	// and path prefix.
	SubscriberURL(scheme, prefix string) string
}

// Env is everything a transport needs from its owner.
type Env struct {
	Loop     *eventloop.Loop
	Endpoint Endpoint
	Listener Listener

	// Prefix is the URL path prefix of this transport, e.g. "/sub".
	Prefix string

	// Timeout bounds how long a link may take to become established.
	Timeout time.Duration

	// PingTimeout bounds the silence allowed on an established stream.
	PingTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Factory builds a transport for env.
type Factory func(env Env) (Transport, error)

// LoggerFor returns env's logger annotated with the transport name.
func LoggerFor(env Env, mode Mode) *slog.Logger {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("transport", string(mode))
}

// HTTPClientFor returns env's HTTP client, or a streaming-safe default.
func HTTPClientFor(env Env) *http.Client {
	if env.HTTPClient != nil {
		return env.HTTPClient
	}
	return &http.Client{}
}
