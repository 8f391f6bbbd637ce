package subscriber

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nadzzz/pushstream/internal/metrics"
	"github.com/nadzzz/pushstream/internal/transport"
	"github.com/nadzzz/pushstream/internal/transport/eventsource"
	"github.com/nadzzz/pushstream/internal/transport/longpolling"
	"github.com/nadzzz/pushstream/internal/transport/stream"
	"github.com/nadzzz/pushstream/internal/transport/websocket"
)

// Defaults applied by New to zero-valued options.
const (
	DefaultTimeout                          = 15 * time.Second
	DefaultPingTimeout                      = 30 * time.Second
	DefaultReconnectTimeout                 = 3 * time.Second
	DefaultCheckChannelAvailabilityInterval = 60 * time.Second
)

// DefaultModes is the transport roster used when Options.Modes is empty.
var DefaultModes = []transport.Mode{
	transport.ModeEventSource,
	transport.ModeStream,
	transport.ModeLongPolling,
}

// Options configures a Client.
type Options struct {
	UseSSL bool
	Host   string
	// Port defaults to 80, or 443 with UseSSL.
	Port int

	// Timeout bounds how long a transport may take to open its link.
	Timeout time.Duration
	// PingTimeout bounds the silence allowed on an open frame stream.
	PingTimeout time.Duration
	// ReconnectTimeout is the delay before reconnecting after a close or
	// a timeout error.
	ReconnectTimeout time.Duration
	// CheckChannelAvailabilityInterval is the delay before reconnecting
	// after the server reported the subscription unavailable.
	CheckChannelAvailabilityInterval time.Duration

	StreamPrefix      string
	EventSourcePrefix string
	LongPollingPrefix string
	WebSocketPrefix   string

	// Modes lists the transports to try, in order.
	Modes []transport.Mode

	HTTPClient *http.Client
	// Requester overrides the long-polling request helper.
	Requester longpolling.Requester
	// Registry overrides stream.DefaultRegistry.
	Registry *stream.Registry
	// Factories overrides the constructor of individual modes.
	Factories map[transport.Mode]transport.Factory

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = 80
		if o.UseSSL {
			o.Port = 443
		}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = DefaultReconnectTimeout
	}
	if o.CheckChannelAvailabilityInterval <= 0 {
		o.CheckChannelAvailabilityInterval = DefaultCheckChannelAvailabilityInterval
	}
	if o.StreamPrefix == "" {
		o.StreamPrefix = stream.DefaultPrefix
	}
	if o.EventSourcePrefix == "" {
		o.EventSourcePrefix = eventsource.DefaultPrefix
	}
	if o.LongPollingPrefix == "" {
		o.LongPollingPrefix = longpolling.DefaultPrefix
	}
	if o.WebSocketPrefix == "" {
		o.WebSocketPrefix = websocket.DefaultPrefix
	}
	if len(o.Modes) == 0 {
		o.Modes = DefaultModes
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) prefix(mode transport.Mode) string {
	switch mode {
	case transport.ModeEventSource:
		return o.EventSourcePrefix
	case transport.ModeStream:
		return o.StreamPrefix
	case transport.ModeLongPolling:
		return o.LongPollingPrefix
	case transport.ModeWebSocket:
		return o.WebSocketPrefix
	}
	return ""
}

// factory returns the constructor for mode, or nil for an unknown mode.
func (o Options) factory(mode transport.Mode) transport.Factory {
	if f, ok := o.Factories[mode]; ok {
		return f
	}
	switch mode {
	case transport.ModeEventSource:
		return func(env transport.Env) (transport.Transport, error) {
			tr, err := eventsource.New(env)
			if err != nil {
				return nil, err
			}
			return tr, nil
		}
	case transport.ModeStream:
		return func(env transport.Env) (transport.Transport, error) {
			return stream.New(env, o.Registry), nil
		}
	case transport.ModeLongPolling:
		return func(env transport.Env) (transport.Transport, error) {
			return longpolling.New(env, o.Requester), nil
		}
	case transport.ModeWebSocket:
		return func(env transport.Env) (transport.Transport, error) {
			return websocket.New(env), nil
		}
	}
	return nil
}
