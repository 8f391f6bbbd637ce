// Package subscriber implements the push-stream client: it keeps a
// subscription to a set of channels open over whichever transport works,
// and recovers from transport failures.
//
// The client owns a fixed roster of transports built from Options.Modes and
// at most one active transport. Every connection attempt takes the next
// transport in the roster; a transport that opens successfully is preferred
// again on the next reconnect. After a close or a timeout error the client
// reconnects after ReconnectTimeout. After an unavailable error it waits
// CheckChannelAvailabilityInterval instead.
//
// All state lives on an event loop. Application handlers run in order on a
// second loop, so a handler may call back into the client.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nadzzz/pushstream/internal/channel"
	"github.com/nadzzz/pushstream/internal/eventloop"
	"github.com/nadzzz/pushstream/internal/message"
	"github.com/nadzzz/pushstream/internal/metrics"
	"github.com/nadzzz/pushstream/internal/transport"
)

// ErrConfiguration is returned by Connect when the client cannot connect
// with its current configuration. It is never retried.
var ErrConfiguration = errors.New("configuration error")

// ErrDuplicateChannel is returned by AddChannel for a channel that is
// already subscribed.
var ErrDuplicateChannel = channel.ErrDuplicateChannel

// State is the connection state of a Client.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handlers are the application callbacks. Nil handlers are skipped.
type Handlers struct {
	OnOpen           func()
	OnMessage        func(msg message.Message)
	OnError          func(kind transport.ErrorKind)
	OnStatusChange   func(state State)
	OnChannelDeleted func(channel string)
}

// Client is a push-stream subscriber.
type Client struct {
	opts     Options
	handlers Handlers
	logger   *slog.Logger
	metrics  *metrics.Collector

	loop     *eventloop.Loop
	dispatch *eventloop.Loop
	stop     context.CancelFunc

	// Everything below is owned by loop.
	channels       *channel.Set
	urls           channel.URLBuilder
	roster         []transport.Transport
	cursor         int
	active         transport.Transport
	keepConnected  bool
	reconnectTimer *eventloop.Timer
	state          State

	// stateView mirrors state for State().
	stateView atomic.Int32
}

// New creates a client and its transport roster. A mode that is unknown or
// unsupported in this environment is logged and left out of the roster.
func New(opts Options, h Handlers) (*Client, error) {
	opts = opts.withDefaults()
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrConfiguration, opts.Port)
	}

	logger := opts.Logger.With("component", "subscriber")
	c := &Client{
		opts:     opts,
		handlers: h,
		logger:   logger,
		metrics:  opts.Metrics,
		loop:     eventloop.New(opts.Clock, logger),
		dispatch: eventloop.New(opts.Clock, logger.With("loop", "handlers")),
		channels: channel.NewSet(),
		urls:     channel.URLBuilder{UseSSL: opts.UseSSL, Host: opts.Host, Port: opts.Port},
	}

	for _, mode := range opts.Modes {
		factory := opts.factory(mode)
		if factory == nil {
			logger.Warn("unknown transport mode, skipping", "mode", mode)
			continue
		}
		l := &listener{c: c}
		tr, err := factory(transport.Env{
			Loop:        c.loop,
			Endpoint:    c,
			Listener:    l,
			Prefix:      opts.prefix(mode),
			Timeout:     opts.Timeout,
			PingTimeout: opts.PingTimeout,
			HTTPClient:  opts.HTTPClient,
			Logger:      opts.Logger,
		})
		if err != nil {
			logger.Info("transport not available, skipping", "mode", mode, "error", err)
			continue
		}
		l.tr = tr
		c.roster = append(c.roster, tr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	go c.loop.Run(ctx)
	go c.dispatch.Run(ctx)

	c.metrics.SetState(int(StateClosed))
	c.metrics.SetChannels(0)
	return c, nil
}

// SubscriberURL implements transport.Endpoint over the live channel set.
func (c *Client) SubscriberURL(scheme, prefix string) string {
	return c.urls.Build(scheme, prefix, c.channels, c.loop.Now())
}

// AddChannel subscribes name. If the client is not closed it reconnects
// so the new channel is part of the subscription.
func (c *Client) AddChannel(name string, opts channel.Options) error {
	return c.loop.Do(func() error {
		if err := c.channels.Add(name, opts); err != nil {
			return err
		}
		c.logger.Info("adding channel", "channel", name, "backtrack", opts.Backtrack)
		c.metrics.SetChannels(c.channels.Len())
		if c.state != StateClosed {
			return c.connect()
		}
		return nil
	})
}

// RemoveChannel unsubscribes name. The active connection is left alone;
// messages for name are dropped from now on.
func (c *Client) RemoveChannel(name string) {
	_ = c.loop.Do(func() error {
		if c.channels.Remove(name) {
			c.logger.Info("removing channel", "channel", name)
			c.metrics.SetChannels(c.channels.Len())
		}
		return nil
	})
}

// RemoveAllChannels unsubscribes every channel.
func (c *Client) RemoveAllChannels() {
	_ = c.loop.Do(func() error {
		c.logger.Info("removing all channels")
		c.channels.RemoveAll()
		c.metrics.SetChannels(0)
		return nil
	})
}

// Connect starts connecting and keeps the client connected until
// Disconnect. It fails with ErrConfiguration when the host is unset, no
// channel is subscribed, or no transport is available.
func (c *Client) Connect() error {
	return c.loop.Do(c.connect)
}

// Disconnect closes the active transport and stops reconnecting.
func (c *Client) Disconnect() {
	_ = c.loop.Do(func() error {
		c.keepConnected = false
		c.teardown()
		c.setState(StateClosed)
		c.logger.Info("disconnected")
		return nil
	})
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.stateView.Load())
}

// Channels returns the subscribed channel names, sorted.
func (c *Client) Channels() []string {
	var names []string
	_ = c.loop.Do(func() error {
		names = c.channels.Names()
		return nil
	})
	return names
}

// Mode returns the name of the active transport, or "" when there is none.
func (c *Client) Mode() string {
	var mode string
	_ = c.loop.Do(func() error {
		if c.active != nil {
			mode = c.active.Name()
		}
		return nil
	})
	return mode
}

// Close disconnects, waits for queued handler calls and stops both loops.
// It must not be called from a handler. Closing twice is a no-op.
func (c *Client) Close() error {
	err := c.loop.Do(func() error {
		c.keepConnected = false
		c.teardown()
		c.setState(StateClosed)
		return nil
	})
	if errors.Is(err, eventloop.ErrStopped) {
		return nil
	}
	_ = c.dispatch.Do(func() error { return nil })
	c.stop()
	<-c.loop.Done()
	<-c.dispatch.Done()
	return nil
}

func (c *Client) connect() error {
	switch {
	case c.opts.Host == "":
		return fmt.Errorf("%w: host not specified", ErrConfiguration)
	case c.channels.Len() == 0:
		return fmt.Errorf("%w: no channels specified", ErrConfiguration)
	case len(c.roster) == 0:
		return fmt.Errorf("%w: no available transport", ErrConfiguration)
	}

	c.keepConnected = true
	c.cursor = 0
	c.connectNext()
	return nil
}

// connectNext tears down the active transport and starts the next one in
// the roster.
func (c *Client) connectNext() {
	c.teardown()
	c.setState(StateConnecting)

	tr := c.roster[c.cursor]
	c.cursor = (c.cursor + 1) % len(c.roster)
	c.active = tr
	c.metrics.ConnectAttempt(tr.Name())
	c.logger.Info("connecting", "transport", tr.Name())

	if err := tr.Connect(); err != nil {
		c.logger.Warn("transport connect failed", "transport", tr.Name(), "error", err)
		tr.Disconnect()
	}
}

// teardown cancels the reconnect timer and disconnects the active
// transport.
func (c *Client) teardown() {
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	if c.active != nil {
		c.active.Disconnect()
		c.active = nil
	}
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Info("status changed", "state", s.String())
	c.state = s
	c.stateView.Store(int32(s))
	c.metrics.SetState(int(s))
	c.emit(func() {
		if c.handlers.OnStatusChange != nil {
			c.handlers.OnStatusChange(s)
		}
	})
}

// reconnect arms the reconnect timer unless the client was asked to stay
// disconnected, a timer is already pending, or an attempt is under way.
func (c *Client) reconnect(after time.Duration, cause string) {
	if !c.keepConnected || c.reconnectTimer.Pending() || c.state == StateConnecting {
		return
	}
	c.logger.Debug("trying to reconnect", "in", after, "cause", cause)
	c.metrics.ReconnectScheduled(cause)
	c.reconnectTimer = c.loop.AfterFunc(after, func() {
		c.reconnectTimer = nil
		c.connectNext()
	})
}

func (c *Client) emit(fn func()) {
	c.dispatch.Post(fn)
}

func (c *Client) onOpen(tr transport.Transport) {
	c.setState(StateOpen)
	// Retry the same transport on the next reconnect.
	c.cursor = (c.cursor - 1 + len(c.roster)) % len(c.roster)
	c.logger.Info("connection opened", "transport", tr.Name())
	c.emit(func() {
		if c.handlers.OnOpen != nil {
			c.handlers.OnOpen()
		}
	})
}

func (c *Client) onClose(tr transport.Transport) {
	c.active = nil
	c.setState(StateClosed)
	c.reconnect(c.opts.ReconnectTimeout, "close")
}

func (c *Client) onError(tr transport.Transport, kind transport.ErrorKind) {
	c.active = nil
	c.metrics.TransportError(tr.Name(), string(kind))
	c.setState(StateClosed)
	if kind == transport.ErrorTimeout {
		c.reconnect(c.opts.ReconnectTimeout, string(kind))
	} else {
		c.reconnect(c.opts.CheckChannelAvailabilityInterval, string(kind))
	}
	c.emit(func() {
		if c.handlers.OnError != nil {
			c.handlers.OnError(kind)
		}
	})
}

func (c *Client) onMessage(tr transport.Transport, msg message.Message) {
	if msg.IsChannelDeleted() {
		c.logger.Info("channel deleted", "channel", msg.Channel)
		c.metrics.ChannelDeleted()
		c.emit(func() {
			if c.handlers.OnChannelDeleted != nil {
				c.handlers.OnChannelDeleted(msg.Channel)
			}
		})
		return
	}
	if !c.channels.Has(msg.Channel) {
		c.logger.Debug("dropping message for unsubscribed channel", "channel", msg.Channel, "id", msg.ID)
		c.metrics.MessageDropped("unsubscribed")
		return
	}
	c.metrics.MessageReceived(tr.Name())
	c.emit(func() {
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	})
}

// listener forwards one roster transport's notifications to the client,
// dropping them unless that transport is the active one.
type listener struct {
	c  *Client
	tr transport.Transport
}

func (l *listener) current() bool {
	return l.tr != nil && l.c.active == l.tr
}

func (l *listener) OnOpen() {
	if l.current() {
		l.c.onOpen(l.tr)
	}
}

func (l *listener) OnMessage(msg message.Message) {
	if l.current() {
		l.c.onMessage(l.tr, msg)
	}
}

func (l *listener) OnError(kind transport.ErrorKind) {
	if l.current() {
		l.c.onError(l.tr, kind)
	}
}

func (l *listener) OnClose() {
	if l.current() {
		l.c.onClose(l.tr)
	}
}
