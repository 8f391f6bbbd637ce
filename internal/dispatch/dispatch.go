// Package dispatch implements the relay routing engine.
//
// The dispatcher receives every message the subscriber delivers and hands
// it to each sink whose channel filter matches. A failing sink is logged
// and counted; it never affects the subscription or the other sinks.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nadzzz/pushstream/internal/message"
	"github.com/nadzzz/pushstream/internal/metrics"
	"github.com/nadzzz/pushstream/internal/sink"
)

// DefaultTimeout bounds a single sink delivery.
const DefaultTimeout = 5 * time.Second

// Route sends the messages of some channels to a sink.
type Route struct {
	Sink sink.Sink
	// Channels filters the relayed channels. Empty relays every channel.
	Channels []string
}

type route struct {
	sink     sink.Sink
	channels map[string]struct{}
}

func (r route) matches(channel string) bool {
	if len(r.channels) == 0 {
		return true
	}
	_, ok := r.channels[channel]
	return ok
}

// Dispatcher is the central routing engine.
type Dispatcher struct {
	routes  []route
	metrics *metrics.Collector
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a new Dispatcher over routes.
func New(routes []Route, m *metrics.Collector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		metrics: m,
		logger:  logger.With("component", "dispatch"),
		timeout: DefaultTimeout,
	}
	for _, r := range routes {
		rt := route{sink: r.Sink}
		if len(r.Channels) > 0 {
			rt.channels = make(map[string]struct{}, len(r.Channels))
			for _, ch := range r.Channels {
				rt.channels[ch] = struct{}{}
			}
		}
		d.routes = append(d.routes, rt)
	}
	return d
}

// Handle relays a single message and returns the names of the sinks that
// accepted it. It is meant to be used as the subscriber's OnMessage.
func (d *Dispatcher) Handle(ctx context.Context, msg message.Message) []string {
	start := time.Now()
	logger := d.logger.With("message_id", msg.ID, "channel", msg.Channel)

	var routedTo []string
	for _, r := range d.routes {
		if !r.matches(msg.Channel) {
			continue
		}
		name := r.sink.Name()

		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := r.sink.Deliver(sendCtx, msg)
		cancel()
		d.metrics.SinkDelivery(name, err)
		if err != nil {
			logger.Error("failed to relay message", "sink", name, "error", err)
			continue
		}
		routedTo = append(routedTo, name)
	}

	logger.Debug("dispatch complete", "duration", time.Since(start), "routed_to", len(routedTo))
	return routedTo
}

// Close closes every sink.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, r := range d.routes {
		if err := r.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
