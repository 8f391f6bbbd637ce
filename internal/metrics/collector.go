// Package metrics exposes the subscriber's Prometheus metrics.
//
// A nil *Collector is valid and records nothing, so components can take
// an optional collector without checking for it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records subscription, transport and relay metrics.
type Collector struct {
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	channelsDeleted  prometheus.Counter
	connectAttempts  *prometheus.CounterVec
	transportErrors  *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	state            prometheus.Gauge
	channels         prometheus.Gauge
	sinkDeliveries   *prometheus.CounterVec
}

// NewCollector registers the metrics with reg under namespace. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		messagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Messages delivered to the application, by transport",
			},
			[]string{"transport"},
		),
		messagesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Messages not delivered to the application, by reason",
			},
			[]string{"reason"}, // reason: unsubscribed
		),
		channelsDeleted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_deleted_notices_total",
				Help:      "Channel-deleted notices received from the server",
			},
		),
		connectAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_attempts_total",
				Help:      "Connection attempts, by transport",
			},
			[]string{"transport"},
		),
		transportErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_errors_total",
				Help:      "Transport failures, by transport and kind",
			},
			[]string{"transport", "kind"},
		),
		reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_scheduled_total",
				Help:      "Reconnect timers armed, by cause",
			},
			[]string{"cause"}, // cause: close, timeout, unavailable
		),
		state: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Connection state: 0 closed, 1 connecting, 2 open",
			},
		),
		channels: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channels",
				Help:      "Number of subscribed channels",
			},
		),
		sinkDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_deliveries_total",
				Help:      "Messages relayed to sinks, by sink and result",
			},
			[]string{"sink", "result"}, // result: ok, error
		),
	}
}

// MessageReceived counts a message forwarded to the application.
func (c *Collector) MessageReceived(transport string) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(transport).Inc()
}

// MessageDropped counts a message that was filtered out.
func (c *Collector) MessageDropped(reason string) {
	if c == nil {
		return
	}
	c.messagesDropped.WithLabelValues(reason).Inc()
}

// ChannelDeleted counts a channel-deleted notice.
func (c *Collector) ChannelDeleted() {
	if c == nil {
		return
	}
	c.channelsDeleted.Inc()
}

// ConnectAttempt counts a connection attempt on transport.
func (c *Collector) ConnectAttempt(transport string) {
	if c == nil {
		return
	}
	c.connectAttempts.WithLabelValues(transport).Inc()
}

// TransportError counts a failure reported by transport.
func (c *Collector) TransportError(transport, kind string) {
	if c == nil {
		return
	}
	c.transportErrors.WithLabelValues(transport, kind).Inc()
}

// ReconnectScheduled counts an armed reconnect timer.
func (c *Collector) ReconnectScheduled(cause string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(cause).Inc()
}

// SetState records the current connection state.
func (c *Collector) SetState(state int) {
	if c == nil {
		return
	}
	c.state.Set(float64(state))
}

// SetChannels records the number of subscribed channels.
func (c *Collector) SetChannels(n int) {
	if c == nil {
		return
	}
	c.channels.Set(float64(n))
}

// SinkDelivery counts one relay attempt to sink.
func (c *Collector) SinkDelivery(sink string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.sinkDeliveries.WithLabelValues(sink, result).Inc()
}
