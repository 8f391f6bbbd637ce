package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("pushsub", reg), reg
}

func TestCollector_Counters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.MessageReceived("stream")
	c.MessageReceived("stream")
	c.MessageReceived("longpolling")
	c.MessageDropped("unsubscribed")
	c.ChannelDeleted()
	c.ConnectAttempt("eventsource")
	c.TransportError("eventsource", "timeout")
	c.ReconnectScheduled("unavailable")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("longpolling")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesDropped.WithLabelValues("unsubscribed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelsDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectAttempts.WithLabelValues("eventsource")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transportErrors.WithLabelValues("eventsource", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects.WithLabelValues("unavailable")))
}

func TestCollector_Gauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetState(2)
	c.SetChannels(3)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.state))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.channels))

	c.SetState(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.state))
}

func TestCollector_SinkDelivery(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SinkDelivery("redis", nil)
	c.SinkDelivery("redis", errors.New("down"))
	c.SinkDelivery("redis", errors.New("down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sinkDeliveries.WithLabelValues("redis", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sinkDeliveries.WithLabelValues("redis", "error")))
}

func TestCollector_Registration(t *testing.T) {
	c, reg := newTestCollector(t)
	c.MessageReceived("stream")
	c.SetState(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "pushsub_messages_received_total")
	assert.Contains(t, names, "pushsub_connection_state")
	assert.Contains(t, names, "pushsub_channels")

	assert.Panics(t, func() { NewCollector("pushsub", reg) }, "duplicate registration")
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.MessageReceived("stream")
		c.MessageDropped("unsubscribed")
		c.ChannelDeleted()
		c.ConnectAttempt("stream")
		c.TransportError("stream", "timeout")
		c.ReconnectScheduled("close")
		c.SetState(2)
		c.SetChannels(1)
		c.SinkDelivery("log", nil)
	})
}
