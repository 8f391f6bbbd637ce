package subscriber

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/pushstream/internal/channel"
	"github.com/nadzzz/pushstream/internal/eventloop"
	"github.com/nadzzz/pushstream/internal/message"
	"github.com/nadzzz/pushstream/internal/metrics"
	"github.com/nadzzz/pushstream/internal/transport"
)

// fakeTransport records the calls it receives. It is only touched on the
// client loop.
type fakeTransport struct {
	name        string
	env         transport.Env
	connectErr  error
	connected   bool
	connects    int
	disconnects int
	urls        []string
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Connect() error {
	f.Disconnect()
	f.connects++
	f.connected = true
	f.urls = append(f.urls, f.env.Endpoint.SubscriberURL("http", f.env.Prefix))
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	if f.connected {
		f.disconnects++
	}
	f.connected = false
}

type appEvent struct {
	kind    string
	state   State
	msg     message.Message
	err     transport.ErrorKind
	channel string
}

type harness struct {
	c      *Client
	mock   *clock.Mock
	fakes  map[transport.Mode]*fakeTransport
	events chan appEvent
}

var fakeModes = []transport.Mode{transport.ModeEventSource, transport.ModeStream, transport.ModeLongPolling}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		mock:   clock.NewMock(),
		fakes:  map[transport.Mode]*fakeTransport{},
		events: make(chan appEvent, 256),
	}
	if opts.Modes == nil {
		opts.Modes = fakeModes
	}
	if opts.Host == "" {
		opts.Host = "push.local"
	}
	opts.Clock = h.mock
	opts.Logger = quietLogger()
	if opts.Factories == nil {
		opts.Factories = map[transport.Mode]transport.Factory{}
		for _, mode := range opts.Modes {
			mode := mode
			opts.Factories[mode] = func(env transport.Env) (transport.Transport, error) {
				f := &fakeTransport{name: string(mode), env: env}
				h.fakes[mode] = f
				return f, nil
			}
		}
	}

	c, err := New(opts, Handlers{
		OnOpen:    func() { h.events <- appEvent{kind: "open"} },
		OnMessage: func(msg message.Message) { h.events <- appEvent{kind: "message", msg: msg} },
		OnError:   func(kind transport.ErrorKind) { h.events <- appEvent{kind: "error", err: kind} },
		OnStatusChange: func(s State) {
			h.events <- appEvent{kind: "status", state: s}
		},
		OnChannelDeleted: func(ch string) { h.events <- appEvent{kind: "deleted", channel: ch} },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	h.c = c
	return h
}

// onLoop runs fn on the client loop and waits for it.
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.c.loop.Do(func() error { fn(); return nil }))
}

func (h *harness) fake(mode transport.Mode) *fakeTransport { return h.fakes[mode] }

func (h *harness) connects(t *testing.T, mode transport.Mode) int {
	t.Helper()
	var n int
	h.onLoop(t, func() { n = h.fake(mode).connects })
	return n
}

// advance moves the mock clock. Timers fire asynchronously; use
// waitConnects or a handler event to observe their effect.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.mock.Add(d)
	h.onLoop(t, func() {})
}

func (h *harness) waitConnects(t *testing.T, mode transport.Mode, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		var got int
		_ = h.c.loop.Do(func() error { got = h.fake(mode).connects; return nil })
		return got == n
	}, 5*time.Second, 5*time.Millisecond, "%s connects", mode)
}

func (h *harness) next(t *testing.T) appEvent {
	t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler call")
		return appEvent{}
	}
}

func (h *harness) expectStatus(t *testing.T, want State) {
	t.Helper()
	e := h.next(t)
	require.Equal(t, "status", e.kind, "event %+v", e)
	require.Equal(t, want, e.state)
}

func (h *harness) expectNone(t *testing.T) {
	t.Helper()
	// Flush both loops before checking.
	h.onLoop(t, func() {})
	require.NoError(t, h.c.dispatch.Do(func() error { return nil }))
	select {
	case e := <-h.events:
		t.Fatalf("unexpected handler call %+v", e)
	default:
	}
}

// open connects with the given channels and opens the first transport.
func (h *harness) open(t *testing.T, channels ...string) {
	t.Helper()
	for _, ch := range channels {
		require.NoError(t, h.c.AddChannel(ch, channel.Options{}))
	}
	require.NoError(t, h.c.Connect())
	h.expectStatus(t, StateConnecting)
	h.onLoop(t, func() { h.fake(fakeModes[0]).env.Listener.OnOpen() })
	h.expectStatus(t, StateOpen)
	require.Equal(t, "open", h.next(t).kind)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "State(7)", State(7).String())
	assert.Equal(t, State(0), StateClosed)
	assert.Equal(t, State(1), StateConnecting)
	assert.Equal(t, State(2), StateOpen)
}

func TestNew_InvalidPort(t *testing.T) {
	_, err := New(Options{Host: "push.local", Port: 70000, Logger: quietLogger()}, Handlers{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNew_SkipsUnknownAndUnsupportedModes(t *testing.T) {
	c, err := New(Options{
		Host:       "push.local",
		Modes:      []transport.Mode{"carrier-pigeon", transport.ModeEventSource, transport.ModeLongPolling},
		HTTPClient: &http.Client{Timeout: time.Second},
		Logger:     quietLogger(),
	}, Handlers{})
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.roster, 1)
	assert.Equal(t, "longpolling", c.roster[0].Name())
}

func TestConnect_ConfigurationErrors(t *testing.T) {
	t.Run("no channels", func(t *testing.T) {
		h := newHarness(t, Options{})
		err := h.c.Connect()
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Contains(t, err.Error(), "no channels")
		for _, mode := range fakeModes {
			assert.Zero(t, h.connects(t, mode))
		}
		assert.Equal(t, StateClosed, h.c.State())
		assert.Empty(t, h.c.Mode())
		h.expectNone(t)
	})

	t.Run("no host", func(t *testing.T) {
		c, err := New(Options{Logger: quietLogger(), Factories: map[transport.Mode]transport.Factory{}}, Handlers{})
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.AddChannel("news", channel.Options{}))
		err = c.Connect()
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Contains(t, err.Error(), "host")
	})

	t.Run("empty roster", func(t *testing.T) {
		unsupported := func(transport.Env) (transport.Transport, error) { return nil, transport.ErrUnsupported }
		h := newHarness(t, Options{
			Modes:     []transport.Mode{transport.ModeEventSource},
			Factories: map[transport.Mode]transport.Factory{transport.ModeEventSource: unsupported},
		})
		require.NoError(t, h.c.AddChannel("news", channel.Options{}))
		err := h.c.Connect()
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Contains(t, err.Error(), "no available transport")
	})
}

func TestAddChannel_Duplicate(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.c.AddChannel("news", channel.Options{Backtrack: 5}))

	err := h.c.AddChannel("news", channel.Options{Backtrack: 1})
	assert.ErrorIs(t, err, ErrDuplicateChannel)
	assert.Equal(t, []string{"news"}, h.c.Channels())

	require.NoError(t, h.c.Connect())
	var urls []string
	h.onLoop(t, func() { urls = h.fake(transport.ModeEventSource).urls })
	require.Len(t, urls, 1)
	assert.True(t, strings.HasPrefix(urls[0], "http://push.local/ev/news.b5?_="), urls[0])
}

func TestClient_OpenSelectsFirstTransport(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t, "news")

	assert.Equal(t, StateOpen, h.c.State())
	assert.Equal(t, "eventsource", h.c.Mode())
	assert.Equal(t, 1, h.connects(t, transport.ModeEventSource))
	assert.Zero(t, h.connects(t, transport.ModeStream))
}

func TestClient_StickyRotation(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t, "news")
	es := h.fake(transport.ModeEventSource)

	// A close after a successful open retries the same transport.
	h.onLoop(t, func() { es.env.Listener.OnClose() })
	h.expectStatus(t, StateClosed)
	h.advance(t, DefaultReconnectTimeout-time.Millisecond)
	assert.Equal(t, 1, h.connects(t, transport.ModeEventSource))
	h.advance(t, time.Millisecond)
	h.expectStatus(t, StateConnecting)
	assert.Equal(t, 2, h.connects(t, transport.ModeEventSource))
	assert.Equal(t, "eventsource", h.c.Mode())

	// A failure before opening moves on to the next transport.
	h.onLoop(t, func() { es.env.Listener.OnError(transport.ErrorTimeout) })
	h.expectStatus(t, StateClosed)
	assert.Equal(t, transport.ErrorTimeout, h.next(t).err)
	h.advance(t, DefaultReconnectTimeout)
	h.expectStatus(t, StateConnecting)
	assert.Equal(t, 1, h.connects(t, transport.ModeStream))
	assert.Equal(t, "stream", h.c.Mode())

	// And wraps around the roster.
	st := h.fake(transport.ModeStream)
	h.onLoop(t, func() { st.env.Listener.OnError(transport.ErrorTimeout) })
	h.advance(t, DefaultReconnectTimeout)
	h.waitConnects(t, transport.ModeLongPolling, 1)

	lp := h.fake(transport.ModeLongPolling)
	h.onLoop(t, func() { lp.env.Listener.OnError(transport.ErrorTimeout) })
	h.advance(t, DefaultReconnectTimeout)
	h.waitConnects(t, transport.ModeEventSource, 3)
}

func TestClient_StickyAfterLaterTransportOpens(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.c.AddChannel("news", channel.Options{}))
	require.NoError(t, h.c.Connect())

	es := h.fake(transport.ModeEventSource)
	h.onLoop(t, func() { es.env.Listener.OnError(transport.ErrorTimeout) })
	h.advance(t, DefaultReconnectTimeout)
	h.waitConnects(t, transport.ModeStream, 1)

	st := h.fake(transport.ModeStream)
	h.onLoop(t, func() { st.env.Listener.OnOpen() })
	h.onLoop(t, func() { st.env.Listener.OnClose() })
	h.advance(t, DefaultReconnectTimeout)

	h.waitConnects(t, transport.ModeStream, 2)
	assert.Zero(t, h.connects(t, transport.ModeLongPolling))
}

func TestClient_TwoTierReconnect(t *testing.T) {
	h := newHarness(t, Options{
		ReconnectTimeout:                 time.Second,
		CheckChannelAvailabilityInterval: time.Minute,
	})
	require.NoError(t, h.c.AddChannel("news", channel.Options{}))
	require.NoError(t, h.c.Connect())
	h.expectStatus(t, StateConnecting)

	es := h.fake(transport.ModeEventSource)
	h.onLoop(t, func() { es.env.Listener.OnError(transport.ErrorUnavailable) })
	h.expectStatus(t, StateClosed)
	e := h.next(t)
	require.Equal(t, "error", e.kind)
	assert.Equal(t, transport.ErrorUnavailable, e.err)

	h.advance(t, 59*time.Second)
	assert.Zero(t, h.connects(t, transport.ModeStream))
	assert.Equal(t, StateClosed, h.c.State())

	h.advance(t, time.Second)
	h.expectStatus(t, StateConnecting)
	assert.Equal(t, 1, h.connects(t, transport.ModeStream))
}

func TestClient_MembershipFilterIsLive(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, Options{Metrics: metrics.NewCollector("pushsub", reg)})
	h.open(t, "news", "sports")
	es := h.fake(transport.ModeEventSource)

	h.c.RemoveChannel("sports")
	assert.Equal(t, StateOpen, h.c.State(), "removal keeps the connection")

	h.onLoop(t, func() {
		es.env.Listener.OnMessage(message.Message{ID: 1, Channel: "sports", Text: "goal"})
		es.env.Listener.OnMessage(message.Message{ID: 2, Channel: "news", Text: "headline", EventID: "e2"})
	})
	e := h.next(t)
	require.Equal(t, "message", e.kind)
	assert.Equal(t, message.Message{ID: 2, Channel: "news", Text: "headline", EventID: "e2"}, e.msg)
	h.expectNone(t)

	expected := `
# HELP pushsub_messages_dropped_total Messages not delivered to the application, by reason
# TYPE pushsub_messages_dropped_total counter
pushsub_messages_dropped_total{reason="unsubscribed"} 1
# HELP pushsub_messages_received_total Messages delivered to the application, by transport
# TYPE pushsub_messages_received_total counter
pushsub_messages_received_total{transport="eventsource"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"pushsub_messages_dropped_total", "pushsub_messages_received_total"))
}

func TestClient_RemoveAllChannels(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t, "news", "sports")

	h.c.RemoveAllChannels()
	assert.Empty(t, h.c.Channels())

	es := h.fake(transport.ModeEventSource)
	h.onLoop(t, func() { es.env.Listener.OnMessage(message.Message{ID: 1, Channel: "news", Text: "x"}) })
	h.expectNone(t)
}

func TestClient_ChannelDeletedNotice(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t, "news", "sports")
	es := h.fake(transport.ModeEventSource)

	h.onLoop(t, func() {
		es.env.Listener.OnMessage(message.Message{ID: message.ChannelDeletedID, Channel: "sports", Text: "Channel deleted"})
	})
	e := h.next(t)
	require.Equal(t, "deleted", e.kind)
	assert.Equal(t, "sports", e.channel)
	h.expectNone(t)
}

func TestClient_DisconnectTwice(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t, "news")
	es := h.fake(transport.ModeEventSource)

	h.onLoop(t, func() { es.env.Listener.OnClose() })
	h.expectStatus(t, StateClosed)

	h.c.Disconnect()
	h.c.Disconnect()
	h.expectNone(t)

	h.advance(t, 10*time.Minute)
	assert.Equal(t, 1, h.connects(t, transport.ModeEventSource))
	assert.Zero(t, h.connects(t, transport.ModeStream))
	h.onLoop(t, func() {
		assert.False(t, h.c.reconnectTimer.Pending())
		assert.False(t, es.connected)
	})
	assert.Equal(t, StateClosed, h.c.State())
	h.expectNone(t)
}

func TestClient_DisconnectWhileOpen(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t, "news")
	es := h.fake(transport.ModeEventSource)

	h.c.Disconnect()
	h.expectStatus(t, StateClosed)
	h.onLoop(t, func() {
		assert.False(t, es.connected)
		assert.Equal(t, 1, es.disconnects)
	})
	assert.Empty(t, h.c.Mode())
	assert.Equal(t, []string{"news"}, h.c.Channels(), "disconnect keeps channels")

	// Notifications from the released transport are ignored.
	h.onLoop(t, func() { es.env.Listener.OnError(transport.ErrorTimeout) })
	h.advance(t, time.Hour)
	h.expectNone(t)
}

func TestClient_AddChannelWhileConnectedReconnects(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t, "news")

	require.NoError(t, h.c.AddChannel("sports", channel.Options{Backtrack: 2}))
	h.expectStatus(t, StateConnecting)

	es := h.fake(transport.ModeEventSource)
	h.onLoop(t, func() {
		require.Len(t, es.urls, 2)
		assert.True(t, strings.HasPrefix(es.urls[1], "http://push.local/ev/news/sports.b2?_="), es.urls[1])
	})
}

func TestClient_SynchronousConnectFailure(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.c.AddChannel("news", channel.Options{}))
	h.onLoop(t, func() {
		h.fake(transport.ModeEventSource).connectErr = errors.New("bad url")
	})

	require.NoError(t, h.c.Connect())
	h.expectStatus(t, StateConnecting)
	h.onLoop(t, func() {
		es := h.fake(transport.ModeEventSource)
		assert.False(t, es.connected)
		assert.Equal(t, 1, es.disconnects)
	})

	h.advance(t, time.Hour)
	assert.Equal(t, StateConnecting, h.c.State())
	assert.Zero(t, h.connects(t, transport.ModeStream))
}

func TestClient_ReconnectNotArmedWithoutKeepConnected(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t, "news")
	es := h.fake(transport.ModeEventSource)

	h.onLoop(t, func() {
		h.c.keepConnected = false
		es.env.Listener.OnClose()
		assert.False(t, h.c.reconnectTimer.Pending())
	})
}

func TestClient_HandlersMayCallBack(t *testing.T) {
	var c *Client
	deleted := make(chan []string, 1)
	mock := clock.NewMock()
	var es *fakeTransport
	c, err := New(Options{
		Host:   "push.local",
		Modes:  []transport.Mode{transport.ModeEventSource},
		Clock:  mock,
		Logger: quietLogger(),
		Factories: map[transport.Mode]transport.Factory{
			transport.ModeEventSource: func(env transport.Env) (transport.Transport, error) {
				es = &fakeTransport{name: "eventsource", env: env}
				return es, nil
			},
		},
	}, Handlers{
		OnChannelDeleted: func(ch string) {
			c.RemoveChannel(ch)
			deleted <- c.Channels()
		},
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.AddChannel("news", channel.Options{}))
	require.NoError(t, c.AddChannel("sports", channel.Options{}))
	require.NoError(t, c.Connect())
	require.NoError(t, c.loop.Do(func() error {
		es.env.Listener.OnOpen()
		es.env.Listener.OnMessage(message.Message{ID: -2, Channel: "sports"})
		return nil
	}))

	select {
	case names := <-deleted:
		assert.Equal(t, []string{"news"}, names)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestClient_Close(t *testing.T) {
	h := newHarness(t, Options{})
	h.open(t, "news")

	require.NoError(t, h.c.Close())
	h.expectStatusAfterClose(t)
	assert.Equal(t, StateClosed, h.c.State())
	assert.NoError(t, h.c.Close())
	assert.ErrorIs(t, h.c.AddChannel("x", channel.Options{}), eventloop.ErrStopped)
}

// expectStatusAfterClose drains the CLOSED status delivered before the
// handler loop stopped.
func (h *harness) expectStatusAfterClose(t *testing.T) {
	t.Helper()
	select {
	case e := <-h.events:
		assert.Equal(t, appEvent{kind: "status", state: StateClosed}, e)
	default:
		t.Fatal("closed status was not delivered before Close returned")
	}
}

func TestClient_EventSourceEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ev/news.b3", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("_"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"id\":1,\"channel\":\"news\",\"text\":\"hello\"}\n\n")
		fmt.Fprint(w, "data: {\"id\":2,\"channel\":\"other\",\"text\":\"ignored\"}\n\n")
		fmt.Fprint(w, "data: {\"id\":3,\"channel\":\"news\",\"text\":\"world\",\"eventid\":\"e3\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	got := make(chan message.Message, 8)
	opened := make(chan struct{}, 1)
	c, err := New(Options{
		Host:   u.Hostname(),
		Port:   port,
		Modes:  []transport.Mode{transport.ModeEventSource},
		Logger: quietLogger(),
	}, Handlers{
		OnOpen:    func() { opened <- struct{}{} },
		OnMessage: func(msg message.Message) { got <- msg },
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.AddChannel("news", channel.Options{Backtrack: 3}))
	require.NoError(t, c.Connect())

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("not opened")
	}
	assert.Equal(t, StateOpen, c.State())

	for _, want := range []message.Message{
		{ID: 1, Channel: "news", Text: "hello"},
		{ID: 3, Channel: "news", Text: "world", EventID: "e3"},
	} {
		select {
		case msg := <-got:
			assert.Equal(t, want, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("missing message %+v", want)
		}
	}
}
