// Package transporttest provides helpers for testing transports.
package transporttest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nadzzz/pushstream/internal/eventloop"
	"github.com/nadzzz/pushstream/internal/message"
	"github.com/nadzzz/pushstream/internal/transport"
)

// Event kinds recorded by Recorder.
const (
	Open    = "open"
	Message = "message"
	Error   = "error"
	Close   = "close"
)

// Event is one recorded listener notification.
type Event struct {
	Kind string
	Msg  message.Message
	Err  transport.ErrorKind
}

// Recorder is a transport.Listener that records every notification.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan Event, 256)}
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *Recorder) OnOpen()                          { r.record(Event{Kind: Open}) }
func (r *Recorder) OnMessage(msg message.Message)    { r.record(Event{Kind: Message, Msg: msg}) }
func (r *Recorder) OnError(kind transport.ErrorKind) { r.record(Event{Kind: Error, Err: kind}) }
func (r *Recorder) OnClose()                         { r.record(Event{Kind: Close}) }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Next waits for the next notification.
func (r *Recorder) Next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport notification")
		return Event{}
	}
}

// ExpectNone fails if a notification arrives within d.
func (r *Recorder) ExpectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-r.ch:
		t.Fatalf("unexpected notification %+v", e)
	case <-time.After(d):
	}
}

// Endpoint is a transport.Endpoint subscribed to a single channel on Base.
type Endpoint struct {
	// Base is the server root, such as an httptest.Server URL.
	Base    string
	Channel string
}

// SubscriberURL implements transport.Endpoint.
func (e Endpoint) SubscriberURL(scheme, prefix string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(e.Base, "https"), "http")
	return scheme + rest + prefix + "/" + e.Channel + "?_=1"
}

// StartLoop runs a loop on clk for the duration of the test.
func StartLoop(t *testing.T, clk clock.Clock) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(clk, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

// Env returns an environment wired to loop, the recorder and endpoint.
func Env(loop *eventloop.Loop, rec *Recorder, ep transport.Endpoint) transport.Env {
	return transport.Env{
		Loop:        loop,
		Endpoint:    ep,
		Listener:    rec,
		Timeout:     15 * time.Second,
		PingTimeout: 30 * time.Second,
	}
}

// OnLoop runs fn on loop and waits for it.
func OnLoop(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	if err := loop.Do(func() error { fn(); return nil }); err != nil {
		t.Fatalf("loop: %v", err)
	}
}
