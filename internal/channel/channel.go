// Package channel holds the set of subscribed channels and builds the
// subscriber URLs the transports connect to.
package channel

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrDuplicateChannel is returned when adding a channel that is already
// subscribed.
var ErrDuplicateChannel = errors.New("channel already subscribed")

// Options are the per-channel subscription options.
type Options struct {
	// Backtrack asks the server to replay this many past messages. Zero
	// disables backtracking.
	Backtrack int `mapstructure:"backtrack" json:"backtrack,omitempty"`
}

// Set maps channel names to their subscription options. It is not safe
// for concurrent use; the subscriber client only touches it on its loop.
type Set struct {
	channels map[string]Options
}

// NewSet returns an empty channel set.
func NewSet() *Set {
	return &Set{channels: make(map[string]Options)}
}

// Add subscribes name with opts.
func (s *Set) Add(name string, opts Options) error {
	if _, ok := s.channels[name]; ok {
		return fmt.Errorf("cannot add channel %s: %w", name, ErrDuplicateChannel)
	}
	s.channels[name] = opts
	return nil
}

// Remove unsubscribes name. Removing an unknown channel is a no-op.
func (s *Set) Remove(name string) bool {
	if _, ok := s.channels[name]; !ok {
		return false
	}
	delete(s.channels, name)
	return true
}

// RemoveAll clears the set.
func (s *Set) RemoveAll() {
	s.channels = make(map[string]Options)
}

// Has reports whether name is subscribed.
func (s *Set) Has(name string) bool {
	_, ok := s.channels[name]
	return ok
}

// Len returns the number of subscribed channels.
func (s *Set) Len() int {
	return len(s.channels)
}

// Names returns the subscribed channel names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path renders the channel part of a subscriber URL, e.g. "/news.b5/sports".
func (s *Set) Path() string {
	var b strings.Builder
	for _, name := range s.Names() {
		b.WriteByte('/')
		b.WriteString(name)
		if bt := s.channels[name].Backtrack; bt > 0 {
			b.WriteString(".b")
			b.WriteString(strconv.Itoa(bt))
		}
	}
	return b.String()
}

// URLBuilder builds subscriber URLs of the form
//
//	scheme://host[:port]<prefix>/<ch1>[.b<n>]/<ch2>...?_=<unix-ms>
type URLBuilder struct {
	UseSSL bool
	Host   string
	Port   int
}

// Build returns the subscriber URL for prefix and the given channels.
// scheme is "http" or "ws"; an "s" is appended when UseSSL is set.
func (u URLBuilder) Build(scheme, prefix string, channels *Set, now time.Time) string {
	var b strings.Builder
	b.WriteString(scheme)
	if u.UseSSL {
		b.WriteByte('s')
	}
	b.WriteString("://")
	b.WriteString(u.Host)
	if u.Port != 80 && u.Port != 443 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	b.WriteString(prefix)
	b.WriteString(channels.Path())
	b.WriteString("?_=")
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	return b.String()
}
