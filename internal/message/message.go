// Package message defines the message value delivered by push-stream
// transports and the envelope codec used to decode it from the wire.
package message

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ChannelDeletedID is the message id the server uses to announce that a
// channel was deleted. Messages carrying it are notices, not payloads.
const ChannelDeletedID = -2

// ErrMalformedEnvelope is returned when a raw payload matches neither
// envelope shape.
var ErrMalformedEnvelope = errors.New("malformed message envelope")

var (
	envelopePattern            = regexp.MustCompile(`\{"id":(-?\d+),"channel":"(.*)","text":"(.*)"\}`)
	envelopeWithEventIDPattern = regexp.MustCompile(`\{"id":(-?\d+),"channel":"(.*)","text":"(.*)","eventid":"(.*)"\}`)
)

const eventIDKey = `"eventid":"`

// Message is a single message received on a subscribed channel.
type Message struct {
	// ID is the server-assigned message id. ChannelDeletedID is a sentinel.
	ID int64 `json:"id"`

	// Channel is the name of the channel the message was published to.
	Channel string `json:"channel"`

	// Text is the message payload, exactly as it appeared on the wire.
	Text string `json:"text"`

	// EventID is the optional publisher-supplied event id. Empty when absent.
	EventID string `json:"eventid,omitempty"`
}

// IsChannelDeleted reports whether m is a channel-deleted notice.
func (m Message) IsChannelDeleted() bool {
	return m.ID == ChannelDeletedID
}

// Decode parses a raw envelope of either shape:
//
//	{"id":<int>,"channel":"<string>","text":"<string>"}
//	{"id":<int>,"channel":"<string>","text":"<string>","eventid":"<string>"}
//
// Values are taken literally from the matched groups; nothing is unescaped.
func Decode(raw string) (Message, error) {
	pattern := envelopePattern
	if strings.Index(raw, eventIDKey) > 0 {
		pattern = envelopeWithEventIDPattern
	}

	match := pattern.FindStringSubmatch(raw)
	if match == nil {
		return Message{}, fmt.Errorf("%w (%d bytes)", ErrMalformedEnvelope, len(raw))
	}

	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("%w: id %q: %v", ErrMalformedEnvelope, match[1], err)
	}

	msg := Message{
		ID:      id,
		Channel: match[2],
		Text:    match[3],
	}
	if len(match) > 4 {
		msg.EventID = match[4]
	}
	return msg, nil
}
