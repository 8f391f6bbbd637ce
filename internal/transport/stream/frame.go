package stream

import (
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/nadzzz/pushstream/internal/message"
)

// maxScriptBytes caps a single script block of the frame document.
const maxScriptBytes = 1 << 20

// jsString matches a single-quoted JavaScript string literal.
const jsString = `'((?:[^'\\]|\\.)*)'`

var (
	registerPattern = regexp.MustCompile(`^(?:(?:window\.)?parent\.)?PushStream\.register\(\s*this\s*\)$`)

	positionalWithEventID = regexp.MustCompile(`^(-?\d+)\s*,\s*` + jsString + `\s*,\s*` + jsString + `\s*,\s*` + jsString + `$`)
	positional            = regexp.MustCompile(`^(-?\d+)\s*,\s*` + jsString + `\s*,\s*` + jsString + `$`)
	// positionalRaw accepts a text left unescaped by the server template.
	positionalRaw = regexp.MustCompile(`^(-?\d+)\s*,\s*'([^']*)'\s*,\s*'(.*)'$`)
)

type callKind int

const (
	callUnknown callKind = iota
	callRegister
	callProcess
)

type call struct {
	kind callKind
	msg  message.Message
}

// runFrame is the frame execution context: it reads the streamed document
// from r and executes its script calls. It knows nothing about the
// transport that opened it except the URL, and reaches it only through
// the registry. It returns nil when the document ends cleanly.
func runFrame(r io.Reader, frameURL string, registry *Registry, logger *slog.Logger) error {
	z := html.NewTokenizer(r)
	z.SetMaxBuf(maxScriptBytes)

	var (
		process  Process
		inScript bool
		script   strings.Builder
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return nil
			}
			return z.Err()
		case html.StartTagToken:
			if name, _ := z.TagName(); string(name) == "script" {
				inScript = true
				script.Reset()
			}
		case html.TextToken:
			if inScript {
				script.Write(z.Text())
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) != "script" || !inScript {
				continue
			}
			inScript = false

			c, err := parseCall(script.String())
			if err != nil {
				logger.Warn("dropping message", "error", err)
				continue
			}
			switch c.kind {
			case callRegister:
				if process != nil {
					continue
				}
				p, err := registry.Register(frameURL)
				if err != nil {
					return err
				}
				process = p
			case callProcess:
				if process == nil {
					continue
				}
				process(c.msg.ID, c.msg.Channel, c.msg.Text, c.msg.EventID)
			}
		}
	}
}

// parseCall recognises the two calls a frame makes: the registration
// handshake and p(...) deliveries. Unknown scripts are ignored.
func parseCall(script string) (call, error) {
	s := strings.TrimSpace(script)
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))

	if registerPattern.MatchString(s) {
		return call{kind: callRegister}, nil
	}
	if !strings.HasPrefix(s, "p(") || !strings.HasSuffix(s, ")") {
		return call{}, nil
	}

	args := strings.TrimSpace(s[2 : len(s)-1])
	if strings.HasPrefix(args, "{") {
		msg, err := message.Decode(args)
		if err != nil {
			return call{}, err
		}
		return call{kind: callProcess, msg: msg}, nil
	}

	if match := positionalWithEventID.FindStringSubmatch(args); match != nil {
		return positionalCall(match[1], unescapeJS(match[2]), unescapeJS(match[3]), unescapeJS(match[4])), nil
	}
	if match := positional.FindStringSubmatch(args); match != nil {
		return positionalCall(match[1], unescapeJS(match[2]), unescapeJS(match[3]), ""), nil
	}
	if match := positionalRaw.FindStringSubmatch(args); match != nil {
		return positionalCall(match[1], match[2], match[3], ""), nil
	}
	return call{}, nil
}

func positionalCall(rawID, channel, text, eventID string) call {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return call{}
	}
	return call{kind: callProcess, msg: message.Message{
		ID:      id,
		Channel: channel,
		Text:    text,
		EventID: eventID,
	}}
}

// unescapeJS resolves the backslash escapes of a JavaScript string body.
func unescapeJS(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
