package stream

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// SessionParam is the query parameter carrying a transport's session token.
const SessionParam = "streamid"

// ErrUnknownSession is returned when a frame registers with a token or URL
// that no live transport owns.
var ErrUnknownSession = errors.New("unknown stream session")

// Process delivers one call from a frame into its transport.
type Process func(id int64, channel, text, eventID string)

// Registrar completes the registration handshake of a frame.
type Registrar interface {
	Register(frameURL string) (Process, error)
}

// Registry routes a frame's registration to the transport that opened it,
// using the session token embedded in the frame URL.
type Registry struct {
	sync.RWMutex
	sessions map[string]Registrar
}

// DefaultRegistry is the process-wide registry used when none is given.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]Registrar{},
	}
}

// Add makes r reachable under token.
func (reg *Registry) Add(token string, r Registrar) {
	reg.Lock()
	reg.sessions[token] = r
	reg.Unlock()
}

// Remove forgets token.
func (reg *Registry) Remove(token string) {
	reg.Lock()
	delete(reg.sessions, token)
	reg.Unlock()
}

// Len returns the number of live sessions.
func (reg *Registry) Len() int {
	reg.RLock()
	defer reg.RUnlock()
	return len(reg.sessions)
}

// Register looks up the session token in frameURL and hands the
// registration to its owner.
func (reg *Registry) Register(frameURL string) (Process, error) {
	u, err := url.Parse(frameURL)
	if err != nil {
		return nil, fmt.Errorf("parsing frame url: %w", err)
	}
	token := u.Query().Get(SessionParam)

	reg.RLock()
	r, ok := reg.sessions[token]
	reg.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, token)
	}
	return r.Register(frameURL)
}
