package proxy

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/infodancer/imaproxy/internal/bus"
)

// sessionCounter is the per-worker monotonically increasing session ID
// source (spec.md §5 "Shared resources": "the acceptor is the only
// mutator of the session ID counter").
var sessionCounter atomic.Int64

// Session is one active client connection, per spec.md §3. Exactly one
// Mediator owns a Session and mutates it; the fields are otherwise safe
// to read from the bus.Event that wraps them.
type Session struct {
	id int64

	mu               sync.Mutex
	connected        bool
	capabilitiesSeen bool

	upstream net.Conn
	client   net.Conn

	bag *bus.Bag
}

// NewSession allocates a Session with the next sequential ID. The counter is
// atomic, so the per-connection goroutines the Acceptor spawns may call it
// concurrently.
func NewSession(client net.Conn) *Session {
	return &Session{
		id:        sessionCounter.Add(1),
		connected: true,
		client:    client,
		bag:       bus.NewBag(),
	}
}

// ID returns the session's stable numeric ID (bus.SessionExtra).
func (s *Session) ID() int64 { return s.id }

// Bag returns the session's plugin extension bag (bus.SessionExtra).
func (s *Session) Bag() *bus.Bag { return s.bag }

// SetUpstream records the connected upstream socket.
func (s *Session) SetUpstream(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream = conn
}

// Upstream returns the upstream socket, or nil before it connects.
func (s *Session) Upstream() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// Client returns the downstream (client-facing) socket.
func (s *Session) Client() net.Conn {
	return s.client
}

// Connected reports whether the session is still considered live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// MarkDisconnected flips Connected to false and reports whether this call
// was the one that did so (spec.md §3 invariant: the open-connection
// counter is decremented exactly once per connection, §4.4 step 3).
func (s *Session) MarkDisconnected() (wasConnected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false
	}
	s.connected = false
	return true
}

// CapabilitiesSeen reports whether the Capability Rewriter has observed
// SORT, ANNOTATEMORE, or METADATA advertised by the upstream.
func (s *Session) CapabilitiesSeen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilitiesSeen
}

// SetCapabilitiesSeen transitions CapabilitiesSeen to true. The transition
// is one-way (spec.md §3 invariant d).
func (s *Session) SetCapabilitiesSeen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilitiesSeen = true
}
