package bus

import (
	"net"

	"github.com/infodancer/imaproxy/internal/imap"
)

// SessionExtra is the subset of proxy.Session state an Event needs to
// expose to listeners, kept as an interface here so this package does not
// import proxy (which imports bus to build events) and create a cycle.
type SessionExtra interface {
	ID() int64
	Bag() *Bag
}

// Event is a CommandDescriptor extended with references to the session and
// both socket endpoints, per spec.md §3. Listeners may mutate Result and
// Write; all other fields are read-only by convention.
type Event struct {
	imap.CommandDescriptor

	Session  SessionExtra
	Upstream net.Conn
	Client   net.Conn

	// Raw is the original bytes this event was framed from. Listeners
	// that want to inspect the payload (not just the classified
	// command/seq) read this; they must not mutate it. Use Result to
	// replace what gets forwarded.
	Raw []byte
}
