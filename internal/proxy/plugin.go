package proxy

import "github.com/infodancer/imaproxy/internal/bus"

// Plugin is the contract built-in and loaded middleware implement. Attach is
// called once per session, before any bytes are pumped, so a plugin's
// registrations on clientBus/serverBus see every event for the session's
// lifetime (spec.md §6 "Plugins").
type Plugin interface {
	Name() string
	Attach(sess *Session, clientBus, serverBus *bus.Bus)
}
