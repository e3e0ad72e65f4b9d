// Package capability implements the Capability Rewriter built-in plugin
// (spec.md §4.5): it strips COMPRESS=DEFLATE from advertised capabilities
// so compression, which the proxy cannot transparently pass through, is
// never offered to the client, and flags the session once the server has
// advertised enough to be worth filtering listings against.
package capability

import (
	"strings"

	"github.com/infodancer/imaproxy/internal/bus"
	"github.com/infodancer/imaproxy/internal/metrics"
	"github.com/infodancer/imaproxy/internal/proxy"
)

const deflateToken = "COMPRESS=DEFLATE "

var capabilityMarkers = []string{"SORT", "ANNOTATEMORE", "METADATA"}

// Plugin strips COMPRESS=DEFLATE from CAPABILITY responses (bare and
// piggybacked on an untagged OK) and marks the session's capabilities as
// seen once a relevant capability is observed.
type Plugin struct {
	Collector metrics.Collector
}

// New returns a Capability Rewriter using collector for observability, or a
// no-op collector when nil.
func New(collector metrics.Collector) *Plugin {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Plugin{Collector: collector}
}

// Name identifies the plugin in logs.
func (p *Plugin) Name() string { return "capability-rewriter" }

// Attach registers the plugin's listeners on the server bus for sess.
func (p *Plugin) Attach(sess *proxy.Session, clientBus, serverBus *bus.Bus) {
	serverBus.On("CAPABILITY", func(ev *bus.Event) {
		p.handleCapability(sess, ev)
	})
	serverBus.On("OK", func(ev *bus.Event) {
		if sess.CapabilitiesSeen() {
			return
		}
		p.handlePiggybackedOK(sess, ev)
	})
}

func (p *Plugin) handleCapability(sess *proxy.Session, ev *bus.Event) {
	payload := string(ev.Raw)
	if strings.Contains(payload, "COMPRESS=DEFLATE") {
		ev.Result = []byte(strings.Replace(payload, deflateToken, "", 1))
		p.Collector.CapabilityRewritten()
	}
	if containsAny(payload, capabilityMarkers) {
		sess.SetCapabilitiesSeen()
	}
}

func (p *Plugin) handlePiggybackedOK(sess *proxy.Session, ev *bus.Event) {
	payload := string(ev.Raw)
	if !strings.Contains(payload, "[CAPABILITY ") {
		return
	}
	if !containsAny(payload, capabilityMarkers) {
		return
	}
	if strings.Contains(payload, "COMPRESS=DEFLATE") {
		ev.Result = []byte(strings.Replace(payload, deflateToken, "", 1))
		p.Collector.CapabilityRewritten()
	}
	sess.SetCapabilitiesSeen()
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
