package folderfilter

import (
	"bufio"
	"net"
	"testing"

	"github.com/infodancer/imaproxy/internal/bus"
	"github.com/infodancer/imaproxy/internal/imap"
	"github.com/infodancer/imaproxy/internal/proxy"
)

type harness struct {
	clientBus, serverBus *bus.Bus
	upstream             net.Conn // plugin writes injected commands here
	upstreamPeer         net.Conn // test reads injected commands from here
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, _ := net.Pipe()
	t.Cleanup(func() { client.Close() })
	sess := proxy.NewSession(client)

	upstream, upstreamPeer := net.Pipe()
	t.Cleanup(func() { upstream.Close(); upstreamPeer.Close() })

	h := &harness{clientBus: bus.New(nil), serverBus: bus.New(nil), upstream: upstream, upstreamPeer: upstreamPeer}
	New(nil).Attach(sess, h.clientBus, h.serverBus)
	return h
}

func (h *harness) emitCapability(t *testing.T, line string) {
	t.Helper()
	h.serverBus.Emit("CAPABILITY", &bus.Event{
		CommandDescriptor: imap.CommandDescriptor{Seq: "*", Command: "CAPABILITY", Write: true},
		Upstream:          h.upstream,
		Raw:               []byte(line),
	})
}

func (h *harness) emitClientCommand(t *testing.T, verb, line string) {
	t.Helper()
	h.clientBus.Emit(verb, &bus.Event{
		CommandDescriptor: imap.CommandDescriptor{Command: verb, Write: true},
		Upstream:          h.upstream,
		Raw:               []byte(line),
	})
}

// emitData feeds one chunk of upstream bytes through the server-bus
// __DATA__ handler and returns the resulting event, for assertion.
func (h *harness) emitData(raw string) *bus.Event {
	ev := &bus.Event{
		CommandDescriptor: imap.CommandDescriptor{Command: imap.DataCommand, Write: true},
		Upstream:          h.upstream,
		Raw:               []byte(raw),
	}
	h.serverBus.Emit(imap.DataCommand, ev)
	return ev
}

// readInjectedLine reads one CRLF-terminated line the plugin wrote upstream.
func readInjectedLine(t *testing.T, peer net.Conn) string {
	t.Helper()
	r := bufio.NewReader(peer)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading injected command: %v", err)
	}
	return line
}

func TestS4ListingFilterViaAnnotatemore(t *testing.T) {
	h := newHarness(t)
	h.emitCapability(t, "* CAPABILITY IMAP4rev1 ANNOTATEMORE\r\n")
	h.emitClientCommand(t, "LSUB", "a003 LSUB \"\" \"*\"\r\n")

	injected := make(chan string, 1)
	go func() { injected <- readInjectedLine(t, h.upstreamPeer) }()

	ev := h.emitData("* LSUB () \"/\" INBOX\r\n* LSUB () \"/\" Calendar\r\n* LSUB () \"/\" shared/Team\r\na003 OK LSUB completed\r\n")
	if ev.Write {
		t.Fatal("expected Write=false while the listing filter owns the response")
	}

	got := <-injected
	want := "Aa003 GETANNOTATION \"*\" \"/vendor/kolab/folder-type\" (\"value.priv\" \"value.shared\")\r\n"
	if got != want {
		t.Fatalf("injected = %q, want %q", got, want)
	}

	ev = h.emitData("* ANNOTATION Calendar /vendor/kolab/folder-type (value.priv \"event\" value.shared NIL)\r\n" +
		"* ANNOTATION INBOX /vendor/kolab/folder-type (value.priv \"mail\" value.shared NIL)\r\n" +
		"Aa003 OK GETANNOTATION completed\r\n")

	if ev.Result == nil {
		t.Fatal("expected a filtered listing result")
	}
	got2 := string(ev.Result)
	want2 := "* LSUB () \"/\" INBOX\r\na003 OK Completed (filtered by IMAProxy)\r\n"
	if got2 != want2 {
		t.Errorf("Result = %q, want %q", got2, want2)
	}
}

func TestS5ListingFilterViaMetadataWithLiteral(t *testing.T) {
	h := newHarness(t)
	h.emitCapability(t, "* CAPABILITY IMAP4rev1 METADATA\r\n")
	h.emitClientCommand(t, "LIST", "a004 LIST \"\" \"*\"\r\n")

	injected := make(chan string, 1)
	go func() { injected <- readInjectedLine(t, h.upstreamPeer) }()

	h.emitData("* LIST () \"/\" INBOX\r\n* LIST () \"/\" Notes\r\na004 OK LIST completed\r\n")

	got := <-injected
	want := "Aa004 GETMETADATA \"*\" (/private/vendor/kolab/folder-type /shared/vendor/kolab/folder-type)\r\n"
	if got != want {
		t.Fatalf("injected = %q, want %q", got, want)
	}

	ev := h.emitData("* METADATA \"Notes\" (/private/vendor/kolab/folder-type {5}\r\nnote.\r\n)\r\n" +
		"Aa004 OK GETMETADATA completed\r\n")

	if ev.Result == nil {
		t.Fatal("expected a filtered listing result")
	}
	got2 := string(ev.Result)
	want2 := "* LIST () \"/\" INBOX\r\na004 OK Completed (filtered by IMAProxy)\r\n"
	if got2 != want2 {
		t.Errorf("Result = %q, want %q", got2, want2)
	}
}

func TestS6NoRelevantCapabilityDetaches(t *testing.T) {
	h := newHarness(t)
	h.emitCapability(t, "* CAPABILITY IMAP4rev1 IDLE\r\n")

	if h.clientBus.HasListeners("LIST") {
		// not yet detached: detach only happens once a LIST is actually seen
		t.Log("capabilities known with nothing relevant; waiting for first LIST to detach")
	}

	h.emitClientCommand(t, "LIST", "a005 LIST \"\" \"*\"\r\n")

	if h.clientBus.HasListeners("LIST") || h.clientBus.HasListeners("LSUB") || h.clientBus.HasListeners("XLIST") {
		t.Error("expected the filter to detach all listing listeners once capabilities are known to lack ANNOTATEMORE/METADATA")
	}

	// A subsequent LIST completion must pass through unfiltered: no job was
	// ever registered, so the __DATA__ handler leaves Write untouched.
	ev := h.emitData("* LIST () \"/\" INBOX\r\na005 OK LIST completed\r\n")
	if !ev.Write {
		t.Error("expected Write to remain true: no listing job was ever opened")
	}
	if ev.Result != nil {
		t.Error("expected no Result: nothing for the filter to rewrite")
	}
}

func TestMetadataCachedAcrossSubsequentListings(t *testing.T) {
	h := newHarness(t)
	h.emitCapability(t, "* CAPABILITY IMAP4rev1 METADATA\r\n")

	h.emitClientCommand(t, "LIST", "a006 LIST \"\" \"*\"\r\n")
	go readInjectedLine(t, h.upstreamPeer)
	h.emitData("* LIST () \"/\" INBOX\r\n* LIST () \"/\" Notes\r\na006 OK LIST completed\r\n")
	h.emitData("* METADATA INBOX (/private/vendor/kolab/folder-type mail)\r\n" +
		"* METADATA Notes (/private/vendor/kolab/folder-type event)\r\n" +
		"Aa006 OK GETMETADATA completed\r\n")

	// Second listing should be answered from the cached metadata map
	// without injecting a second GETMETADATA.
	h.emitClientCommand(t, "LIST", "a007 LIST \"\" \"*\"\r\n")
	ev := h.emitData("* LIST () \"/\" INBOX\r\n* LIST () \"/\" Notes\r\na007 OK LIST completed\r\n")

	if ev.Result == nil {
		t.Fatal("expected an immediate filtered result from cached metadata")
	}
	want := "* LIST () \"/\" INBOX\r\na007 OK Completed (filtered by IMAProxy)\r\n"
	if got := string(ev.Result); got != want {
		t.Errorf("Result = %q, want %q", got, want)
	}
}

func TestSharedMailboxNeverAppearsInFilteredListing(t *testing.T) {
	h := newHarness(t)
	h.emitCapability(t, "* CAPABILITY IMAP4rev1 ANNOTATEMORE\r\n")
	h.emitClientCommand(t, "LIST", "a008 LIST \"\" \"*\"\r\n")
	go readInjectedLine(t, h.upstreamPeer)

	h.emitData("* LIST () \"/\" INBOX\r\n* LIST () \"/\" shared\r\n* LIST () \"/\" shared/Team\r\na008 OK LIST completed\r\n")
	ev := h.emitData("* ANNOTATION INBOX /vendor/kolab/folder-type (value.priv \"mail\" value.shared NIL)\r\n" +
		"Aa008 OK GETANNOTATION completed\r\n")

	got := string(ev.Result)
	want := "* LIST () \"/\" INBOX\r\na008 OK Completed (filtered by IMAProxy)\r\n"
	if got != want {
		t.Errorf("Result = %q, want %q (shared and shared/Team must both be dropped)", got, want)
	}
}
