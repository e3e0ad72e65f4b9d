// Package folderfilter implements the Mail-Folder Filter built-in plugin
// (spec.md §4.6): it intercepts LIST/LSUB/XLIST, learns each mailbox's
// folder type from the upstream's ANNOTATEMORE or METADATA extension, and
// rewrites the listing the client sees to exclude non-mail folders and any
// shared mailbox.
package folderfilter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/infodancer/imaproxy/internal/bus"
	"github.com/infodancer/imaproxy/internal/imap"
	"github.com/infodancer/imaproxy/internal/metrics"
	"github.com/infodancer/imaproxy/internal/proxy"
)

var sharedMailbox = regexp.MustCompile(`^shared($|/)`)

// bagKey is this plugin's key into the session's extension bag (bus.Bag),
// the session-owned replacement for a plugin-private map indexed by
// numeric session ID.
const bagKey = "folderfilter.state"

// Plugin filters mailbox listings by folder type once the upstream has
// advertised ANNOTATEMORE or METADATA.
type Plugin struct {
	Collector metrics.Collector
}

// New returns a Mail-Folder Filter using collector for observability, or a
// no-op collector when nil.
func New(collector metrics.Collector) *Plugin {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Plugin{Collector: collector}
}

// Name identifies the plugin in logs.
func (p *Plugin) Name() string { return "mail-folder-filter" }

// job tracks one in-flight LIST/LSUB/XLIST request: the lines of the
// original listing, and, once that listing's own completion arrives, the
// lines of the injected GETANNOTATION/GETMETADATA reply used to classify
// each mailbox.
type job struct {
	kind         string // LIST, LSUB, or XLIST; used as the metrics label
	originalSeq  string
	syntheticSeq string // "A" + originalSeq, the tag used for the injected request

	listingLines [][]byte
	auxBuffer    [][]byte
	awaitingAux  bool
}

// state is the per-session data the spec describes as "a ListingJob and a
// metadata map", shared between the client-bus listener (registers jobs)
// and the server-bus listener (resolves them) — two different Mediator
// goroutines, hence the mutex.
type state struct {
	mu sync.Mutex

	capsKnown       bool
	hasAnnotatemore bool
	hasMetadata     bool

	jobs  map[string]*job // keyed by syntheticSeq
	order []string        // syntheticSeq, oldest (still open) first

	metadata map[string]string // mailbox -> folder type; nil until first GETANNOTATION/GETMETADATA resolves
}

func newState() *state {
	return &state{jobs: make(map[string]*job)}
}

// Attach registers the plugin's listeners for sess: capability tracking and
// listing interception on the client bus, and the resolving __DATA__
// handler on the server bus.
func (p *Plugin) Attach(sess *proxy.Session, clientBus, serverBus *bus.Bus) {
	st := newState()
	sess.Bag().Set(bagKey, st)

	serverBus.On("CAPABILITY", func(ev *bus.Event) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.capsKnown {
			return
		}
		p.recordCapabilities(st, string(ev.Raw))
	})
	serverBus.On("OK", func(ev *bus.Event) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.capsKnown {
			return
		}
		payload := string(ev.Raw)
		if !strings.Contains(payload, "[CAPABILITY ") {
			return
		}
		p.recordCapabilities(st, payload)
	})

	listingHandler := func(ev *bus.Event) {
		p.handleListing(st, clientBus, ev)
	}
	clientBus.On("LIST", listingHandler)
	clientBus.On("LSUB", listingHandler)
	clientBus.On("XLIST", listingHandler)

	serverBus.On(imap.DataCommand, func(ev *bus.Event) {
		p.handleData(st, clientBus, ev)
	})

	clientBus.On(imap.EventDisconnect, func(ev *bus.Event) {
		st.mu.Lock()
		defer st.mu.Unlock()
		st.jobs = make(map[string]*job)
		st.order = nil
		st.metadata = nil
		sess.Bag().Delete(bagKey)
	})
}

func (p *Plugin) recordCapabilities(st *state, payload string) {
	st.capsKnown = true
	st.hasAnnotatemore = strings.Contains(payload, "ANNOTATEMORE")
	st.hasMetadata = strings.Contains(payload, "METADATA")
}

// handleListing registers a job for each LIST/LSUB/XLIST command line found
// in the forwarded payload. A single client read can carry more than one
// pipelined command when none of them triggered a literal continuation.
func (p *Plugin) handleListing(st *state, clientBus *bus.Bus, ev *bus.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.capsKnown {
		return
	}
	if !st.hasAnnotatemore && !st.hasMetadata {
		clientBus.OffAll("LIST")
		clientBus.OffAll("LSUB")
		clientBus.OffAll("XLIST")
		return
	}

	for _, line := range bytes.Split(ev.Raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		fields := strings.Fields(string(line))
		if len(fields) < 2 {
			continue
		}
		kind := strings.ToUpper(fields[1])
		if kind != "LIST" && kind != "LSUB" && kind != "XLIST" {
			continue
		}
		seq := fields[0]
		synthetic := "A" + seq
		st.jobs[synthetic] = &job{kind: kind, originalSeq: seq, syntheticSeq: synthetic}
		st.order = append(st.order, synthetic)
	}
}

// handleData is the server-bus __DATA__ handler of spec.md §4.6, active
// only while at least one listing job is open for the session.
func (p *Plugin) handleData(st *state, clientBus *bus.Bus, ev *bus.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.order) == 0 {
		return
	}
	ev.Write = false

	parsed := imap.ParseResponse(ev.Raw)
	j := st.jobs[st.order[0]]

	if parsed.Seq != "" && parsed.Seq == j.syntheticSeq {
		j.auxBuffer = append(j.auxBuffer, parsed.Lines...)
		if st.hasAnnotatemore {
			p.applyAnnotationReply(st, j)
		} else {
			p.applyMetadataReply(st, j)
		}
		p.sendFilteredList(st, j, ev)
		return
	}

	if j.awaitingAux {
		j.auxBuffer = append(j.auxBuffer, parsed.Lines...)
		if parsed.Seq != "" {
			// A tag arrived that isn't the one we're waiting for: the
			// auxiliary request never completed as expected. Flush
			// everything through unmodified rather than lose it.
			p.flushUnfiltered(st, j, ev)
		}
		return
	}

	j.listingLines = append(j.listingLines, parsed.Lines...)
	if parsed.Seq == "" {
		return
	}
	if parsed.Seq != j.originalSeq {
		p.flushUnfiltered(st, j, ev)
		return
	}

	j.awaitingAux = true
	if st.metadata != nil {
		p.sendFilteredList(st, j, ev)
		return
	}
	if st.hasAnnotatemore {
		st.metadata = make(map[string]string)
		fmt.Fprintf(ev.Upstream, "%s GETANNOTATION \"*\" \"/vendor/kolab/folder-type\" (\"value.priv\" \"value.shared\")\r\n", j.syntheticSeq)
		return
	}
	st.metadata = make(map[string]string)
	fmt.Fprintf(ev.Upstream, "%s GETMETADATA \"*\" (/private/vendor/kolab/folder-type /shared/vendor/kolab/folder-type)\r\n", j.syntheticSeq)
}

// flushUnfiltered implements the §7 "protocol anomaly" fallback: an unknown
// tag shows up on a job we're tracking, so we give up filtering it and pass
// whatever was buffered straight through.
func (p *Plugin) flushUnfiltered(st *state, j *job, ev *bus.Event) {
	ev.Write = true
	ev.Result = joinLines(j.listingLines)
	ev.Result = append(ev.Result, joinLines(j.auxBuffer)...)
	ev.Result = append(ev.Result, ev.Raw...)
	p.removeJob(st, j.syntheticSeq)
}

// applyAnnotationReply implements spec.md §4.6 case 1: GETANNOTATION
// replies are five tokens per line ("*", "ANNOTATION", mailbox, entry,
// (values...)); the paired value lives at list index 1 ("value.priv"),
// falling back to index 3 ("value.shared").
func (p *Plugin) applyAnnotationReply(st *state, j *job) {
	for _, line := range j.auxBuffer {
		toks := imap.TokenizeData(line, 0)
		if len(toks) != 5 || toks[1].Atom != "ANNOTATION" {
			continue
		}
		entry := toks[3].Atom
		if entry != "/vendor/kolab/folder-type" {
			continue
		}
		values := toks[4].List
		value := ""
		if len(values) > 1 {
			value = values[1].Atom
		}
		if value == "" && len(values) > 3 {
			value = values[3].Atom
		}
		st.metadata[toks[2].Atom] = trimDotSuffix(value)
	}
}

// applyMetadataReply implements spec.md §4.6 case 2: GETMETADATA replies
// are parsed with the literal-aware parser so values that span CRLF
// boundaries are handled.
func (p *Plugin) applyMetadataReply(st *state, j *job) {
	buf := joinLines(j.auxBuffer)
	for _, e := range imap.ParseMetadataEntries(buf) {
		if e.Entry != "/private/vendor/kolab/folder-type" && e.Entry != "/shared/vendor/kolab/folder-type" {
			continue
		}
		st.metadata[e.Mailbox] = trimDotSuffix(e.Value)
	}
}

// trimDotSuffix keeps only the part of v before the first '.', preserving
// "NIL" literally (spec.md §4.6 case 2).
func trimDotSuffix(v string) string {
	if v == "NIL" {
		return v
	}
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// sendFilteredList implements spec.md §4.6.1: drop shared mailboxes and
// anything classified as a non-mail folder type, then emit the kept lines
// followed by a synthesized completion bearing the client's original tag.
func (p *Plugin) sendFilteredList(st *state, j *job, ev *bus.Event) {
	var kept [][]byte
	for _, line := range j.listingLines {
		toks := imap.TokenizeData(line, 0)
		if len(toks) == 0 {
			continue
		}
		mailbox := toks[len(toks)-1].Atom
		if sharedMailbox.MatchString(mailbox) {
			continue
		}
		if ftype, ok := st.metadata[mailbox]; ok && ftype != "mail" && ftype != "NIL" {
			continue
		}
		kept = append(kept, line)
	}

	var out bytes.Buffer
	out.Write(joinLines(kept))
	fmt.Fprintf(&out, "%s OK Completed (filtered by IMAProxy)\r\n", j.originalSeq)
	ev.Result = out.Bytes()
	ev.Write = false

	if len(kept) != len(j.listingLines) {
		p.Collector.ListingFiltered(j.kind)
	}
	p.removeJob(st, j.syntheticSeq)
}

// removeJob drops a resolved job. The metadata map is deliberately left
// intact: once learned for a session, folder types are reused for every
// later listing instead of re-querying the upstream (spec.md §4.6.2 "if
// metadata[session] already exists").
func (p *Plugin) removeJob(st *state, syntheticSeq string) {
	delete(st.jobs, syntheticSeq)
	for i, k := range st.order {
		if k == syntheticSeq {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
}

func joinLines(lines [][]byte) []byte {
	var out bytes.Buffer
	for _, l := range lines {
		out.Write(l)
		out.WriteString("\r\n")
	}
	return out.Bytes()
}
