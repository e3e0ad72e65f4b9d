// Package imap implements the protocol-only pieces of the proxy: framing a
// continuous byte stream into IMAP command/response lines, classifying the
// tag and keyword of a line, and tokenizing IMAP response payloads. Nothing
// in this package touches a socket.
package imap

import (
	"regexp"
	"strings"
)

// Direction distinguishes client->server traffic (where literal
// continuations and split tags are handled) from server->client traffic
// (framed without literal-continuation handling, per spec.md §4.4.2).
type Direction int

const (
	// Client is the downstream (client -> server) direction.
	Client Direction = iota
	// Server is the upstream (server -> client) direction.
	Server
)

// DataCommand is the pseudo-command used when a line cannot be classified
// as a tagged or untagged keyword.
const DataCommand = "__DATA__"

// Pseudo-event names published by the Connection Mediator alongside
// classified commands (spec.md §4.3).
const (
	EventPostData  = "__POSTDATA__"
	EventConnect   = "__CONNECT__"
	EventDisconnect = "__DISCONNECT__"
)

// classifyWindow bounds how many leading bytes are decoded for
// classification purposes. Forwarded bytes are never truncated; this only
// affects what the framer looks at to find the first line. spec.md §4.1
// and the Open Questions in §9(a) both describe this as a 256-byte window.
const classifyWindow = 256

var wordToken = regexp.MustCompile(`^[A-Za-z]+$`)

// CommandDescriptor is the result of framing one IMAP line, per spec.md §3.
type CommandDescriptor struct {
	// Seq is the tag string ("0" if none was recognized).
	Seq string
	// Command is the uppercased keyword, or DataCommand.
	Command string
	// Write is false when the framer wants the mediator to buffer more
	// bytes and emit nothing yet (a split tag fragment).
	Write bool
	// Result, when non-nil, replaces the original bytes for forwarding.
	// Populated by listeners, never by the framer itself.
	Result []byte
}

// Frame extracts a CommandDescriptor from buf. trailing holds any bytes
// left over after the first logical command in buf when a client-direction
// literal continuation causes the rest of buf to be deferred to a second
// framing pass (spec.md §4.1 "Multi-line command detection").
func Frame(buf []byte, dir Direction) (desc CommandDescriptor, trailing []byte) {
	window := buf
	if len(window) > classifyWindow {
		window = window[:classifyWindow]
	}

	firstLine, hasNewline := firstLogicalLine(window)
	fields := strings.Fields(string(firstLine))

	switch {
	case len(fields) >= 2 && wordToken.MatchString(fields[1]):
		// Tag plus keyword, with or without trailing arguments (e.g.
		// "a001 NOOP" and "a002 LIST \"\" \"*\"" both land here).
		desc.Seq = fields[0]
		desc.Command = strings.ToUpper(fields[1])
		desc.Write = true

	case len(fields) == 1 && wordToken.MatchString(fields[0]):
		desc.Seq = "0"
		desc.Command = strings.ToUpper(fields[0])
		desc.Write = true

	default:
		desc.Seq = "0"
		desc.Command = DataCommand
		desc.Write = true
	}

	// A split/incomplete tag: one token, no newline seen anywhere in the
	// window, and the whole buffer is short. The mediator appends buf to
	// its carry-over and waits for more.
	if dir == Client && len(fields) == 1 && !hasNewline && len(buf) < 10 {
		desc.Seq = "0"
		desc.Command = ""
		desc.Write = false
		return desc, nil
	}

	if desc.Command == "UID" {
		// fields[1] is "UID" in the two-token case; the sub-verb is the
		// third whitespace-separated token of the full (non-truncated)
		// line, not the classification window, since UID FETCH argument
		// lists can be long.
		sub := thirdToken(buf)
		if sub != "" {
			desc.Command = "UID " + strings.ToUpper(sub)
		}
	}

	if dir == Client && len(firstLine) > 0 && firstLine[len(firstLine)-1] == '}' {
		// Literal continuation: the first line and the line carrying the
		// literal's bytes form one command chunk. Anything after that in
		// this same read is pipelined commands; re-queue them for a second
		// framing pass.
		idx := lineEnd(buf, len(firstLine))
		if idx >= 0 {
			idx = lineEnd(buf, idx)
		}
		if idx >= 0 && idx < len(buf) {
			trailing = buf[idx:]
		}
	}

	return desc, trailing
}

// firstLogicalLine returns the first line of buf split on \r?\n (without
// the line terminator) and whether a newline was found at all.
func firstLogicalLine(buf []byte) (line []byte, hasNewline bool) {
	for i, b := range buf {
		if b == '\n' {
			end := i
			if end > 0 && buf[end-1] == '\r' {
				end--
			}
			return buf[:end], true
		}
	}
	return buf, false
}

// lineEnd returns the index in buf just past the terminator of the line
// whose un-terminated length is lineLen, or -1 if no terminator is present.
func lineEnd(buf []byte, lineLen int) int {
	for i := lineLen; i < len(buf); i++ {
		if buf[i] == '\n' {
			return i + 1
		}
	}
	return -1
}

// thirdToken returns the third whitespace-separated token of the first
// line of buf (unbounded by the classification window), or "" if absent.
func thirdToken(buf []byte) string {
	line, _ := firstLogicalLine(buf)
	fields := strings.Fields(string(line))
	if len(fields) < 3 {
		return ""
	}
	return fields[2]
}
