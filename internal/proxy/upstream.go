package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// UpstreamAddr resolves a configured imap_server URL into a dial network
// address and the handshake parameters Dial needs. Accepted schemes are
// "imap" (plain), and "tls"/"imaps"/"ssl" (TLS from the first byte).
type UpstreamAddr struct {
	Addr string
	TLS  bool
}

// ParseUpstream parses raw (the imap_server configuration value) into an
// UpstreamAddr, applying the default port for the scheme when none is given.
func ParseUpstream(raw string) (UpstreamAddr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return UpstreamAddr{}, fmt.Errorf("parsing imap_server %q: %w", raw, err)
	}

	useTLS := false
	defaultPort := "143"
	switch u.Scheme {
	case "imap":
		// plain
	case "tls", "imaps", "ssl":
		useTLS = true
		defaultPort = "993"
	default:
		return UpstreamAddr{}, fmt.Errorf("parsing imap_server %q: unsupported scheme %q", raw, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return UpstreamAddr{}, fmt.Errorf("parsing imap_server %q: missing host", raw)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	return UpstreamAddr{Addr: net.JoinHostPort(host, port), TLS: useTLS}, nil
}

// Dial opens the upstream connection described by addr. When addr.TLS is
// set, it performs a TLS client handshake immediately; certificate
// verification is skipped when insecureSkipVerify is true (the
// tls_nocheck_certs configuration knob). When keepAlive is non-zero, TCP
// keepalive probing is enabled on the underlying socket at that interval.
func Dial(addr UpstreamAddr, insecureSkipVerify bool, keepAlive time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{
		KeepAlive: -1,
	}
	if keepAlive > 0 {
		dialer.KeepAlive = keepAlive
	}

	conn, err := dialer.Dial("tcp", addr.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing upstream %s: %w", addr.Addr, err)
	}

	if !addr.TLS {
		return conn, nil
	}

	host, _, splitErr := net.SplitHostPort(addr.Addr)
	if splitErr != nil {
		host = addr.Addr
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecureSkipVerify,
	})
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream TLS handshake with %s: %w", addr.Addr, err)
	}
	return tlsConn, nil
}

// portOf returns the numeric port of addr, or "" if unparsable. Exposed for
// tests that want to assert the default-port behavior without re-parsing.
func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	if _, convErr := strconv.Atoi(port); convErr != nil {
		return ""
	}
	return port
}
