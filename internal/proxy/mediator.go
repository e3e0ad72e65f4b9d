package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/imaproxy/internal/bus"
	"github.com/infodancer/imaproxy/internal/imap"
	"github.com/infodancer/imaproxy/internal/metrics"
)

const readBufferSize = 4096

// MediatorConfig holds the per-connection wiring a Mediator needs beyond the
// session and client socket: where and how to reach the upstream, timeouts,
// and the shared observability handles.
type MediatorConfig struct {
	Upstream           UpstreamAddr
	InsecureSkipVerify bool
	KeepAlive          time.Duration
	ReadTimeout        time.Duration

	Logger    *slog.Logger
	Collector metrics.Collector

	// OpenConns is the per-worker open-connection counter (spec.md §5
	// "Shared resources"). Mediator increments it once Proxying begins
	// and decrements it exactly once on teardown.
	OpenConns *atomic.Int64

	Plugins []Plugin
}

// Mediator is the Connection Mediator of spec.md §4.4: one instance per
// accepted client, pumping bytes between the client and upstream sockets,
// framing each direction, dispatching events, and honoring listener
// rewrites and suppressions.
type Mediator struct {
	cfg     MediatorConfig
	session *Session

	clientBus *bus.Bus
	serverBus *bus.Bus

	client   net.Conn
	upstream net.Conn

	teardownOnce sync.Once
}

// NewMediator builds a Mediator for an already-accepted client socket. The
// session is created here (spec.md §3: "created when the client TCP/TLS
// handshake completes").
func NewMediator(client net.Conn, cfg MediatorConfig) *Mediator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mediator{
		cfg:       cfg,
		session:   NewSession(client),
		clientBus: bus.New(logger),
		serverBus: bus.New(logger),
		client:    client,
	}
	for _, p := range cfg.Plugins {
		p.Attach(m.session, m.clientBus, m.serverBus)
	}
	return m
}

// Session returns the session this Mediator owns.
func (m *Mediator) Session() *Session { return m.session }

// Run drives the connection to completion: dials upstream, pumps both
// directions, and tears everything down on the first error or close from
// either side. It returns the error that ended the session, or nil on a
// clean client-initiated close.
func (m *Mediator) Run(ctx context.Context) error {
	logger := m.logger().With("session", m.session.ID())

	logger.Info("connection established",
		"remote_addr", m.client.RemoteAddr().String(),
		"open_connections", m.openConnsSnapshot()+1,
	)

	m.clientBus.Emit(imap.EventConnect, m.pseudoEvent(imap.EventConnect))

	upstream, err := Dial(m.cfg.Upstream, m.cfg.InsecureSkipVerify, m.cfg.KeepAlive)
	if err != nil {
		m.cfg.Collector.UpstreamDialFailure()
		logger.Error("upstream connect failed", "error", err)
		m.teardown(logger, false)
		return fmt.Errorf("mediator: connecting upstream: %w", err)
	}
	m.upstream = upstream
	m.session.SetUpstream(upstream)

	m.serverBus.Emit(imap.EventConnect, m.pseudoEvent(imap.EventConnect))

	if m.cfg.OpenConns != nil {
		m.cfg.OpenConns.Add(1)
	}
	m.cfg.Collector.ConnectionOpened()

	errCh := make(chan error, 2)
	go func() { errCh <- m.pumpClient(logger) }()
	go func() { errCh <- m.pumpServer(logger) }()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			m.teardown(logger, true)
		case <-stopWatch:
		}
	}()

	runErr := <-errCh
	m.teardown(logger, true)
	<-errCh // wait for the second pump to observe the closed sockets and exit

	if runErr != nil && !errors.Is(runErr, io.EOF) && !errors.Is(runErr, net.ErrClosed) {
		return runErr
	}
	return nil
}

func (m *Mediator) logger() *slog.Logger {
	if m.cfg.Logger != nil {
		return m.cfg.Logger
	}
	return slog.Default()
}

func (m *Mediator) openConnsSnapshot() int64 {
	if m.cfg.OpenConns == nil {
		return 0
	}
	return m.cfg.OpenConns.Load()
}

func (m *Mediator) pseudoEvent(name string) *bus.Event {
	return &bus.Event{
		CommandDescriptor: imap.CommandDescriptor{Seq: "0", Command: name, Write: true},
		Session:           m.session,
		Upstream:          m.upstream,
		Client:            m.client,
	}
}

// pumpClient implements spec.md §4.4 step 1: frame client->server traffic
// with a carry-over buffer, dispatch the three-event sequence on the client
// bus, then forward the rewritten, original, or nothing, per the listener's
// decision. A literal-continuation tail in the same read is re-queued for a
// second framing pass so pipelined commands each get their own event.
func (m *Mediator) pumpClient(logger *slog.Logger) error {
	var carry []byte
	var pending [][]byte
	buf := make([]byte, readBufferSize)

	for {
		var data []byte
		if len(pending) > 0 {
			data = pending[0]
			pending = pending[1:]
		} else {
			n, err := m.client.Read(buf)
			if err != nil {
				return m.closeSide(logger, "client", err)
			}
			data = append([]byte(nil), buf[:n]...)
			m.cfg.Collector.BytesProxied("client-to-server", int64(n))
		}

		combined := data
		if len(carry) > 0 {
			combined = append(append([]byte(nil), carry...), data...)
			carry = nil
		}

		desc, trailing := imap.Frame(combined, imap.Client)
		if !desc.Write {
			carry = append(carry, combined...)
			continue
		}

		chunk := combined
		if trailing != nil {
			chunk = combined[:len(combined)-len(trailing)]
		}

		ev := &bus.Event{
			CommandDescriptor: desc,
			Session:           m.session,
			Upstream:          m.upstream,
			Client:            m.client,
			Raw:               chunk,
		}
		m.dispatch(m.clientBus, ev)
		m.cfg.Collector.CommandProcessed(ev.Command)

		if err := m.forward(m.upstream, ev, chunk); err != nil {
			return m.closeSide(logger, "client", err)
		}

		if trailing != nil {
			pending = append(pending, trailing)
		}
	}
}

// pumpServer implements spec.md §4.4 step 2: frame server->client traffic
// without any literal-continuation handling (write always starts true; no
// carry buffer), dispatch on the server bus, forward toward the client.
func (m *Mediator) pumpServer(logger *slog.Logger) error {
	buf := make([]byte, readBufferSize)

	for {
		if m.cfg.ReadTimeout > 0 {
			_ = m.upstream.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		}

		n, err := m.upstream.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Info("upstream read timeout")
			}
			return m.closeSide(logger, "upstream", err)
		}
		data := append([]byte(nil), buf[:n]...)
		m.cfg.Collector.BytesProxied("server-to-client", int64(n))

		desc, _ := imap.Frame(data, imap.Server)

		ev := &bus.Event{
			CommandDescriptor: desc,
			Session:           m.session,
			Upstream:          m.upstream,
			Client:            m.client,
			Raw:               data,
		}
		m.dispatch(m.serverBus, ev)

		if err := m.forward(m.client, ev, data); err != nil {
			return m.closeSide(logger, "upstream", err)
		}
	}
}

// dispatch runs the three-event sequence described in spec.md §4.3: the
// command name, then __DATA__ (skipped if already __DATA__), then
// __POSTDATA__. All three see and may mutate the same event.
func (m *Mediator) dispatch(b *bus.Bus, ev *bus.Event) {
	b.Emit(ev.Command, ev)
	if ev.Command != imap.DataCommand {
		b.Emit(imap.DataCommand, ev)
	}
	b.Emit(imap.EventPostData, ev)
}

// forward writes ev.Result if a listener set one, the original bytes if
// ev.Write is still true, or nothing at all, per spec.md §2 "data flow".
func (m *Mediator) forward(dst net.Conn, ev *bus.Event, original []byte) error {
	var toWrite []byte
	switch {
	case ev.Result != nil:
		toWrite = ev.Result
	case ev.Write:
		toWrite = original
	default:
		return nil
	}
	if len(toWrite) == 0 {
		return nil
	}
	_, err := dst.Write(toWrite)
	return err
}

// closeSide classifies a read/write error on one side of the connection: a
// clean client close (EOF) ends the session without being treated as a
// failure; anything else is logged before propagating.
func (m *Mediator) closeSide(logger *slog.Logger, side string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		logger.Info(side + " connection closed")
		return err
	}
	logger.Error(side+" connection error", "error", err)
	return err
}

// teardown implements spec.md §4.4 step 3: flips connected to false exactly
// once, closes both sockets, decrements the open-connections counter
// exactly once, and publishes __DISCONNECT__ on both buses.
func (m *Mediator) teardown(logger *slog.Logger, publishDisconnect bool) {
	m.teardownOnce.Do(func() {
		wasConnected := m.session.MarkDisconnected()
		_ = m.client.Close()
		if m.upstream != nil {
			_ = m.upstream.Close()
		}
		if !wasConnected {
			return
		}
		if m.cfg.OpenConns != nil {
			m.cfg.OpenConns.Add(-1)
		}
		m.cfg.Collector.ConnectionClosed()
		if publishDisconnect {
			m.clientBus.Emit(imap.EventDisconnect, m.pseudoEvent(imap.EventDisconnect))
			m.serverBus.Emit(imap.EventDisconnect, m.pseudoEvent(imap.EventDisconnect))
		}
		logger.Info("disconnected", "open_connections", m.openConnsSnapshot())
	})
}
